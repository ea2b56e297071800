package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"opscron/internal/config"
	"opscron/internal/core"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Execute a task in the foreground and print the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			task, err := a.store.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			spinner, _ := pterm.DefaultSpinner.Start("running " + task.Name)
			run := a.executor().Execute(ctx, task, core.TriggerManual)
			if run.Status == core.RunStatusSuccess {
				spinner.Success(fmt.Sprintf("%s finished in %dms", task.Name, run.DurationMs))
			} else {
				spinner.Fail(fmt.Sprintf("%s ended %s after %d retries: %s", task.Name, run.Status, run.RetryCount, run.Error))
			}
			if run.Output != "" {
				fmt.Fprint(cmd.OutOrStdout(), run.Output)
			}
			if run.Status != core.RunStatusSuccess {
				return errors.Newf("run %s %s", run.ID, run.Status)
			}
			return nil
		},
	}
}

func newRunsCmd() *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			runs, total, err := a.store.ListRuns(cmd.Context(), core.RunFilter{
				TaskID: args[0],
				Status: core.RunStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				pterm.Info.Println("no runs recorded")
				return nil
			}

			data := pterm.TableData{{"RUN", "TRIGGER", "STATUS", "STARTED", "DURATION", "RETRIES", "ERROR"}}
			for _, r := range runs {
				data = append(data, []string{
					r.ID,
					string(r.Trigger),
					string(r.Status),
					formatLocal(&r.StartedAt, a.location),
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					strconv.Itoa(r.RetryCount),
					truncate(r.Error, 48),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Info.Printfln("%d of %d runs", len(runs), total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().StringVar(&status, "status", "", "Only show runs with this status")
	return cmd
}

func newConnCmd() *cobra.Command {
	conn := &cobra.Command{
		Use:   "conn",
		Short: "Manage external database connections",
	}
	conn.AddCommand(&cobra.Command{
		Use:   "test <conn-id>",
		Short: "Test a registered connection and record its reachability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			conns := a.connections()
			defer conns.Registry().Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Pool.TestTimeout+5*time.Second)
			defer cancel()
			res, err := conns.TestStored(ctx, args[0])
			if err != nil {
				return err
			}
			if !res.OK {
				pterm.Error.Println(res.Message)
				return errors.Newf("connection %s unreachable", args[0])
			}
			pterm.Success.Printfln("%s (%s)", res.Message, res.Latency.Round(time.Millisecond))
			return nil
		},
	})
	return conn
}

func newCronCmd() *cobra.Command {
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron expression helpers",
	}
	var count int
	preview := &cobra.Command{
		Use:   "preview <expr>",
		Short: "Print the next fire times of a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			schedule, err := core.ParseCron(args[0])
			if err != nil {
				return err
			}
			for i, t := range core.NextOccurrences(schedule, time.Now().In(loc), count) {
				fmt.Fprintf(cmd.OutOrStdout(), "%2d. %s\n", i+1, t.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
	preview.Flags().IntVarP(&count, "count", "n", 5, "Number of fire times")
	cronCmd.AddCommand(preview)
	return cronCmd
}

func formatLocal(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
