package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opscron/internal/api"
	"opscron/internal/config"
	"opscron/internal/core"
	"opscron/internal/dbpool"
	"opscron/internal/logging"
	opscronmcp "opscron/internal/mcp"
	"opscron/internal/notify"
	"opscron/internal/store"
	"opscron/internal/vault"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "opscrond",
		Short:         "Cron task engine with an external database connection registry",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newRunsCmd(),
		newConnCmd(),
		newCronCmd(),
	)
	return root
}

// app holds what every subcommand needs.
type app struct {
	cfg      *config.Config
	v        *viper.Viper
	logger   *slog.Logger
	level    *logging.Level
	store    *store.Store
	location *time.Location
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, v, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, level := logging.New(cfg.Log.Level, cfg.Log.Format)
	location, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cmd.Context(), cfg.StateDir)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return &app{cfg: cfg, v: v, logger: logger, level: level, store: st, location: location}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

func (a *app) notifier() core.Notifier {
	if !a.cfg.Notify.BarkEnabled {
		return nil
	}
	bark, err := notify.NewBarkNotifier(a.cfg.Notify.BarkURL)
	if err != nil {
		a.logger.Warn("bark notifications disabled", "err", err)
		return nil
	}
	return notify.NewRateLimited(bark, a.cfg.Notify.RatePerMinute, a.logger)
}

func (a *app) executor() *core.Executor {
	return core.NewExecutor(a.store, a.logger.With("component", "executor"), core.ExecutorOptions{
		MaxInstances: a.cfg.Scheduler.MaxInstances,
		RetryBackoff: a.cfg.Scheduler.RetryBackoff,
		Interpreter:  a.cfg.Scheduler.Interpreter,
		OutputLimit:  a.cfg.Scheduler.OutputLimit,
		Retention:    a.cfg.Runs.Retention,
		Notifier:     a.notifier(),
	})
}

func (a *app) connections() *dbpool.ConnectionService {
	v := vault.New(a.cfg.Vault.Secret, a.cfg.Vault.Salt)
	logger := a.logger.With("component", "dbpool")
	registry := dbpool.NewRegistry(a.store, v, logger, dbpool.Options{
		Limits: dbpool.Limits{
			MinSize:     a.cfg.Pool.MinSize,
			MaxSize:     a.cfg.Pool.MaxSize,
			ConnMaxIdle: a.cfg.Pool.ConnMaxIdle,
		},
		TestTimeout: a.cfg.Pool.TestTimeout,
	})
	return dbpool.NewConnectionService(a.store, v, registry, logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with the HTTP and/or MCP admin surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger
	config.Watch(a.v, a.level.Set, logger)

	conns := a.connections()
	defer conns.Registry().Close()

	scheduler := core.NewScheduler(a.store, a.executor(), logger.With("component", "scheduler"), core.SchedulerOptions{
		Location:       a.location,
		IOWorkers:      a.cfg.Scheduler.IOWorkers,
		ProcessWorkers: a.cfg.Scheduler.ProcessWorkers,
	})
	if err := scheduler.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	tasks := core.NewTaskService(a.store, scheduler, logger)

	mode := a.cfg.Server.Mode
	errCh := make(chan error, 2)

	var mcpServer *opscronmcp.MCPServer
	if mode == "mcp" || mode == "both" {
		mcpServer = opscronmcp.NewMCPServer(tasks, conns, logger.With("component", "mcp"), version)
		go func() {
			// stdio ends when the client closes stdin
			err := mcpServer.Run()
			switch {
			case err != nil:
				errCh <- errors.Wrap(err, "mcp server")
			case mode == "mcp":
				errCh <- nil
			default:
				logger.Info("mcp stdio closed, http keeps serving")
			}
		}()
	}

	var httpServer *api.Server
	if mode == "http" || mode == "both" {
		opts := api.Options{AuthToken: a.cfg.Server.AuthToken}
		if mcpServer != nil {
			opts.MCPHandler = mcpServer.HTTPHandler()
		}
		httpServer = api.NewServer(a.cfg.Server.Addr, tasks, conns, logger.With("component", "api"), opts)
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- errors.Wrap(err, "http server")
			}
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("systemd notify", "err", err)
	} else if ok {
		logger.Debug("notified systemd")
	}
	logger.Info("opscron started", "mode", mode, "state_dir", a.cfg.StateDir, "timezone", a.location.String())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("server error", "err", runErr)
		} else {
			logger.Info("mcp client disconnected")
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler stop timed out", "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
