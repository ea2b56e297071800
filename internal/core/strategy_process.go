package core

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// Result is the outcome of a single attempt.
type Result struct {
	Output string
	Err    error
}

// Strategy runs one attempt of a task. Implementations must honor ctx.
type Strategy interface {
	Run(ctx context.Context, task *Task) Result
}

// processWaitDelay bounds how long Wait blocks on inherited pipes after
// the process tree was killed.
const processWaitDelay = 2 * time.Second

// processStrategy runs a command line through the platform shell.
type processStrategy struct {
	logger      *slog.Logger
	outputLimit int
	commandLine func(task *Task) (string, error)
}

func newShellStrategy(logger *slog.Logger, outputLimit int) *processStrategy {
	return &processStrategy{
		logger:      logger,
		outputLimit: outputLimit,
		commandLine: func(task *Task) (string, error) {
			return appendArgs(task.Command, task.Args), nil
		},
	}
}

// newScriptStrategy runs task.Command with the task's interpreter, falling
// back to defaultInterpreter. The command is the script path optionally
// followed by its own arguments, split with shell quoting rules so a path
// containing spaces must be quoted.
func newScriptStrategy(logger *slog.Logger, outputLimit int, defaultInterpreter string) *processStrategy {
	return &processStrategy{
		logger:      logger,
		outputLimit: outputLimit,
		commandLine: func(task *Task) (string, error) {
			interpreter := strings.TrimSpace(task.Interpreter)
			if interpreter == "" {
				interpreter = defaultInterpreter
			}
			words, err := shellquote.Split(task.Command)
			if err != nil {
				return "", errors.Wrapf(ErrExecutionFailure, "invalid script command: %v", err)
			}
			if len(words) == 0 {
				return "", errors.Wrap(ErrExecutionFailure, "empty script command")
			}
			return appendArgs(interpreter+" "+shellquote.Join(words...), task.Args), nil
		},
	}
}

func (p *processStrategy) Run(ctx context.Context, task *Task) Result {
	line, err := p.commandLine(task)
	if err != nil {
		return Result{Err: err}
	}
	cmd := shellCommand(ctx, line)
	cmd.Dir = task.WorkingDir
	cmd.Env = append(os.Environ(), parseEnvLines(task.EnvVars)...)
	switched, err := prepareProcess(cmd, task.RunAs)
	if err != nil {
		return Result{Err: errors.Wrapf(ErrExecutionFailure, "prepare process: %v", err)}
	}
	if task.RunAs != "" && !switched {
		p.logger.Debug("run-as not applied, executing as current user", "task_id", task.ID, "run_as", task.RunAs)
	}
	cmd.Cancel = func() error {
		return killProcessTree(cmd.Process)
	}
	cmd.WaitDelay = processWaitDelay

	stdout := newCappedBuffer(p.outputLimit)
	stderr := newCappedBuffer(p.outputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	p.logger.Info("executing command", "task_id", task.ID, "kind", task.Kind, "command", line)
	err = cmd.Run()
	output := stdout.String()
	if err == nil {
		return Result{Output: joinStreams(output, stderr.String())}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{Output: output, Err: errors.Wrapf(ErrExecutionFailure, "command interrupted: %v", ctxErr)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		}
		return Result{Output: output, Err: errors.Wrapf(ErrExecutionFailure, "exit status %d: %s", exitErr.ExitCode(), msg)}
	}
	return Result{Output: output, Err: errors.Wrapf(ErrExecutionFailure, "start command: %v", err)}
}

// joinStreams appends stderr after stdout, starting it on a new line.
func joinStreams(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return stdout + stderr
}
