//go:build windows

package core

import (
	"context"
	"os"
	"os/exec"

	"github.com/cockroachdb/errors"
)

func shellCommand(ctx context.Context, line string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", line) // #nosec G204
}

// Switching accounts is not supported on Windows; run-as is ignored.
func prepareProcess(cmd *exec.Cmd, runAs string) (bool, error) {
	return false, nil
}

func killProcessTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	for _, d := range collectDescendants(p.Pid) {
		_ = d.Kill()
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "kill process %d", p.Pid)
	}
	return nil
}
