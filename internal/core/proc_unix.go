//go:build !windows

package core

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"
)

func shellCommand(ctx context.Context, line string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", "-c", line) // #nosec G204
}

// prepareProcess puts the child in its own process group and, when the
// daemon runs as root, switches to the run-as account. It reports whether
// the identity switch was applied.
func prepareProcess(cmd *exec.Cmd, runAs string) (bool, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	cmd.SysProcAttr = attr
	if runAs == "" || os.Geteuid() != 0 {
		return false, nil
	}
	if current, err := user.Current(); err == nil && (current.Username == runAs || current.Uid == runAs) {
		return false, nil
	}
	u, err := user.Lookup(runAs)
	if err != nil {
		if u, err = user.LookupId(runAs); err != nil {
			return false, errors.Wrapf(err, "lookup run-as user %q", runAs)
		}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return false, errors.Wrapf(err, "parse uid of %q", runAs)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return false, errors.Wrapf(err, "parse gid of %q", runAs)
	}
	attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return true, nil
}

// killProcessTree kills the process group of p plus any descendant that
// escaped into a group of its own.
func killProcessTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	descendants := collectDescendants(p.Pid)
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	for _, d := range descendants {
		_ = d.Kill()
	}
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return errors.Wrapf(err, "kill process group %d", p.Pid)
	}
	return nil
}
