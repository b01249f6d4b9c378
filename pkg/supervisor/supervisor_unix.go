//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// platformHandle terminates a child's whole subtree.
type platformHandle interface {
	terminate() error
	kill() error
}

// unixHandle signals the child's process group. Every descendant spawned by
// the engine inherits the group, so group-wide signals reach processes that
// have re-parented to init.
type unixHandle struct {
	pgid int
}

// configureSysProcAttr places the child in its own process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func attachPlatform(cmd *exec.Cmd) (platformHandle, error) {
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		// The child may already have exited; fall back to its pid.
		pgid = cmd.Process.Pid
	}
	return &unixHandle{pgid: pgid}, nil
}

func (h *unixHandle) terminate() error {
	err := syscall.Kill(-h.pgid, syscall.SIGTERM)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func (h *unixHandle) kill() error {
	err := syscall.Kill(-h.pgid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
