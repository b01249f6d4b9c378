//go:build windows

package supervisor

import (
	"os/exec"

	"github.com/kolesnikovae/go-winjob"
)

// platformHandle terminates a child's whole subtree.
type platformHandle interface {
	terminate() error
	kill() error
}

// windowsHandle owns a job object containing the child and all of its
// descendants; closing the job with kill-on-close terminates the subtree.
type windowsHandle struct {
	job *winjob.JobObject
}

func configureSysProcAttr(cmd *exec.Cmd) {}

func attachPlatform(cmd *exec.Cmd) (platformHandle, error) {
	job, err := winjob.Create("", winjob.LimitKillOnJobClose)
	if err != nil {
		return nil, err
	}
	if err := job.Assign(cmd.Process); err != nil {
		job.Close()
		return nil, err
	}
	return &windowsHandle{job: job}, nil
}

func (h *windowsHandle) terminate() error {
	// Windows has no graceful cross-process signal for GUI-less servers;
	// job termination is the shutdown path.
	return h.job.TerminateWithExitCode(1)
}

func (h *windowsHandle) kill() error {
	return h.job.Close()
}
