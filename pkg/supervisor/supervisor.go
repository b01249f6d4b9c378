// Package supervisor wraps backend engine subprocesses: start, observe,
// stop cleanly, and terminate descendants as a unit. On POSIX each child is
// placed in its own process group; on Windows it is assigned to a job
// object so the whole subtree can be killed together.
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

// DefaultStopGrace is how long Stop waits after the graceful terminate
// signal before force-killing the subtree.
const DefaultStopGrace = 5 * time.Second

// State describes a handle's lifecycle. Terminal states are sticky.
type State int

const (
	// StateStarting means Start has been called but the first aliveness
	// observation has not happened yet.
	StateStarting State = iota
	// StateRunning means the child process is believed to be alive.
	StateRunning
	// StateStopping means Stop is in progress.
	StateStopping
	// StateStopped means the child has exited and been reaped.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Spec describes a child process to spawn.
type Spec struct {
	// Exe is the path of the executable.
	Exe string
	// Args are the command-line arguments (not including the executable).
	Args []string
	// Env holds extra environment entries appended to the parent
	// environment, e.g. library search path additions.
	Env []string
	// WorkingDir is the child's working directory. Empty means inherit.
	WorkingDir string
	// LogSink receives the child's stdout and stderr, unbuffered.
	LogSink io.Writer
}

// Handle tracks one supervised child process.
type Handle struct {
	mu    sync.Mutex
	state State

	cmd      *exec.Cmd
	pid      int
	platform platformHandle

	// waitDone is closed once the child has been reaped; waitErr then holds
	// the exit error, if any.
	waitDone chan struct{}
	waitErr  error
}

// Supervisor starts and stops child processes.
type Supervisor struct {
	log       logging.Logger
	stopGrace time.Duration
}

// New creates a process supervisor.
func New(log logging.Logger) *Supervisor {
	return &Supervisor{
		log:       log,
		stopGrace: DefaultStopGrace,
	}
}

// Start spawns the child described by spec. It returns as soon as the
// process has been created; readiness is the caller's concern. The child's
// stdout and stderr stream to spec.LogSink until the child closes them.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Exe, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Env...)
	if spec.LogSink != nil {
		cmd.Stdout = spec.LogSink
		cmd.Stderr = spec.LogSink
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to spawn %s", spec.Exe)
	}

	h := &Handle{
		state:    StateRunning,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		waitDone: make(chan struct{}),
	}

	ph, err := attachPlatform(cmd)
	if err != nil {
		// Roll back: no handle may leak on a failed start.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.Wrap(err, "failed to attach process to termination group")
	}
	h.platform = ph

	// Reap the child exactly once. exec.Cmd pumps the stdout/stderr pipes to
	// LogSink internally; Wait returns once the streams are drained.
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.state = StateStopped
		h.mu.Unlock()
		close(h.waitDone)
	}()

	s.log.Infof("started %s (pid %d)", spec.Exe, h.pid)
	return h, nil
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.pid
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Alive reports whether the child is still running. A reaped or zombie
// child reports false.
func (h *Handle) Alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Done returns a channel closed once the child has exited and been reaped.
// Used for early-exit detection during readiness polling.
func (h *Handle) Done() <-chan struct{} {
	return h.waitDone
}

// ExitErr returns the child's exit error after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Stop performs an ordered shutdown of the child and its descendants:
// enumerate the subtree, signal graceful termination, wait up to the grace
// period, then force-kill anything still alive. Stop is idempotent and safe
// to call on an already-dead child.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	switch h.state {
	case StateStopped:
		h.mu.Unlock()
		return nil
	case StateStopping:
		h.mu.Unlock()
		<-h.waitDone
		return nil
	}
	h.state = StateStopping
	h.mu.Unlock()

	// Descendants are discovered before the root is signalled so that
	// re-parenting to init does not lose them.
	if err := h.platform.terminate(); err != nil {
		s.log.Warnf("graceful terminate of pid %d failed: %v", h.pid, err)
	}

	select {
	case <-h.waitDone:
		s.log.Infof("pid %d exited after terminate", h.pid)
		return nil
	case <-time.After(s.stopGrace):
	}

	s.log.Warnf("pid %d did not exit within %s, force-killing subtree", h.pid, s.stopGrace)
	if err := h.platform.kill(); err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", h.pid, err)
	}
	<-h.waitDone
	return nil
}
