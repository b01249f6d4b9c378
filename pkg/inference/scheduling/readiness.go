package scheduling

import (
	"context"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

const (
	// DefaultReadinessBudget bounds the wait for a child to become ready.
	DefaultReadinessBudget = 60 * time.Second
	// npuFirstLoadFactor extends the budget for the first load of an
	// NPU-resident model, which may compile device caches.
	npuFirstLoadFactor = 10
	// readinessInterval is the poll cadence.
	readinessInterval = 500 * time.Millisecond
)

// Process is the loader's view of a supervised child.
type Process interface {
	PID() int
	Alive() bool
	// Done is closed once the child has exited and been reaped.
	Done() <-chan struct{}
	ExitErr() error
}

// ProcessManager starts and stops engine children.
type ProcessManager interface {
	Start(spec supervisor.Spec) (Process, error)
	Stop(p Process) error
}

// SupervisorManager adapts the process supervisor to ProcessManager.
type SupervisorManager struct {
	Supervisor *supervisor.Supervisor
}

func (m SupervisorManager) Start(spec supervisor.Spec) (Process, error) {
	return m.Supervisor.Start(spec)
}

func (m SupervisorManager) Stop(p Process) error {
	return m.Supervisor.Stop(p.(*supervisor.Handle))
}

// ReadinessProber waits for a freshly spawned child to accept requests.
type ReadinessProber interface {
	WaitReady(ctx context.Context, baseURL, path string, proc Process, budget time.Duration) error
}

// HTTPProber polls the child's readiness endpoint at a fixed cadence. It
// gives up early when the child exits, rather than burning the whole
// budget against a dead port.
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) WaitReady(ctx context.Context, baseURL, path string, proc Process, budget time.Duration) error {
	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	url := baseURL + path
	for {
		select {
		case <-ctx.Done():
			return inference.WrapError(inference.KindCancelled, ctx.Err(), "load cancelled while waiting for readiness")
		case <-proc.Done():
			if err := proc.ExitErr(); err != nil {
				return inference.WrapError(inference.KindLoadFailed, err, "engine exited during startup")
			}
			return inference.NewError(inference.KindLoadFailed, "engine exited during startup")
		case <-deadline.C:
			return inference.NewError(inference.KindLoadFailed, "engine not ready after %s", budget)
		case <-ticker.C:
			if p.probe(ctx, url) {
				return nil
			}
		}
	}
}

// probe issues one readiness request. Each attempt is bounded by the
// poll cadence so a child that accepts connections but never answers
// cannot stall the loop past its budget.
func (p HTTPProber) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, readinessInterval)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
