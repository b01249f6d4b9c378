package scheduling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

const (
	// DefaultCapacityTimeout bounds how long a load waits for a fully
	// pinned type slot to open up before failing with capacity_busy.
	DefaultCapacityTimeout = 30 * time.Second
	// DefaultDrainTimeout bounds how long an eviction waits for in-flight
	// requests on the victim to finish.
	DefaultDrainTimeout = 30 * time.Second
)

// reservation is a capacity hold for a load in progress.
type reservation struct {
	mtype   inference.ModelType
	usesNPU bool
}

// runner is one loaded engine instance. Identity fields are immutable
// after creation; inflight, lastUse and stopping are guarded by mu. The
// loader's global lock may be held while taking mu, never the reverse.
type runner struct {
	info    inference.ModelInfo
	mtype   inference.ModelType
	backend inference.Backend
	opts    inference.Options
	usesNPU bool
	port    int
	baseURL string
	proc    Process
	logSink *io.PipeWriter
	seq     uint64 // insertion order, breaks LRU ties

	mu       sync.Mutex
	inflight int
	lastUse  time.Time
	stopping bool
	drained  chan struct{}
	drainOne sync.Once
}

// markDrainedLocked closes the drain gate; callers hold r.mu.
func (r *runner) markDrainedLocked() {
	r.drainOne.Do(func() { close(r.drained) })
}

// LoaderConfig carries the loader's collaborators and tunables.
type LoaderConfig struct {
	Log        logging.Logger
	Registry   *models.Registry
	Backends   map[string]inference.Backend
	Processes  ProcessManager
	Prober     ReadinessProber
	Ports      *PortAllocator
	HTTPClient *http.Client
	// GlobalOptions is the process-wide option layer from configuration.
	GlobalOptions inference.Options
	// MaxLoadedPerType caps each model-type slot; -1 means unlimited.
	MaxLoadedPerType int
	CapacityTimeout  time.Duration
	DrainTimeout     time.Duration
}

// Loader owns every loaded instance. It serializes loads per model id,
// enforces per-type capacity with LRU eviction, keeps at most one
// NPU-resident instance, and never evicts an instance with requests in
// flight.
type Loader struct {
	log        logging.Logger
	registry   *models.Registry
	backends   map[string]inference.Backend
	procs      ProcessManager
	prober     ReadinessProber
	ports      *PortAllocator
	httpClient *http.Client

	globalOptions   inference.Options
	maxPerType      int
	capacityTimeout time.Duration
	drainTimeout    time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	runners map[string]*runner
	// pending holds capacity reservations for loads that passed admission
	// but have not yet inserted their runner, so concurrent loads cannot
	// oversubscribe a slot while a child is still spawning.
	pending map[string]reservation
	seq     uint64
	// warmed records model ids that completed a load this process; the
	// first NPU load gets an extended readiness budget.
	warmed map[string]bool

	loadLocks sync.Map // model id -> *sync.Mutex
}

// NewLoader creates a loader. Zero tunables take defaults.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.CapacityTimeout == 0 {
		cfg.CapacityTimeout = DefaultCapacityTimeout
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	l := &Loader{
		log:             cfg.Log,
		registry:        cfg.Registry,
		backends:        cfg.Backends,
		procs:           cfg.Processes,
		prober:          cfg.Prober,
		ports:           cfg.Ports,
		httpClient:      cfg.HTTPClient,
		globalOptions:   cfg.GlobalOptions,
		maxPerType:      cfg.MaxLoadedPerType,
		capacityTimeout: cfg.CapacityTimeout,
		drainTimeout:    cfg.DrainTimeout,
		runners:         make(map[string]*runner),
		pending:         make(map[string]reservation),
		warmed:          make(map[string]bool),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Instance is an acquired engine instance. It stays valid until the
// paired release function runs.
type Instance struct {
	ModelID   string
	ModelType inference.ModelType
	Recipe    string
	Backend   inference.Backend
	Options   inference.Options
	Info      inference.ModelInfo
	Port      int
	PID       int
	BaseURL   string
}

// ReleaseFunc returns an instance; it is idempotent.
type ReleaseFunc func()

// Acquire returns a ready instance for modelID, loading one if needed.
// The instance is pinned against eviction until released.
func (l *Loader) Acquire(ctx context.Context, modelID string, overrides inference.Options) (Instance, ReleaseFunc, error) {
	info, err := l.registry.Get(modelID)
	if err != nil {
		return Instance{}, nil, err
	}
	backend := l.backends[info.Recipe]
	if backend == nil {
		return Instance{}, nil, inference.NewError(inference.KindBadRequest,
			"no backend available for recipe %q", info.Recipe)
	}
	if err := inference.ValidateOptions(info.Recipe, overrides); err != nil {
		return Instance{}, nil, err
	}

	if inst, release, ok := l.tryAcquireLoaded(modelID); ok {
		return inst, release, nil
	}

	// Loads are serialized per model id; distinct models load in parallel.
	lockAny, _ := l.loadLocks.LoadOrStore(modelID, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if inst, release, ok := l.tryAcquireLoaded(modelID); ok {
		return inst, release, nil
	}

	effective := inference.MergeOptions(overrides, l.registry.GetRecipeOptions(modelID), l.globalOptions, nil)
	if err := inference.ValidateOptions(info.Recipe, effective); err != nil {
		// A stale stored option must not brick the model.
		l.log.Warnf("stored options for %s are invalid (%v), ignoring them", modelID, err)
		effective = inference.MergeOptions(overrides, nil, l.globalOptions, nil)
	}
	spawnOpts := effective.WithoutPseudo()

	r, err := l.load(ctx, info, backend, spawnOpts)
	if err != nil {
		return Instance{}, nil, err
	}
	if inference.SaveRequested(overrides) {
		// Persist only the explicitly provided keys, layered over whatever
		// was stored before.
		persisted := inference.MergeOptions(overrides, l.registry.GetRecipeOptions(modelID), nil, nil).WithoutPseudo()
		if err := l.registry.SetRecipeOptions(modelID, persisted); err != nil {
			l.log.Warnf("failed to persist options for %s: %v", modelID, err)
		}
	}
	return l.pin(r)
}

// tryAcquireLoaded is the fast path: pin an already loaded instance.
func (l *Loader) tryAcquireLoaded(modelID string) (Instance, ReleaseFunc, bool) {
	l.mu.Lock()
	r := l.runners[modelID]
	l.mu.Unlock()
	if r == nil {
		return Instance{}, nil, false
	}
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return Instance{}, nil, false
	}
	r.inflight++
	r.lastUse = time.Now()
	r.mu.Unlock()
	return l.instanceFor(r), l.releaseFunc(r), true
}

// pin pins a runner the caller just created.
func (l *Loader) pin(r *runner) (Instance, ReleaseFunc, error) {
	r.mu.Lock()
	if r.stopping {
		// Evicted between insertion and pinning; extremely tight race,
		// treated as a failed load.
		r.mu.Unlock()
		return Instance{}, nil, inference.NewError(inference.KindLoadFailed,
			"model %s was evicted immediately after loading", r.info.ID)
	}
	r.inflight++
	r.lastUse = time.Now()
	r.mu.Unlock()
	return l.instanceFor(r), l.releaseFunc(r), nil
}

func (l *Loader) instanceFor(r *runner) Instance {
	return Instance{
		ModelID:   r.info.ID,
		ModelType: r.mtype,
		Recipe:    r.info.Recipe,
		Backend:   r.backend,
		Options:   r.opts,
		Info:      r.info,
		Port:      r.port,
		PID:       r.proc.PID(),
		BaseURL:   r.baseURL,
	}
}

func (l *Loader) releaseFunc(r *runner) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.inflight--
			if r.inflight == 0 && r.stopping {
				r.markDrainedLocked()
			}
			r.mu.Unlock()
			l.broadcast()
		})
	}
}

// broadcast wakes capacity waiters. The mutex is taken so a waiter that
// has decided to park cannot miss the wakeup.
func (l *Loader) broadcast() {
	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
}

// load installs the engine, admits the model and spawns its child. On any
// failure past validation it evicts everything (best effort) and retries
// exactly once; a second failure is final.
func (l *Loader) load(ctx context.Context, info inference.ModelInfo, backend inference.Backend, opts inference.Options) (*runner, error) {
	if !info.Downloaded {
		return nil, inference.NewError(inference.KindBadRequest,
			"model %s is not downloaded; pull it first", info.ID)
	}

	outcome, err := backend.EnsureInstalled(ctx, l.httpClient, opts)
	if err != nil {
		return nil, err
	}
	if outcome.Upgraded && backend.InvalidatesOnUpgrade() {
		l.log.Infof("%s engine upgraded to %s, evicting all %s models", info.Recipe, outcome.Version, info.Recipe)
		l.evictWhere(func(r *runner) bool { return r.info.Recipe == info.Recipe })
	}

	r, err := l.attempt(ctx, info, backend, opts)
	if err != nil && ctx.Err() == nil && retryableLoadFailure(err) {
		l.log.Warnf("load of %s failed (%v); evicting all models and retrying once", info.ID, err)
		l.evictWhere(func(*runner) bool { return true })
		r, err = l.attempt(ctx, info, backend, opts)
	}
	return r, err
}

// retryableLoadFailure reports whether an error might be cured by freeing
// memory. Capacity and validation failures are not retried; evicting
// pinned instances for them would break the no-eviction-while-busy
// guarantee.
func retryableLoadFailure(err error) bool {
	switch inference.KindOf(err) {
	case inference.KindLoadFailed, inference.KindSpawnFailed:
		return true
	}
	return false
}

// attempt runs one admission-spawn-readiness cycle.
func (l *Loader) attempt(ctx context.Context, info inference.ModelInfo, backend inference.Backend, opts inference.Options) (*runner, error) {
	mtype := info.Type()
	usesNPU := backend.UsesNPU(opts)
	if err := l.admit(ctx, info.ID, mtype, usesNPU); err != nil {
		return nil, err
	}
	unreserve := func() {
		l.mu.Lock()
		delete(l.pending, info.ID)
		l.cond.Broadcast()
		l.mu.Unlock()
	}

	port, err := l.ports.Allocate(info.ID)
	if err != nil {
		unreserve()
		return nil, err
	}
	sink := l.log.WithFields(map[string]interface{}{"component": "engine", "model": info.ID}).Writer()
	fail := func(cause error) (*runner, error) {
		sink.Close()
		l.ports.Release(port)
		unreserve()
		return nil, cause
	}

	spec, err := backend.BuildSpawn(info, opts, port, sink)
	if err != nil {
		return fail(err)
	}
	l.log.Infof("starting %s for %s on port %d", info.Recipe, info.ID, port)
	proc, err := l.procs.Start(spec)
	if err != nil {
		return fail(inference.WrapError(inference.KindSpawnFailed, err, "failed to start engine for %s", info.ID))
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	budget := DefaultReadinessBudget
	l.mu.Lock()
	if usesNPU && !l.warmed[info.ID] {
		budget *= npuFirstLoadFactor
	}
	l.mu.Unlock()
	if err := l.prober.WaitReady(ctx, baseURL, backend.ReadinessPath(), proc, budget); err != nil {
		if stopErr := l.procs.Stop(proc); stopErr != nil {
			l.log.Warnf("failed to stop unready engine for %s: %v", info.ID, stopErr)
		}
		return fail(err)
	}

	r := &runner{
		info:    info,
		mtype:   mtype,
		backend: backend,
		opts:    opts,
		usesNPU: usesNPU,
		port:    port,
		baseURL: baseURL,
		proc:    proc,
		logSink: sink,
		lastUse: time.Now(),
		drained: make(chan struct{}),
	}
	l.mu.Lock()
	l.seq++
	r.seq = l.seq
	delete(l.pending, info.ID)
	l.runners[info.ID] = r
	l.warmed[info.ID] = true
	l.mu.Unlock()
	l.log.Infof("model %s ready on %s (pid %d)", info.ID, baseURL, proc.PID())
	return r, nil
}

// admit makes room for a new instance: it clears the NPU when the model
// needs it, evicts the LRU entry of a full type slot, and waits (bounded)
// when every candidate is pinned. The global lock is held for bookkeeping
// only; evictions release it around subprocess teardown.
func (l *Loader) admit(ctx context.Context, modelID string, mtype inference.ModelType, usesNPU bool) error {
	deadline := time.Now().Add(l.capacityTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return inference.WrapError(inference.KindCancelled, err, "load cancelled while waiting for capacity")
		}

		// A draining previous instance of the same model must fully stop
		// before its replacement may exist.
		if l.runners[modelID] != nil {
			if !l.waitLocked(deadline) {
				return inference.NewError(inference.KindCapacityBusy,
					"previous instance of %s is still draining", modelID)
			}
			continue
		}

		victim, pinnedOnly := l.victimLocked(mtype, usesNPU)
		if victim == nil && !pinnedOnly {
			l.pending[modelID] = reservation{mtype: mtype, usesNPU: usesNPU}
			return nil
		}
		if victim == nil {
			// Capacity is consumed entirely by pinned or already draining
			// instances; wait for a release or an eviction to finish.
			if !l.waitLocked(deadline) {
				return inference.NewError(inference.KindCapacityBusy,
					"all loaded %s models are busy; try again later", mtype)
			}
			continue
		}
		l.evictLocked(victim)
	}
}

// victimLocked picks the next instance to evict. pinnedOnly reports that
// room is needed but every candidate is pinned or draining.
func (l *Loader) victimLocked(mtype inference.ModelType, usesNPU bool) (victim *runner, pinnedOnly bool) {
	// NPU exclusivity trumps type slots: any NPU resident blocks, whatever
	// its type.
	if usesNPU {
		for _, p := range l.pending {
			if p.usesNPU {
				return nil, true
			}
		}
		for _, r := range l.runners {
			if !r.usesNPU {
				continue
			}
			r.mu.Lock()
			evictable := !r.stopping && r.inflight == 0
			busy := r.stopping || r.inflight > 0
			r.mu.Unlock()
			if evictable {
				return r, false
			}
			if busy {
				return nil, true
			}
		}
	}

	if l.maxPerType < 0 {
		return nil, false
	}
	var count int
	var lru *runner
	var draining bool
	for _, p := range l.pending {
		if p.mtype == mtype {
			count++
		}
	}
	for _, r := range l.runners {
		if r.mtype != mtype {
			continue
		}
		count++
		r.mu.Lock()
		if r.stopping {
			draining = true
		} else if r.inflight == 0 {
			if lru == nil || r.lastUse.Before(lru.lastUse) ||
				(r.lastUse.Equal(lru.lastUse) && r.seq < lru.seq) {
				lru = r
			}
		}
		r.mu.Unlock()
	}
	if count < l.maxPerType {
		return nil, false
	}
	if lru != nil {
		return lru, false
	}
	// Full slot, nothing evictable right now. A draining instance will
	// free the slot shortly; pinned ones need a release first.
	_ = draining
	return nil, true
}

// waitLocked waits on the capacity condition until the deadline. It
// reports false once the deadline has passed.
func (l *Loader) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, l.broadcast)
	l.cond.Wait()
	timer.Stop()
	return time.Now().Before(deadline)
}

// evictLocked tears down a runner. Called with the global lock held; the
// lock is released around the drain wait and subprocess stop and re-taken
// before returning. It reports false when the runner was still pinned
// after the drain timeout; the runner then stays loaded and serving.
func (l *Loader) evictLocked(r *runner) bool {
	r.mu.Lock()
	if r.stopping {
		// Another eviction owns it; wait for progress.
		r.mu.Unlock()
		l.cond.Wait()
		return false
	}
	r.stopping = true
	if r.inflight == 0 {
		r.markDrainedLocked()
	}
	r.mu.Unlock()

	l.mu.Unlock()
	drained := l.waitDrained(r)
	if !drained {
		// The last release may have slipped in between the timeout and
		// here; only a still-pinned runner survives the eviction.
		r.mu.Lock()
		if r.inflight == 0 {
			r.markDrainedLocked()
			drained = true
		} else {
			r.stopping = false
		}
		r.mu.Unlock()
	}
	if !drained {
		l.mu.Lock()
		l.cond.Broadcast()
		return false
	}
	l.stopRunner(r)
	l.mu.Lock()

	delete(l.runners, r.info.ID)
	l.cond.Broadcast()
	return true
}

// waitDrained blocks until the runner's in-flight requests finish or the
// drain timeout passes.
func (l *Loader) waitDrained(r *runner) bool {
	select {
	case <-r.drained:
		return true
	case <-time.After(l.drainTimeout):
		return false
	}
}

// stopRunner stops the child and releases its resources. Never called
// with the global lock held, and only on a drained runner except during
// shutdown.
func (l *Loader) stopRunner(r *runner) {
	l.log.Infof("stopping engine for %s (pid %d)", r.info.ID, r.proc.PID())
	if err := l.procs.Stop(r.proc); err != nil {
		l.log.Warnf("failed to stop engine for %s: %v", r.info.ID, err)
	}
	r.logSink.Close()
	l.ports.Release(r.port)
}

// evictWhere evicts every idle runner matching the predicate, best
// effort. Pinned instances are left serving; the return value is the
// number actually evicted.
func (l *Loader) evictWhere(match func(*runner) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for {
		var target *runner
		for _, r := range l.runners {
			r.mu.Lock()
			candidate := !r.stopping && r.inflight == 0 && match(r)
			r.mu.Unlock()
			if candidate {
				target = r
				break
			}
		}
		if target == nil {
			return evicted
		}
		if l.evictLocked(target) {
			evicted++
		}
	}
}

// Unload evicts one model. NotFound when it is not loaded, CapacityBusy
// when it still has requests in flight after the drain timeout.
func (l *Loader) Unload(modelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.runners[modelID]
	if r == nil {
		return inference.NewError(inference.KindNotFound, "model %s is not loaded", modelID)
	}
	if !l.evictLocked(r) {
		return inference.NewError(inference.KindCapacityBusy,
			"model %s has requests in flight; try again later", modelID)
	}
	return nil
}

// UnloadAll evicts every idle loaded model and returns how many were
// evicted. Models with requests in flight stay loaded.
func (l *Loader) UnloadAll() int {
	return l.evictWhere(func(*runner) bool { return true })
}

// Shutdown stops every loaded engine in parallel. In-flight requests are
// given the drain timeout; unlike eviction, shutdown then proceeds
// regardless.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	var targets []*runner
	for _, r := range l.runners {
		r.mu.Lock()
		if !r.stopping {
			r.stopping = true
			if r.inflight == 0 {
				r.markDrainedLocked()
			}
			targets = append(targets, r)
		}
		r.mu.Unlock()
	}
	l.runners = make(map[string]*runner)
	l.cond.Broadcast()
	l.mu.Unlock()

	eg, _ := errgroup.WithContext(ctx)
	for _, r := range targets {
		eg.Go(func() error {
			if !l.waitDrained(r) {
				r.mu.Lock()
				n := r.inflight
				r.mu.Unlock()
				l.log.Warnf("shutting down %s with %d request(s) still in flight after %s", r.info.ID, n, l.drainTimeout)
			}
			l.stopRunner(r)
			return nil
		})
	}
	return eg.Wait()
}

// InstanceStatus is a point-in-time description of one loaded instance.
type InstanceStatus struct {
	ModelID       string              `json:"model_name"`
	Checkpoint    string              `json:"checkpoint"`
	Type          inference.ModelType `json:"type"`
	Recipe        string              `json:"recipe"`
	Device        string              `json:"device"`
	RecipeOptions inference.Options   `json:"recipe_options,omitempty"`
	BackendURL    string              `json:"backend_url"`
	LastUse       time.Time           `json:"last_use"`
	Inflight      int                 `json:"-"`
}

// Status snapshots every loaded instance, ordered by model id.
func (l *Loader) Status() []InstanceStatus {
	l.mu.Lock()
	runners := make([]*runner, 0, len(l.runners))
	for _, r := range l.runners {
		runners = append(runners, r)
	}
	l.mu.Unlock()

	out := make([]InstanceStatus, 0, len(runners))
	for _, r := range runners {
		r.mu.Lock()
		if r.stopping {
			r.mu.Unlock()
			continue
		}
		st := InstanceStatus{
			ModelID:       r.info.ID,
			Checkpoint:    r.info.Checkpoint,
			Type:          r.mtype,
			Recipe:        r.info.Recipe,
			Device:        deviceFor(r),
			RecipeOptions: r.opts,
			BackendURL:    r.baseURL,
			LastUse:       r.lastUse,
			Inflight:      r.inflight,
		}
		r.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func deviceFor(r *runner) string {
	if r.usesNPU {
		return "npu"
	}
	switch r.opts.String(inference.OptionLlamaCppBackend, "") {
	case "vulkan", "rocm", "metal":
		return "gpu"
	case "cpu":
		return "cpu"
	}
	if r.info.Recipe == inference.RecipeKokoro {
		return "cpu"
	}
	return "gpu"
}

// MaxLoadedPerType exposes the configured per-type capacity.
func (l *Loader) MaxLoadedPerType() int {
	return l.maxPerType
}
