package scheduling

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

func testLogger() logging.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logging.NewLogrusAdapter(l)
}

// fakeFetcher reports every model as fully present on disk.
type fakeFetcher struct{}

func (fakeFetcher) LocalPaths(info inference.ModelInfo) (map[string]string, bool) {
	return map[string]string{"main": "/fake/" + info.ID + ".gguf"}, true
}

func (fakeFetcher) Fetch(context.Context, inference.ModelInfo, func(models.FileProgress)) error {
	return nil
}

func (fakeFetcher) Delete(inference.ModelInfo) error { return nil }

type fakeProcess struct {
	pid  int
	done chan struct{}
	err  error
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitErr() error        { return p.err }

// fakeProcs records which model ids were started and stopped. BuildSpawn
// in the fake backends puts the model id in Args[0].
type fakeProcs struct {
	mu      sync.Mutex
	nextPID int
	started []string
	stopped []string
	byProc  map[*fakeProcess]string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{nextPID: 1000, byProc: make(map[*fakeProcess]string)}
}

func (f *fakeProcs) Start(spec supervisor.Spec) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	p := &fakeProcess{pid: f.nextPID, done: make(chan struct{})}
	f.started = append(f.started, spec.Args[0])
	f.byProc[p] = spec.Args[0]
	return p, nil
}

func (f *fakeProcs) Stop(p Process) error {
	fp := p.(*fakeProcess)
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-fp.done:
	default:
		close(fp.done)
	}
	f.stopped = append(f.stopped, f.byProc[fp])
	return nil
}

func (f *fakeProcs) startedModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeProcs) stoppedModels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// readyProber succeeds immediately; failures can be queued per model.
type readyProber struct {
	mu       sync.Mutex
	failures map[string]int // baseURL-independent, keyed by remaining count
}

func (p *readyProber) WaitReady(ctx context.Context, baseURL, path string, proc Process, budget time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures["*"] > 0 {
		p.failures["*"]--
		return inference.NewError(inference.KindLoadFailed, "engine not ready")
	}
	return nil
}

type fakeBackend struct {
	recipe      string
	npu         bool
	outcome     inference.InstallOutcome
	invalidates bool
	installErr  error
}

func (b *fakeBackend) Recipe() string { return b.recipe }

func (b *fakeBackend) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapCompletion)
}

func (b *fakeBackend) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{inference.OpChatCompletion: "/v1/chat/completions"}
}

func (b *fakeBackend) ReadinessPath() string { return "/health" }

func (b *fakeBackend) EnsureInstalled(context.Context, *http.Client, inference.Options) (inference.InstallOutcome, error) {
	return b.outcome, b.installErr
}

func (b *fakeBackend) BuildSpawn(info inference.ModelInfo, opts inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	return supervisor.Spec{Exe: "/fake/engine", Args: []string{info.ID, strconv.Itoa(port)}, LogSink: logSink}, nil
}

func (b *fakeBackend) UsesNPU(inference.Options) bool { return b.npu }
func (b *fakeBackend) InvalidatesOnUpgrade() bool     { return b.invalidates }
func (b *fakeBackend) Status() string                 { return "installed" }

type loaderFixture struct {
	loader   *Loader
	registry *models.Registry
	procs    *fakeProcs
	prober   *readyProber
	backends map[string]inference.Backend
}

func newLoaderFixture(t *testing.T, maxPerType int) *loaderFixture {
	t.Helper()
	dir := t.TempDir()
	registry := models.NewRegistry(testLogger(), fakeFetcher{},
		filepath.Join(dir, "user_models.json"), filepath.Join(dir, "recipe_options.json"), "")

	procs := newFakeProcs()
	prober := &readyProber{failures: make(map[string]int)}
	backends := map[string]inference.Backend{
		inference.RecipeLlamaCpp: &fakeBackend{recipe: inference.RecipeLlamaCpp},
		inference.RecipeFLM:      &fakeBackend{recipe: inference.RecipeFLM, npu: true},
	}
	l := NewLoader(LoaderConfig{
		Log:              testLogger(),
		Registry:         registry,
		Backends:         backends,
		Processes:        procs,
		Prober:           prober,
		Ports:            NewPortAllocator(),
		MaxLoadedPerType: maxPerType,
		CapacityTimeout:  100 * time.Millisecond,
		DrainTimeout:     100 * time.Millisecond,
	})
	return &loaderFixture{loader: l, registry: registry, procs: procs, prober: prober, backends: backends}
}

func (f *loaderFixture) register(t *testing.T, id, recipe string, labels ...string) {
	t.Helper()
	checkpoint := "org/" + id
	switch recipe {
	case inference.RecipeLlamaCpp, inference.RecipeWhisperCpp, inference.RecipeSDCpp:
		checkpoint += ":Q4_0"
	}
	require.NoError(t, f.registry.RegisterUser(inference.ModelInfo{
		ID:         id,
		Checkpoint: checkpoint,
		Recipe:     recipe,
		Labels:     labels,
	}))
}

func TestAcquireLoadsOnceAndPins(t *testing.T) {
	f := newLoaderFixture(t, 2)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)

	ctx := context.Background()
	inst, release, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	assert.Equal(t, "user.llm-a", inst.ModelID)
	assert.Equal(t, inference.ModelTypeLLM, inst.ModelType)
	assert.NotZero(t, inst.Port)

	// Second acquire reuses the running instance.
	inst2, release2, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	assert.Equal(t, inst.Port, inst2.Port)
	assert.Equal(t, []string{"user.llm-a"}, f.procs.startedModels())

	release()
	release()
	release2()

	status := f.loader.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "user.llm-a", status[0].ModelID)
}

func TestLRUEvictionWithinTypeSlot(t *testing.T) {
	f := newLoaderFixture(t, 2)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-c", inference.RecipeLlamaCpp)

	ctx := context.Background()
	_, releaseA, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	releaseA()
	_, releaseB, err := f.loader.Acquire(ctx, "user.llm-b", nil)
	require.NoError(t, err)
	releaseB()

	// Touch A so B becomes least recently used.
	_, releaseA, err = f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	releaseA()

	_, releaseC, err := f.loader.Acquire(ctx, "user.llm-c", nil)
	require.NoError(t, err)
	releaseC()

	assert.Equal(t, []string{"user.llm-b"}, f.procs.stoppedModels())
	ids := make([]string, 0, 2)
	for _, st := range f.loader.Status() {
		ids = append(ids, st.ModelID)
	}
	assert.Equal(t, []string{"user.llm-a", "user.llm-c"}, ids)
}

func TestCrossTypeCoexistence(t *testing.T) {
	f := newLoaderFixture(t, 1)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.embed-a", inference.RecipeLlamaCpp, inference.LabelEmbeddings)

	ctx := context.Background()
	_, r1, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	r1()
	_, r2, err := f.loader.Acquire(ctx, "user.embed-a", nil)
	require.NoError(t, err)
	r2()

	// Distinct type slots: both stay loaded despite max 1 per type.
	assert.Len(t, f.loader.Status(), 2)
	assert.Empty(t, f.procs.stoppedModels())
}

func TestNPUExclusivityAcrossTypes(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.npu-a", inference.RecipeFLM)
	f.register(t, "user.npu-b", inference.RecipeFLM)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)

	ctx := context.Background()
	_, r1, err := f.loader.Acquire(ctx, "user.npu-a", nil)
	require.NoError(t, err)
	r1()
	_, r2, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	r2()

	// Loading a second NPU model evicts the NPU resident, nothing else.
	_, r3, err := f.loader.Acquire(ctx, "user.npu-b", nil)
	require.NoError(t, err)
	r3()

	assert.Equal(t, []string{"user.npu-a"}, f.procs.stoppedModels())
	ids := make([]string, 0, 2)
	for _, st := range f.loader.Status() {
		ids = append(ids, st.ModelID)
	}
	assert.Equal(t, []string{"user.llm-a", "user.npu-b"}, ids)
}

func TestPinnedInstanceYieldsCapacityBusy(t *testing.T) {
	f := newLoaderFixture(t, 1)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)

	ctx := context.Background()
	_, releaseA, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)

	// A is pinned, so B cannot make room and times out.
	_, _, err = f.loader.Acquire(ctx, "user.llm-b", nil)
	require.Error(t, err)
	assert.Equal(t, inference.KindCapacityBusy, inference.KindOf(err))
	assert.Len(t, f.loader.Status(), 1)

	// After release the same load succeeds by evicting A.
	releaseA()
	_, releaseB, err := f.loader.Acquire(ctx, "user.llm-b", nil)
	require.NoError(t, err)
	releaseB()
	assert.Equal(t, []string{"user.llm-a"}, f.procs.stoppedModels())
}

func TestLoadFailureEvictsAllAndRetriesOnce(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)

	ctx := context.Background()
	_, r1, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	r1()

	f.prober.mu.Lock()
	f.prober.failures["*"] = 1
	f.prober.mu.Unlock()

	_, r2, err := f.loader.Acquire(ctx, "user.llm-b", nil)
	require.NoError(t, err)
	r2()

	// First attempt failed, everything was evicted, second attempt stuck.
	assert.Contains(t, f.procs.stoppedModels(), "user.llm-a")
	assert.Equal(t, []string{"user.llm-a", "user.llm-b", "user.llm-b"}, f.procs.startedModels())
	require.Len(t, f.loader.Status(), 1)
	assert.Equal(t, "user.llm-b", f.loader.Status()[0].ModelID)
}

func TestLoadFailureTwiceIsFinal(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)

	f.prober.mu.Lock()
	f.prober.failures["*"] = 2
	f.prober.mu.Unlock()

	_, _, err := f.loader.Acquire(context.Background(), "user.llm-a", nil)
	require.Error(t, err)
	assert.Equal(t, inference.KindLoadFailed, inference.KindOf(err))
	// Both the original attempt's child and the retry's child were stopped.
	assert.Len(t, f.procs.stoppedModels(), 2)
	assert.Empty(t, f.loader.Status())
}

func TestUnloadAndUnloadAll(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)

	ctx := context.Background()
	for _, id := range []string{"user.llm-a", "user.llm-b"} {
		_, release, err := f.loader.Acquire(ctx, id, nil)
		require.NoError(t, err)
		release()
	}

	require.NoError(t, f.loader.Unload("user.llm-a"))
	err := f.loader.Unload("user.llm-a")
	assert.Equal(t, inference.KindNotFound, inference.KindOf(err))

	assert.Equal(t, 1, f.loader.UnloadAll())
	assert.Empty(t, f.loader.Status())
}

func TestUnloadRefusesPinnedInstance(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)

	_, release, err := f.loader.Acquire(context.Background(), "user.llm-a", nil)
	require.NoError(t, err)

	// The instance is pinned; unload must give up after the drain timeout
	// and leave it serving.
	err = f.loader.Unload("user.llm-a")
	require.Error(t, err)
	assert.Equal(t, inference.KindCapacityBusy, inference.KindOf(err))
	assert.Empty(t, f.procs.stoppedModels())
	require.Len(t, f.loader.Status(), 1)

	release()
	require.NoError(t, f.loader.Unload("user.llm-a"))
	assert.Equal(t, []string{"user.llm-a"}, f.procs.stoppedModels())
}

func TestUnloadAllSkipsPinned(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)

	ctx := context.Background()
	_, releaseA, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	_, releaseB, err := f.loader.Acquire(ctx, "user.llm-b", nil)
	require.NoError(t, err)
	releaseB()

	// Only the idle instance goes; the pinned one keeps serving.
	assert.Equal(t, 1, f.loader.UnloadAll())
	assert.Equal(t, []string{"user.llm-b"}, f.procs.stoppedModels())
	status := f.loader.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "user.llm-a", status[0].ModelID)

	releaseA()
	assert.Equal(t, 1, f.loader.UnloadAll())
	assert.Empty(t, f.loader.Status())
}

func TestReleaseWakesCapacityWaiter(t *testing.T) {
	f := newLoaderFixture(t, 1)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)

	// A long capacity budget, so a missed wakeup shows up as this test
	// timing out instead of the waiter limping home at the deadline.
	l := NewLoader(LoaderConfig{
		Log:              testLogger(),
		Registry:         f.registry,
		Backends:         f.backends,
		Processes:        f.procs,
		Prober:           f.prober,
		Ports:            NewPortAllocator(),
		MaxLoadedPerType: 1,
		CapacityTimeout:  30 * time.Second,
		DrainTimeout:     100 * time.Millisecond,
	})

	ctx := context.Background()
	_, releaseA, err := l.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)

	type result struct {
		release ReleaseFunc
		err     error
	}
	done := make(chan result, 1)
	go func() {
		_, release, err := l.Acquire(ctx, "user.llm-b", nil)
		done <- result{release, err}
	}()

	time.Sleep(50 * time.Millisecond)
	releaseA()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		res.release()
	case <-time.After(2 * time.Second):
		t.Fatal("capacity waiter was not woken by the release")
	}
}

func TestAcquireUnknownModel(t *testing.T) {
	f := newLoaderFixture(t, 4)
	_, _, err := f.loader.Acquire(context.Background(), "user.missing", nil)
	require.Error(t, err)
	assert.Equal(t, inference.KindNotFound, inference.KindOf(err))
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newLoaderFixture(t, 1)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.llm-b", inference.RecipeLlamaCpp)

	ctx := context.Background()
	_, release, err := f.loader.Acquire(ctx, "user.llm-a", nil)
	require.NoError(t, err)
	release()
	release()

	// If the double release had decremented twice the inflight count would
	// go negative and eviction bookkeeping would wedge; the next load in
	// the same slot still works.
	_, release, err = f.loader.Acquire(ctx, "user.llm-b", nil)
	require.NoError(t, err)
	release()
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newLoaderFixture(t, 4)
	f.register(t, "user.llm-a", inference.RecipeLlamaCpp)
	f.register(t, "user.npu-a", inference.RecipeFLM)

	ctx := context.Background()
	for _, id := range []string{"user.llm-a", "user.npu-a"} {
		_, release, err := f.loader.Acquire(ctx, id, nil)
		require.NoError(t, err)
		release()
	}
	require.NoError(t, f.loader.Shutdown(ctx))
	assert.Empty(t, f.loader.Status())
	assert.Len(t, f.procs.stoppedModels(), 2)
}
