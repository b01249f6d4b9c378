package scheduling

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

// engineProcs starts a real HTTP listener on each spawned child's port so
// forwarding tests exercise the whole proxy path.
type engineProcs struct {
	*fakeProcs
	handler http.Handler

	mu      sync.Mutex
	servers map[*fakeProcess]*http.Server
}

func newEngineProcs(handler http.Handler) *engineProcs {
	return &engineProcs{
		fakeProcs: newFakeProcs(),
		handler:   handler,
		servers:   make(map[*fakeProcess]*http.Server),
	}
}

func (e *engineProcs) Start(spec supervisor.Spec) (Process, error) {
	p, err := e.fakeProcs.Start(spec)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+spec.Args[1])
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: e.handler}
	go srv.Serve(ln)
	e.mu.Lock()
	e.servers[p.(*fakeProcess)] = srv
	e.mu.Unlock()
	return p, nil
}

func (e *engineProcs) Stop(p Process) error {
	e.mu.Lock()
	srv := e.servers[p.(*fakeProcess)]
	delete(e.servers, p.(*fakeProcess))
	e.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
	return e.fakeProcs.Stop(p)
}

// scriptedFetcher scripts pull progress events and outcomes.
type scriptedFetcher struct {
	fakeFetcher
	events   []models.FileProgress
	fetchErr error

	mu      sync.Mutex
	fetched []string
}

func (f *scriptedFetcher) Fetch(_ context.Context, info inference.ModelInfo, progress func(models.FileProgress)) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, info.ID)
	f.mu.Unlock()
	if progress != nil {
		for _, e := range f.events {
			progress(e)
		}
	}
	return f.fetchErr
}

type staticSysInfo struct{}

func (staticSysInfo) Describe(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"os": "linux", "memory_gb": 32}, nil
}

type schedFixture struct {
	scheduler *Scheduler
	registry  *models.Registry
	loader    *Loader
	fetcher   *scriptedFetcher
	procs     *engineProcs
	recorder  *metrics.Recorder
}

func newSchedFixture(t *testing.T, engine http.Handler) *schedFixture {
	t.Helper()
	dir := t.TempDir()
	fetcher := &scriptedFetcher{}
	registry := models.NewRegistry(testLogger(), fetcher,
		filepath.Join(dir, "user_models.json"), filepath.Join(dir, "recipe_options.json"), "")

	procs := newEngineProcs(engine)
	backends := map[string]inference.Backend{
		inference.RecipeLlamaCpp: &fakeBackend{recipe: inference.RecipeLlamaCpp},
	}
	loader := NewLoader(LoaderConfig{
		Log:              testLogger(),
		Registry:         registry,
		Backends:         backends,
		Processes:        procs,
		Prober:           &readyProber{failures: make(map[string]int)},
		Ports:            NewPortAllocator(),
		MaxLoadedPerType: 2,
		CapacityTimeout:  100 * time.Millisecond,
		DrainTimeout:     100 * time.Millisecond,
	})
	recorder := metrics.NewRecorder(testLogger())
	scheduler := NewScheduler(SchedulerConfig{
		Log:         testLogger(),
		Loader:      loader,
		Registry:    registry,
		Fetcher:     fetcher,
		Backends:    backends,
		ProxyClient: &http.Client{},
		Metrics:     recorder,
		SystemInfo:  staticSysInfo{},
		Version:     "test",
	})
	t.Cleanup(func() { scheduler.Shutdown(context.Background()) })
	return &schedFixture{
		scheduler: scheduler,
		registry:  registry,
		loader:    loader,
		fetcher:   fetcher,
		procs:     procs,
		recorder:  recorder,
	}
}

func (f *schedFixture) register(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.registry.RegisterUser(inference.ModelInfo{
		ID:         id,
		Checkpoint: "org/" + id + ":Q4_0",
		Recipe:     inference.RecipeLlamaCpp,
	}))
}

func (f *schedFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.scheduler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Type, body.Error.Message
}

func TestChatCompletionStreamsSSEVerbatim(t *testing.T) {
	upstream := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(upstream))
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")

	rec := f.do(http.MethodPost, "/api/v1/chat/completions",
		`{"model":"user.llm-a","stream":true,"messages":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, upstream, rec.Body.String(), "event framing must pass through unmodified")

	last := f.recorder.Last()
	require.NotNil(t, last)
	assert.Equal(t, "user.llm-a", last.Model)
	assert.True(t, last.Streaming)
}

func TestClientDisconnectAbortsUpstream(t *testing.T) {
	upstreamStarted := make(chan struct{})
	upstreamDone := make(chan error, 1)
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		close(upstreamStarted)
		<-r.Context().Done()
		upstreamDone <- r.Context().Err()
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions",
		strings.NewReader(`{"model":"user.llm-a","stream":true,"messages":[]}`)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	served := make(chan struct{})
	go func() {
		f.scheduler.ServeHTTP(httptest.NewRecorder(), req)
		close(served)
	}()

	select {
	case <-upstreamStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never saw the request")
	}
	cancel()

	// The engine-side request must be torn down promptly, not left running
	// until the stream would have ended on its own.
	select {
	case err := <-upstreamDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("engine request survived the client going away")
	}
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}

	// The pin was released, so the instance can be evicted immediately.
	require.NoError(t, f.loader.Unload("user.llm-a"))
}

func TestChatCompletionUnaryPassThrough(t *testing.T) {
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","choices":[]}`))
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")

	rec := f.do(http.MethodPost, "/api/v1/chat/completions", `{"model":"user.llm-a","messages":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"cmpl-1","choices":[]}`, rec.Body.String())
}

func TestEngineErrorPassesThroughVerbatim(t *testing.T) {
	payload := `{"error":{"message":"model state gone","code":"model_invalidated"}}`
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(payload))
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")

	rec := f.do(http.MethodPost, "/api/v1/chat/completions", `{"model":"user.llm-a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, payload, rec.Body.String(), "engine error bodies are not rewritten")
}

func TestInferenceRequiresModel(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	rec := f.do(http.MethodPost, "/api/v1/chat/completions", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	kind, _ := decodeError(t, rec)
	assert.Equal(t, "bad_request", kind)
}

func TestUnsupportedOperationForModel(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	f.register(t, "user.llm-a")
	rec := f.do(http.MethodPost, "/api/v1/embeddings", `{"model":"user.llm-a","input":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	kind, _ := decodeError(t, rec)
	assert.Equal(t, "unsupported_operation", kind)
}

func TestModelsListAndDetail(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	f.register(t, "user.llm-a")

	rec := f.do(http.MethodGet, "/api/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	found := false
	for _, m := range list.Data {
		if m.ID == "user.llm-a" {
			found = true
			assert.Equal(t, "model", m.Object)
		}
	}
	assert.True(t, found, "registered model missing from listing")

	rec = f.do(http.MethodGet, "/api/v1/models/user.llm-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail inference.ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "org/user.llm-a:Q4_0", detail.Checkpoint)

	rec = f.do(http.MethodGet, "/api/v1/models/user.nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPullStreamsProgressEvents(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	f.fetcher.events = []models.FileProgress{
		{File: "a.gguf", BytesDownloaded: 10, BytesTotal: 100, Percent: 10},
		{File: "a.gguf", BytesDownloaded: 55, BytesTotal: 100, Percent: 55},
		{File: "a.gguf", BytesDownloaded: 100, BytesTotal: 100, Percent: 100},
	}

	rec := f.do(http.MethodPost, "/api/v1/pull",
		`{"model_name":"user.new","stream":true,"checkpoint":"org/new:Q4_0","recipe":"llamacpp"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasSuffix(body, "\n\n"), "stream must end with an empty terminator")

	var progressCount, completeCount int
	lastPercent := -1.0
	for _, frame := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		lines := strings.SplitN(frame, "\n", 2)
		require.Len(t, lines, 2)
		event := strings.TrimPrefix(lines[0], "event: ")
		data := strings.TrimPrefix(lines[1], "data: ")
		switch event {
		case "progress":
			progressCount++
			var p models.FileProgress
			require.NoError(t, json.Unmarshal([]byte(data), &p))
			assert.GreaterOrEqual(t, p.Percent, lastPercent)
			lastPercent = p.Percent
		case "complete":
			completeCount++
		default:
			t.Fatalf("unexpected event %q", event)
		}
	}
	assert.GreaterOrEqual(t, progressCount, 1)
	assert.Equal(t, 1, completeCount)

	// The pull also registered the user model.
	info, err := f.registry.Get("user.new")
	require.NoError(t, err)
	assert.Equal(t, "org/new:Q4_0", info.Checkpoint)
}

func TestPullUnary(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	f.register(t, "user.llm-a")
	rec := f.do(http.MethodPost, "/api/v1/pull", `{"model_name":"user.llm-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"user.llm-a"}, f.fetcher.fetched)
}

func TestPullUnknownModel(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	rec := f.do(http.MethodPost, "/api/v1/pull", `{"model_name":"user.ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadUnloadDeleteLifecycle(t *testing.T) {
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")

	rec := f.do(http.MethodPost, "/api/v1/load", `{"model_name":"user.llm-a","ctx_size":8192}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.loader.Status(), 1)

	// Health reflects the loaded instance.
	rec = f.do(http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, []string{"user.llm-a"}, health.ModelLoaded)
	assert.Equal(t, 2, health.MaxModels["llm"])

	// Delete unloads first, then removes the registration.
	rec = f.do(http.MethodPost, "/api/v1/delete", `{"model_name":"user.llm-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.loader.Status())
	_, err := f.registry.Get("user.llm-a")
	assert.Equal(t, inference.KindNotFound, inference.KindOf(err))
}

func TestUnloadAllViaEndpoint(t *testing.T) {
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/load", `{"model_name":"user.llm-a"}`).Code)

	rec := f.do(http.MethodPost, "/api/v1/unload", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Unloaded int `json:"unloaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Unloaded)

	rec = f.do(http.MethodPost, "/api/v1/unload", `{"model_name":"user.llm-a"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsIncludesEngineCounters(t *testing.T) {
	engine := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			w.Write([]byte("# TYPE llamacpp_requests_processing gauge\nllamacpp_requests_processing 1\n"))
			return
		}
		w.Write([]byte(`{}`))
	})
	f := newSchedFixture(t, engine)
	f.register(t, "user.llm-a")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/load", `{"model_name":"user.llm-a"}`).Code)

	rec := f.do(http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Engine map[string]float64 `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1.0, stats.Engine["llamacpp_requests_processing"])
}

func TestSystemInfo(t *testing.T) {
	f := newSchedFixture(t, http.NotFoundHandler())
	rec := f.do(http.MethodGet, "/api/v1/system-info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "linux", info["os"])
	backends, ok := info["backends"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "installed", backends[inference.RecipeLlamaCpp])
}
