package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-router/pkg/internal/utils"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
)

// pullTimeout bounds a whole model download.
const pullTimeout = 24 * time.Hour

func (s *Scheduler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Lemonade Router %s\nOpenAI-compatible API under /api/v1; see /api/v1/models and /api/v1/health.\n", s.version)
}

func (s *Scheduler) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// statusWriter tracks whether a response has been committed, so forwarding
// errors can still produce an error envelope when nothing was written.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wrote {
		sw.wrote = true
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wrote {
		sw.wrote = true
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleInference builds the handler for one logical operation. All
// inference routes share the same shape: extract the model, pin an
// instance, forward, release.
func (s *Scheduler) handleInference(op inference.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}

		var model string
		var streaming bool
		if op == inference.OpAudioTranscriptions {
			model, err = multipartFormValue(body, r.Header.Get("Content-Type"), "model")
			if err != nil {
				writeError(w, err)
				return
			}
		} else {
			var req OpenAIInferenceRequest
			if err := json.Unmarshal(body, &req); err != nil {
				writeError(w, inference.NewError(inference.KindBadRequest, "invalid JSON body: %v", err))
				return
			}
			model = req.Model
			streaming = req.Stream
		}
		if model == "" {
			writeError(w, inference.NewError(inference.KindBadRequest, "model is required"))
			return
		}

		inst, release, err := s.loader.Acquire(r.Context(), model, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		defer release()

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		if err := s.forward(sw, r, inst, op, body, streaming); err != nil {
			if !sw.wrote {
				writeError(sw, err)
			} else if inference.KindOf(err) != inference.KindCancelled {
				s.log.Warnf("forwarding %s for %s aborted mid-response: %v", op, utils.SanitizeForLog(model), err)
			}
		}
		s.metrics.Record(metrics.RequestStats{
			Model:         model,
			Operation:     string(op),
			StartedAt:     start,
			DurationMS:    time.Since(start).Milliseconds(),
			Streaming:     streaming,
			StatusCode:    sw.status,
			InputBytes:    int64(len(body)),
			ResponseBytes: sw.bytes,
		})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maximumInferenceRequestSize))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			return nil, inference.NewError(inference.KindBadRequest, "request body exceeds %d bytes", maxBytesError.Limit)
		}
		return nil, inference.WrapError(inference.KindBadRequest, err, "failed to read request body")
	}
	return body, nil
}

// modelEntry is one record of the models listing.
type modelEntry struct {
	inference.ModelInfo
	Object string `json:"object"`
}

func (s *Scheduler) handleModels(w http.ResponseWriter, r *http.Request) {
	_, showAll := r.URL.Query()["show_all"]
	list := s.registry.List(showAll)
	data := make([]modelEntry, 0, len(list))
	for _, m := range list {
		data = append(data, modelEntry{ModelInfo: m, Object: "model"})
	}
	writeJSON(w, map[string]interface{}{"object": "list", "data": data})
}

func (s *Scheduler) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, modelEntry{ModelInfo: info, Object: "model"})
}

func (s *Scheduler) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, inference.NewError(inference.KindBadRequest, "invalid JSON body: %v", err))
		return
	}
	if req.ModelName == "" {
		writeError(w, inference.NewError(inference.KindBadRequest, "model_name is required"))
		return
	}

	if req.Checkpoint != "" {
		info := inference.ModelInfo{
			ID:         req.ModelName,
			Checkpoint: req.Checkpoint,
			Recipe:     req.Recipe,
			Labels:     pullLabels(req),
			MMProj:     req.MMProj,
		}
		if err := s.registry.RegisterUser(info); err != nil {
			writeError(w, err)
			return
		}
	}
	info, err := s.registry.Get(req.ModelName)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pullTimeout)
	defer cancel()

	if !req.Stream {
		if err := s.fetcher.Fetch(ctx, info, nil); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "model_name": req.ModelName})
		return
	}

	sse := newSSEWriter(w)
	err = s.fetcher.Fetch(ctx, info, func(p models.FileProgress) {
		sse.emit("progress", p)
	})
	if err != nil {
		s.log.Warnf("pull of %s failed: %v", utils.SanitizeForLog(req.ModelName), err)
		sse.emit("error", map[string]string{
			"message": err.Error(),
			"type":    string(inference.KindOf(err)),
		})
		return
	}
	sse.emit("complete", map[string]string{"model_name": req.ModelName})
}

func pullLabels(req PullRequest) []string {
	var labels []string
	if req.Reasoning {
		labels = append(labels, inference.LabelReasoning)
	}
	if req.Vision {
		labels = append(labels, inference.LabelVision)
	}
	if req.Embedding {
		labels = append(labels, inference.LabelEmbeddings)
	}
	if req.Reranking {
		labels = append(labels, inference.LabelReranking)
	}
	return labels
}

// sseWriter emits Server-Sent Events frames.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) emit(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Scheduler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, inference.NewError(inference.KindBadRequest, "invalid JSON body: %v", err))
		return
	}
	if req.ModelName == "" {
		writeError(w, inference.NewError(inference.KindBadRequest, "model_name is required"))
		return
	}
	// A loaded instance cannot outlive its files.
	if err := s.loader.Unload(req.ModelName); err != nil && inference.KindOf(err) != inference.KindNotFound {
		writeError(w, err)
		return
	}
	if err := s.registry.Delete(req.ModelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "model_name": req.ModelName})
}

func (s *Scheduler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, inference.NewError(inference.KindBadRequest, "invalid JSON body: %v", err))
		return
	}
	if req.ModelName == "" {
		writeError(w, inference.NewError(inference.KindBadRequest, "model_name is required"))
		return
	}
	// Pre-warm: pin, then release immediately.
	_, release, err := s.loader.Acquire(r.Context(), req.ModelName, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	release()
	writeJSON(w, map[string]string{"status": "ok", "model_name": req.ModelName})
}

func (s *Scheduler) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req UnloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, inference.NewError(inference.KindBadRequest, "invalid JSON body: %v", err))
		return
	}
	if req.ModelName == "" {
		n := s.loader.UnloadAll()
		writeJSON(w, map[string]interface{}{"status": "ok", "unloaded": n})
		return
	}
	if err := s.loader.Unload(req.ModelName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "ok", "unloaded": 1})
}

func (s *Scheduler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.loader.Status()
	loaded := make([]string, 0, len(statuses))
	for _, st := range statuses {
		loaded = append(loaded, st.ModelID)
	}
	maxModels := make(map[string]int, len(inference.ModelTypes))
	for _, t := range inference.ModelTypes {
		maxModels[string(t)] = s.loader.MaxLoadedPerType()
	}
	writeJSON(w, HealthResponse{
		Status:          "ok",
		ModelLoaded:     loaded,
		AllModelsLoaded: statuses,
		MaxModels:       maxModels,
	})
}

func (s *Scheduler) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"last_request": s.metrics.Last(),
	}
	// Engine-side counters come from the most recently used instance.
	if mru := s.mostRecentlyUsed(); mru != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if engine := metrics.ScrapeEngine(ctx, s.log, s.proxyClient, mru.BackendURL); len(engine) > 0 {
			out["engine"] = engine
		}
	}
	writeJSON(w, out)
}

func (s *Scheduler) mostRecentlyUsed() *InstanceStatus {
	var mru *InstanceStatus
	for _, st := range s.loader.Status() {
		if mru == nil || st.LastUse.After(mru.LastUse) {
			copied := st
			mru = &copied
		}
	}
	return mru
}

func (s *Scheduler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{}
	if s.sysInfo != nil {
		host, err := s.sysInfo.Describe(r.Context())
		if err != nil {
			s.log.Warnf("system inventory failed: %v", err)
		} else {
			for k, v := range host {
				info[k] = v
			}
		}
	}
	backendStatus := make(map[string]string, len(s.backends))
	for recipe, b := range s.backends {
		backendStatus[recipe] = b.Status()
	}
	info["backends"] = backendStatus
	info["version"] = s.version
	writeJSON(w, info)
}
