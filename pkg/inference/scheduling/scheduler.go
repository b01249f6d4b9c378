// Package scheduling owns the model cache: it loads models into engine
// subprocesses on demand, evicts by LRU within typed slots, keeps the NPU
// exclusive, and proxies inference requests to the right child.
package scheduling

import (
	"context"
	"net/http"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/swagger"
)

// SystemInfoSource describes the host for the system-info endpoint.
type SystemInfoSource interface {
	Describe(ctx context.Context) (map[string]interface{}, error)
}

// SchedulerConfig carries the scheduler's collaborators.
type SchedulerConfig struct {
	Log      logging.Logger
	Loader   *Loader
	Registry *models.Registry
	Fetcher  models.Fetcher
	Backends map[string]inference.Backend
	// ProxyClient performs upstream requests to engine children. It must
	// not carry a global timeout; per-request contexts bound it.
	ProxyClient *http.Client
	Metrics     *metrics.Recorder
	SystemInfo  SystemInfoSource
	Version     string
}

// Scheduler is the router's HTTP surface plus the glue between it, the
// registry and the loader.
type Scheduler struct {
	log         logging.Logger
	loader      *Loader
	registry    *models.Registry
	fetcher     models.Fetcher
	backends    map[string]inference.Backend
	proxyClient *http.Client
	metrics     *metrics.Recorder
	sysInfo     SystemInfoSource
	version     string

	router *http.ServeMux
}

// NewScheduler creates the scheduler and registers its routes.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.ProxyClient == nil {
		cfg.ProxyClient = &http.Client{}
	}
	s := &Scheduler{
		log:         cfg.Log,
		loader:      cfg.Loader,
		registry:    cfg.Registry,
		fetcher:     cfg.Fetcher,
		backends:    cfg.Backends,
		proxyClient: cfg.ProxyClient,
		metrics:     cfg.Metrics,
		sysInfo:     cfg.SystemInfo,
		version:     cfg.Version,
		router:      http.NewServeMux(),
	}

	s.router.HandleFunc("GET /{$}", s.handleRoot)
	s.router.HandleFunc("GET /live", s.handleLive)
	s.router.Handle("GET /docs/", http.StripPrefix("/docs", swagger.NewHandler()))

	for route, handler := range s.routeHandlers() {
		s.router.HandleFunc(route, handler)
	}
	return s
}

// routeHandlers maps method-qualified routes onto handlers.
func (s *Scheduler) routeHandlers() map[string]http.HandlerFunc {
	m := map[string]http.HandlerFunc{
		"POST /api/v0/chat/completions":     s.handleInference(inference.OpChatCompletion),
		"POST /api/v1/chat/completions":     s.handleInference(inference.OpChatCompletion),
		"POST /api/v1/completions":          s.handleInference(inference.OpCompletion),
		"POST /api/v1/responses":            s.handleInference(inference.OpResponses),
		"POST /api/v1/embeddings":           s.handleInference(inference.OpEmbeddings),
		"POST /api/v1/reranking":            s.handleInference(inference.OpReranking),
		"POST /api/v1/audio/transcriptions": s.handleInference(inference.OpAudioTranscriptions),
		"POST /api/v1/audio/speech":         s.handleInference(inference.OpAudioSpeech),
		"POST /api/v1/images/generations":   s.handleInference(inference.OpImagesGenerations),

		"GET /api/v1/models":      s.handleModels,
		"GET /api/v1/models/{id}": s.handleModelDetail,

		"POST /api/v1/pull":   s.handlePull,
		"POST /api/v1/delete": s.handleDelete,
		"POST /api/v1/load":   s.handleLoad,
		"POST /api/v1/unload": s.handleUnload,

		"GET /api/v1/health":      s.handleHealth,
		"GET /api/v1/stats":       s.handleStats,
		"GET /api/v1/system-info": s.handleSystemInfo,
	}
	return m
}

// ServeHTTP implements http.Handler.
func (s *Scheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Shutdown stops every loaded engine.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.loader.Shutdown(ctx)
}
