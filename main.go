package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lemonade-sdk/lemonade-router/pkg/config"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/backends"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/install"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/models"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/scheduling"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/metrics"
	"github.com/lemonade-sdk/lemonade-router/pkg/middleware"
	"github.com/lemonade-sdk/lemonade-router/pkg/pidfile"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
	"github.com/lemonade-sdk/lemonade-router/pkg/sysinfo"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "lemonade-router",
		Short: "OpenAI-compatible router for local inference engines",
		Long: `lemonade-router serves an OpenAI-compatible HTTP API backed by local
inference engines (llama.cpp, whisper.cpp, stable-diffusion.cpp and NPU
runtimes). Models are loaded on demand into engine subprocesses and
evicted by LRU when capacity runs out.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "listen address")
	f.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (critical, error, warning, info, debug, trace)")
	f.IntVar(&cfg.ContextSize, "ctx-size", cfg.ContextSize, "default context size for text models")
	f.StringVar(&cfg.LlamaCppBackend, "llamacpp", cfg.LlamaCppBackend, "llama.cpp compute backend (vulkan, rocm, metal, cpu)")
	f.StringVar(&cfg.LlamaCppArgs, "llamacpp-args", cfg.LlamaCppArgs, "extra arguments passed to llama-server")
	f.IntVar(&cfg.MaxLoadedModels, "max-loaded-models", cfg.MaxLoadedModels, "loaded model cap per model type, -1 for unlimited")
	f.StringVar(&cfg.ExtraModelsDir, "extra-models-dir", cfg.ExtraModelsDir, "directory scanned for additional GGUF models")
	f.BoolVar(&cfg.NoBroadcast, "no-broadcast", cfg.NoBroadcast, "restrict the listener to loopback")
	f.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "require this bearer token on API requests")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "origins allowed by CORS (default: all)")
	f.StringToStringVar(&cfg.ExePathOverrides, "exe-path", cfg.ExePathOverrides, "engine executable overrides as recipe=path pairs")
	f.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "root directory for binaries, models and state")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ResolveCacheDir(); err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logging.NewLogrusAdapter(logger)
	log.Infof("lemonade-router %s starting", version)

	pidPath := filepath.Join(cfg.CacheDir, "server.pid")
	if err := pidfile.Write(pidPath, cfg.Port); err != nil {
		return err
	}
	defer pidfile.Remove(pidPath)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One instrumented client for downloads and readiness probes, another
	// for proxying; neither carries a global timeout since streams may run
	// indefinitely and downloads are bounded by their own contexts.
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	proxyClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	installer := install.NewInstaller(log, cfg.BinDir())
	for recipe, exe := range cfg.ExePathOverrides {
		log.Infof("using %s executable from %s", recipe, exe)
		installer.Override(recipe, exe)
	}
	backendSet := map[string]inference.Backend{
		inference.RecipeLlamaCpp:   backends.NewLlamaCpp(log.WithField("component", "llamacpp"), installer, cfg.LlamaCppBackend),
		inference.RecipeFLM:        backends.NewFLM(log.WithField("component", "flm"), installer),
		inference.RecipeRyzenAILLM: backends.NewRyzenAILLM(log.WithField("component", "ryzenai"), installer),
		inference.RecipeWhisperCpp: backends.NewWhisperCpp(log.WithField("component", "whispercpp"), installer),
		inference.RecipeSDCpp:      backends.NewSDCpp(log.WithField("component", "sd-cpp"), installer),
		inference.RecipeKokoro:     backends.NewKokoro(log.WithField("component", "kokoro"), installer),
	}

	fetcher := models.NewHFFetcher(log.WithField("component", "fetcher"), httpClient, models.DefaultHFEndpoint, cfg.ModelsDir())
	registry := models.NewRegistry(log.WithField("component", "registry"), fetcher,
		cfg.UserModelsPath(), cfg.RecipeOptionsPath(), cfg.ExtraModelsDir)

	globalOptions := inference.Options{inference.OptionCtxSize: cfg.ContextSize}
	if cfg.LlamaCppBackend != "" {
		globalOptions[inference.OptionLlamaCppBackend] = cfg.LlamaCppBackend
	}
	if cfg.LlamaCppArgs != "" {
		globalOptions[inference.OptionLlamaCppArgs] = cfg.LlamaCppArgs
	}

	loader := scheduling.NewLoader(scheduling.LoaderConfig{
		Log:              log.WithField("component", "loader"),
		Registry:         registry,
		Backends:         backendSet,
		Processes:        scheduling.SupervisorManager{Supervisor: supervisor.New(log.WithField("component", "supervisor"))},
		Prober:           scheduling.HTTPProber{Client: httpClient},
		Ports:            scheduling.NewPortAllocator(),
		HTTPClient:       httpClient,
		GlobalOptions:    globalOptions,
		MaxLoadedPerType: cfg.MaxLoadedModels,
	})

	scheduler := scheduling.NewScheduler(scheduling.SchedulerConfig{
		Log:         log.WithField("component", "scheduler"),
		Loader:      loader,
		Registry:    registry,
		Fetcher:     fetcher,
		Backends:    backendSet,
		ProxyClient: proxyClient,
		Metrics:     metrics.NewRecorder(log.WithField("component", "metrics")),
		SystemInfo:  sysinfo.NewInventory(log.WithField("component", "sysinfo")),
		Version:     version,
	})

	var handler http.Handler = scheduler
	handler = &middleware.AuthHandler{Handler: handler, Token: cfg.APIKey}
	handler = &middleware.OpenAIAliasHandler{Handler: handler}
	handler = &middleware.CORSHandler{Handler: handler, AllowedOrigins: cfg.AllowedOrigins}

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on http://%s", cfg.ListenAddr())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Warnf("engine shutdown: %v", err)
	}
	return nil
}
