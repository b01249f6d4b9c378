package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/install"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

// llamaCppVersion is the pinned llama.cpp release tag.
const llamaCppVersion = "b6148"

// LlamaCpp serves GGUF text models through llama-server. One install
// exists per compute backend variant (vulkan, rocm, metal, cpu).
type LlamaCpp struct {
	log       logging.Logger
	installer *install.Installer

	// defaultBackend is the variant used when no llamacpp_backend option is
	// in effect. Chosen at startup from config or platform detection.
	defaultBackend string

	mu     sync.Mutex
	status string
}

// NewLlamaCpp creates the llama.cpp adapter. defaultBackend may be empty,
// in which case a platform default is picked.
func NewLlamaCpp(log logging.Logger, installer *install.Installer, defaultBackend string) *LlamaCpp {
	if defaultBackend == "" {
		defaultBackend = detectLlamaCppBackend()
	}
	return &LlamaCpp{
		log:            log,
		installer:      installer,
		defaultBackend: defaultBackend,
		status:         "not installed",
	}
}

func detectLlamaCppBackend() string {
	if runtime.GOOS == "darwin" {
		return "metal"
	}
	return "vulkan"
}

func (l *LlamaCpp) Recipe() string { return inference.RecipeLlamaCpp }

func (l *LlamaCpp) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapCompletion, inference.CapEmbeddings, inference.CapReranking)
}

func (l *LlamaCpp) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{
		inference.OpChatCompletion: "/v1/chat/completions",
		inference.OpCompletion:     "/v1/completions",
		inference.OpResponses:      "/v1/responses",
		inference.OpEmbeddings:     "/v1/embeddings",
		inference.OpReranking:      "/v1/rerank",
	}
}

func (l *LlamaCpp) ReadinessPath() string { return "/health" }

// backendTag resolves the compute variant in effect for the given options.
func (l *LlamaCpp) backendTag(opts inference.Options) string {
	return opts.String(inference.OptionLlamaCppBackend, l.defaultBackend)
}

func (l *LlamaCpp) exeName() string {
	return "build/bin/llama-server" + exeSuffix
}

func (l *LlamaCpp) release(tag string) install.Release {
	asset := fmt.Sprintf("llama-%s-bin-%s-%s-%s", llamaCppVersion, assetOS(), tag, assetArch())
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		ext = ".zip"
	}
	return install.Release{
		URL:     fmt.Sprintf("https://github.com/ggml-org/llama.cpp/releases/download/%s/%s%s", llamaCppVersion, asset, ext),
		Version: llamaCppVersion,
		ExeName: l.exeName(),
	}
}

func (l *LlamaCpp) EnsureInstalled(ctx context.Context, httpClient *http.Client, opts inference.Options) (inference.InstallOutcome, error) {
	tag := l.backendTag(opts)
	outcome, err := l.installer.Ensure(ctx, httpClient, inference.RecipeLlamaCpp, tag, l.release(tag))
	if err != nil {
		return outcome, err
	}
	l.mu.Lock()
	l.status = installedStatus(outcome.Version, tag)
	l.mu.Unlock()
	return outcome, nil
}

func (l *LlamaCpp) BuildSpawn(info inference.ModelInfo, opts inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	main := info.ResolvedPath(inference.RoleMain)
	if main == "" {
		return supervisor.Spec{}, inference.NewError(inference.KindLoadFailed, "model %s has no local weights", info.ID)
	}

	tag := l.backendTag(opts)
	args := []string{"-m", main}
	args = append(args, listenArgs(port)...)
	args = append(args,
		"--ctx-size", strconv.Itoa(opts.Int(inference.OptionCtxSize, 4096)),
		"-ngl", "99",
		"--jinja",
	)
	if info.MMProj != "" {
		if mmproj := info.ResolvedPath("mmproj"); mmproj != "" {
			args = append(args, "--mmproj", mmproj)
		}
	}
	switch info.Type() {
	case inference.ModelTypeEmbedding:
		args = append(args, "--embeddings")
	case inference.ModelTypeReranking:
		args = append(args, "--reranking")
	}
	if raw := opts.String(inference.OptionLlamaCppArgs, ""); raw != "" {
		extra, err := shellwords.Parse(raw)
		if err != nil {
			return supervisor.Spec{}, inference.NewError(inference.KindBadRequest, "invalid llamacpp_args: %v", err)
		}
		args = append(args, extra...)
	}

	return supervisor.Spec{
		Exe:     l.installer.ExePath(inference.RecipeLlamaCpp, tag, l.exeName()),
		Args:    args,
		LogSink: logSink,
	}, nil
}

func (l *LlamaCpp) UsesNPU(inference.Options) bool { return false }

func (l *LlamaCpp) InvalidatesOnUpgrade() bool { return false }

func (l *LlamaCpp) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}
