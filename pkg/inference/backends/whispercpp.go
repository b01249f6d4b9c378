package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/install"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

const whisperCppVersion = "1.8.2"

// WhisperCpp serves speech-to-text models through whisper-server. The cpu
// variant is the default; the npu variant offloads to the Ryzen AI NPU and
// participates in NPU exclusivity.
type WhisperCpp struct {
	log       logging.Logger
	installer *install.Installer

	mu     sync.Mutex
	status string
}

func NewWhisperCpp(log logging.Logger, installer *install.Installer) *WhisperCpp {
	return &WhisperCpp{log: log, installer: installer, status: "not installed"}
}

func (w *WhisperCpp) Recipe() string { return inference.RecipeWhisperCpp }

func (w *WhisperCpp) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapAudioTranscription)
}

func (w *WhisperCpp) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{
		inference.OpAudioTranscriptions: "/v1/audio/transcriptions",
	}
}

func (w *WhisperCpp) ReadinessPath() string { return "/health" }

func (w *WhisperCpp) backendTag(opts inference.Options) string {
	return opts.String(inference.OptionWhisperCppBackend, "cpu")
}

func (w *WhisperCpp) exeName() string { return "build/bin/whisper-server" + exeSuffix }

func (w *WhisperCpp) release(tag string) install.Release {
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		ext = ".zip"
	}
	return install.Release{
		URL: fmt.Sprintf("https://github.com/ggml-org/whisper.cpp/releases/download/v%s/whisper-bin-%s-%s-%s%s",
			whisperCppVersion, assetOS(), tag, assetArch(), ext),
		Version: whisperCppVersion,
		ExeName: w.exeName(),
	}
}

func (w *WhisperCpp) EnsureInstalled(ctx context.Context, httpClient *http.Client, opts inference.Options) (inference.InstallOutcome, error) {
	tag := w.backendTag(opts)
	if tag == inference.WhisperBackendNPU && runtime.GOOS != "windows" {
		return inference.InstallOutcome{}, inference.NewError(inference.KindPreconditionFailed,
			"whispercpp_backend npu requires a Ryzen AI NPU and is only available on Windows")
	}
	outcome, err := w.installer.Ensure(ctx, httpClient, inference.RecipeWhisperCpp, tag, w.release(tag))
	if err != nil {
		return outcome, err
	}
	w.mu.Lock()
	w.status = installedStatus(outcome.Version, tag)
	w.mu.Unlock()
	return outcome, nil
}

func (w *WhisperCpp) BuildSpawn(info inference.ModelInfo, opts inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	main := info.ResolvedPath(inference.RoleMain)
	if main == "" {
		return supervisor.Spec{}, inference.NewError(inference.KindLoadFailed, "model %s has no local weights", info.ID)
	}
	tag := w.backendTag(opts)
	args := []string{"-m", main, "--convert"}
	args = append(args, listenArgs(port)...)
	return supervisor.Spec{
		Exe:     w.installer.ExePath(inference.RecipeWhisperCpp, tag, w.exeName()),
		Args:    args,
		LogSink: logSink,
	}, nil
}

func (w *WhisperCpp) UsesNPU(opts inference.Options) bool {
	return w.backendTag(opts) == inference.WhisperBackendNPU
}

func (w *WhisperCpp) InvalidatesOnUpgrade() bool { return false }

func (w *WhisperCpp) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}
