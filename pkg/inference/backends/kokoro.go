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

const kokoroVersion = "0.2.0"

// Kokoro serves text-to-speech through the kokoro server. It takes no
// recipe options.
type Kokoro struct {
	log       logging.Logger
	installer *install.Installer

	mu     sync.Mutex
	status string
}

func NewKokoro(log logging.Logger, installer *install.Installer) *Kokoro {
	return &Kokoro{log: log, installer: installer, status: "not installed"}
}

func (k *Kokoro) Recipe() string { return inference.RecipeKokoro }

func (k *Kokoro) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapSpeechSynthesis)
}

func (k *Kokoro) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{
		inference.OpAudioSpeech: "/v1/audio/speech",
	}
}

func (k *Kokoro) ReadinessPath() string { return "/health" }

func (k *Kokoro) exeName() string { return "kokoro-server" + exeSuffix }

func (k *Kokoro) release() install.Release {
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		ext = ".zip"
	}
	return install.Release{
		URL: fmt.Sprintf("https://github.com/lemonade-sdk/kokoro-server/releases/download/v%s/kokoro-server-%s-%s%s",
			kokoroVersion, assetOS(), assetArch(), ext),
		Version: kokoroVersion,
		ExeName: k.exeName(),
	}
}

func (k *Kokoro) EnsureInstalled(ctx context.Context, httpClient *http.Client, _ inference.Options) (inference.InstallOutcome, error) {
	outcome, err := k.installer.Ensure(ctx, httpClient, inference.RecipeKokoro, "cpu", k.release())
	if err != nil {
		return outcome, err
	}
	k.mu.Lock()
	k.status = installedStatus(outcome.Version, "cpu")
	k.mu.Unlock()
	return outcome, nil
}

func (k *Kokoro) BuildSpawn(info inference.ModelInfo, _ inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	main := info.ResolvedPath(inference.RoleMain)
	if main == "" {
		return supervisor.Spec{}, inference.NewError(inference.KindLoadFailed, "model %s has no local weights", info.ID)
	}
	args := []string{"--model", main}
	if voices := info.ResolvedPath("voices"); voices != "" {
		args = append(args, "--voices", voices)
	}
	args = append(args, listenArgs(port)...)
	return supervisor.Spec{
		Exe:     k.installer.ExePath(inference.RecipeKokoro, "cpu", k.exeName()),
		Args:    args,
		LogSink: logSink,
	}, nil
}

func (k *Kokoro) UsesNPU(inference.Options) bool { return false }

func (k *Kokoro) InvalidatesOnUpgrade() bool { return false }

func (k *Kokoro) Status() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}
