package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"sync"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/inference/install"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

const (
	flmVersion = "0.9.10"
	// flmMinDriverVersion is the oldest NPU driver the pinned FLM release
	// is known to work with.
	flmMinDriverVersion = "32.0.203.240"
)

// npuDriverVersion reports the installed NPU driver version, empty when it
// cannot be determined. Overridable in tests.
var npuDriverVersion = probeNPUDriverVersion

// FLM serves LLMs on the NPU through the FastFlowLM server. Every FLM
// instance occupies the NPU exclusively, and an engine upgrade invalidates
// all previously prepared models.
type FLM struct {
	log       logging.Logger
	installer *install.Installer

	mu     sync.Mutex
	status string
}

func NewFLM(log logging.Logger, installer *install.Installer) *FLM {
	return &FLM{log: log, installer: installer, status: "not installed"}
}

func (f *FLM) Recipe() string { return inference.RecipeFLM }

func (f *FLM) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapCompletion)
}

func (f *FLM) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{
		inference.OpChatCompletion: "/v1/chat/completions",
		inference.OpCompletion:     "/v1/completions",
		inference.OpResponses:      "/v1/responses",
	}
}

func (f *FLM) ReadinessPath() string { return "/health" }

func (f *FLM) exeName() string { return "flm-server" + exeSuffix }

func (f *FLM) release() install.Release {
	return install.Release{
		URL: fmt.Sprintf("https://github.com/FastFlowLM/FastFlowLM/releases/download/v%s/flm-server-%s-%s.zip",
			flmVersion, assetOS(), assetArch()),
		Version: flmVersion,
		ExeName: f.exeName(),
	}
}

func (f *FLM) EnsureInstalled(ctx context.Context, httpClient *http.Client, _ inference.Options) (inference.InstallOutcome, error) {
	if runtime.GOOS != "windows" {
		return inference.InstallOutcome{}, inference.NewError(inference.KindPreconditionFailed,
			"recipe %s requires a Ryzen AI NPU and is only available on Windows", inference.RecipeFLM)
	}
	if v := npuDriverVersion(); v != "" && compareVersions(v, flmMinDriverVersion) < 0 {
		return inference.InstallOutcome{}, inference.NewError(inference.KindPreconditionFailed,
			"NPU driver %s is older than the minimum %s required by flm %s", v, flmMinDriverVersion, flmVersion)
	}
	outcome, err := f.installer.Ensure(ctx, httpClient, inference.RecipeFLM, "npu", f.release())
	if err != nil {
		return outcome, err
	}
	f.mu.Lock()
	f.status = installedStatus(outcome.Version, "npu")
	f.mu.Unlock()
	return outcome, nil
}

func (f *FLM) BuildSpawn(info inference.ModelInfo, opts inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	// FLM resolves its own model artifacts from the checkpoint name; the
	// router only hands over connection and context parameters.
	args := []string{"serve", info.Checkpoint}
	args = append(args, listenArgs(port)...)
	args = append(args, "--ctx-size", strconv.Itoa(opts.Int(inference.OptionCtxSize, 4096)))
	return supervisor.Spec{
		Exe:     f.installer.ExePath(inference.RecipeFLM, "npu", f.exeName()),
		Args:    args,
		LogSink: logSink,
	}, nil
}

func (f *FLM) UsesNPU(inference.Options) bool { return true }

// InvalidatesOnUpgrade is true: FLM re-prepares model state against the
// engine version, so an upgrade strands everything loaded by the old one.
func (f *FLM) InvalidatesOnUpgrade() bool { return true }

func (f *FLM) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}
