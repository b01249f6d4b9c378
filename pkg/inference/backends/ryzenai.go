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
	ryzenAIVersion          = "1.5.1"
	ryzenAIMinDriverVersion = "32.0.203.257"
)

// RyzenAILLM serves ONNX LLMs on the NPU through the Ryzen AI serving
// binary. Like FLM it holds the NPU exclusively while loaded.
type RyzenAILLM struct {
	log       logging.Logger
	installer *install.Installer

	mu     sync.Mutex
	status string
}

func NewRyzenAILLM(log logging.Logger, installer *install.Installer) *RyzenAILLM {
	return &RyzenAILLM{log: log, installer: installer, status: "not installed"}
}

func (r *RyzenAILLM) Recipe() string { return inference.RecipeRyzenAILLM }

func (r *RyzenAILLM) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapCompletion)
}

func (r *RyzenAILLM) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{
		inference.OpChatCompletion: "/v1/chat/completions",
		inference.OpCompletion:     "/v1/completions",
		inference.OpResponses:      "/v1/responses",
	}
}

func (r *RyzenAILLM) ReadinessPath() string { return "/health" }

func (r *RyzenAILLM) exeName() string { return "ryzenai-llm-server" + exeSuffix }

func (r *RyzenAILLM) release() install.Release {
	return install.Release{
		URL: fmt.Sprintf("https://github.com/amd/RyzenAI-SW/releases/download/v%s/ryzenai-llm-server-%s-%s.zip",
			ryzenAIVersion, assetOS(), assetArch()),
		Version: ryzenAIVersion,
		ExeName: r.exeName(),
	}
}

func (r *RyzenAILLM) EnsureInstalled(ctx context.Context, httpClient *http.Client, _ inference.Options) (inference.InstallOutcome, error) {
	if runtime.GOOS != "windows" {
		return inference.InstallOutcome{}, inference.NewError(inference.KindPreconditionFailed,
			"recipe %s requires a Ryzen AI NPU and is only available on Windows", inference.RecipeRyzenAILLM)
	}
	if v := npuDriverVersion(); v != "" && compareVersions(v, ryzenAIMinDriverVersion) < 0 {
		return inference.InstallOutcome{}, inference.NewError(inference.KindPreconditionFailed,
			"NPU driver %s is older than the minimum %s required by ryzenai-llm %s", v, ryzenAIMinDriverVersion, ryzenAIVersion)
	}
	outcome, err := r.installer.Ensure(ctx, httpClient, inference.RecipeRyzenAILLM, "npu", r.release())
	if err != nil {
		return outcome, err
	}
	r.mu.Lock()
	r.status = installedStatus(outcome.Version, "npu")
	r.mu.Unlock()
	return outcome, nil
}

func (r *RyzenAILLM) BuildSpawn(info inference.ModelInfo, opts inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	dir := info.ResolvedPath(inference.RoleMain)
	if dir == "" {
		return supervisor.Spec{}, inference.NewError(inference.KindLoadFailed, "model %s has no local weights", info.ID)
	}
	args := []string{"--model-dir", dir}
	args = append(args, listenArgs(port)...)
	args = append(args, "--ctx-size", strconv.Itoa(opts.Int(inference.OptionCtxSize, 4096)))
	return supervisor.Spec{
		Exe:     r.installer.ExePath(inference.RecipeRyzenAILLM, "npu", r.exeName()),
		Args:    args,
		LogSink: logSink,
	}, nil
}

func (r *RyzenAILLM) UsesNPU(inference.Options) bool { return true }

func (r *RyzenAILLM) InvalidatesOnUpgrade() bool { return true }

func (r *RyzenAILLM) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
