package backends

import (
	"context"
	"encoding/json"
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

const sdCppVersion = "master-697"

// sdArgsOpenTag and sdArgsCloseTag delimit the JSON blob of sampling
// overrides smuggled through the prompt field, since the sd-cpp server's
// images endpoint has no first-class fields for them.
const (
	sdArgsOpenTag  = "<sd_cpp_extra_args>"
	sdArgsCloseTag = "</sd_cpp_extra_args>"
)

// SDCpp serves image generation models through the stable-diffusion.cpp
// server.
type SDCpp struct {
	log       logging.Logger
	installer *install.Installer

	mu     sync.Mutex
	status string
}

func NewSDCpp(log logging.Logger, installer *install.Installer) *SDCpp {
	return &SDCpp{log: log, installer: installer, status: "not installed"}
}

func (s *SDCpp) Recipe() string { return inference.RecipeSDCpp }

func (s *SDCpp) Capabilities() inference.CapabilitySet {
	return inference.Caps(inference.CapImageGeneration)
}

func (s *SDCpp) EndpointMap() map[inference.Operation]string {
	return map[inference.Operation]string{
		inference.OpImagesGenerations: "/v1/images/generations",
	}
}

func (s *SDCpp) ReadinessPath() string { return "/health" }

func (s *SDCpp) backendTag(opts inference.Options) string {
	fallback := "vulkan"
	if runtime.GOOS == "darwin" {
		fallback = "metal"
	}
	return opts.String(inference.OptionSDCppBackend, fallback)
}

func (s *SDCpp) exeName() string { return "sd-server" + exeSuffix }

func (s *SDCpp) release(tag string) install.Release {
	ext := ".tar.gz"
	if runtime.GOOS == "windows" {
		ext = ".zip"
	}
	return install.Release{
		URL: fmt.Sprintf("https://github.com/leejet/stable-diffusion.cpp/releases/download/%s/sd-server-%s-%s-%s-%s%s",
			sdCppVersion, sdCppVersion, assetOS(), tag, assetArch(), ext),
		Version: sdCppVersion,
		ExeName: s.exeName(),
	}
}

func (s *SDCpp) EnsureInstalled(ctx context.Context, httpClient *http.Client, opts inference.Options) (inference.InstallOutcome, error) {
	tag := s.backendTag(opts)
	outcome, err := s.installer.Ensure(ctx, httpClient, inference.RecipeSDCpp, tag, s.release(tag))
	if err != nil {
		return outcome, err
	}
	s.mu.Lock()
	s.status = installedStatus(outcome.Version, tag)
	s.mu.Unlock()
	return outcome, nil
}

func (s *SDCpp) BuildSpawn(info inference.ModelInfo, opts inference.Options, port int, logSink io.Writer) (supervisor.Spec, error) {
	main := info.ResolvedPath(inference.RoleMain)
	if main == "" {
		return supervisor.Spec{}, inference.NewError(inference.KindLoadFailed, "model %s has no local weights", info.ID)
	}
	tag := s.backendTag(opts)
	args := []string{"--diffusion-model", main}
	// Auxiliary component files are optional per model; forward whichever
	// the registry resolved.
	for role, flag := range map[string]string{
		"vae":          "--vae",
		"clip_l":       "--clip_l",
		"clip_g":       "--clip_g",
		"t5xxl":        "--t5xxl",
		"text_encoder": "--text-encoder",
	} {
		if p := info.ResolvedPath(role); p != "" {
			args = append(args, flag, p)
		}
	}
	args = append(args, listenArgs(port)...)
	return supervisor.Spec{
		Exe:     s.installer.ExePath(inference.RecipeSDCpp, tag, s.exeName()),
		Args:    args,
		LogSink: logSink,
	}, nil
}

// PrepareBody rewrites an images/generations request so per-request and
// per-model sampling overrides reach the engine: effective steps, cfg_scale,
// width and height are serialized into a tag appended to the prompt.
func (s *SDCpp) PrepareBody(op inference.Operation, body []byte, opts inference.Options, info inference.ModelInfo) ([]byte, error) {
	if op != inference.OpImagesGenerations {
		return body, nil
	}
	extra := s.effectiveImageArgs(opts, info.ImageDefaults)
	if len(extra) == 0 {
		return body, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, inference.NewError(inference.KindBadRequest, "invalid JSON body: %v", err)
	}
	var prompt string
	if raw, ok := payload["prompt"]; ok {
		if err := json.Unmarshal(raw, &prompt); err != nil {
			return nil, inference.NewError(inference.KindBadRequest, "prompt must be a string")
		}
	}
	blob, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	tagged, err := json.Marshal(prompt + sdArgsOpenTag + string(blob) + sdArgsCloseTag)
	if err != nil {
		return nil, err
	}
	payload["prompt"] = tagged
	return json.Marshal(payload)
}

// effectiveImageArgs collects the sampling values to embed. Options beat
// per-model defaults; unset values are omitted so the engine's own defaults
// apply.
func (s *SDCpp) effectiveImageArgs(opts inference.Options, defaults *inference.ImageDefaults) map[string]interface{} {
	d := inference.ImageDefaults{}
	if defaults != nil {
		d = *defaults
	}
	extra := map[string]interface{}{}
	if v := opts.Int(inference.OptionSteps, d.Steps); v > 0 {
		extra["steps"] = v
	}
	if v := opts.Float(inference.OptionCFGScale, d.CFGScale); v > 0 {
		extra["cfg_scale"] = v
	}
	if v := opts.Int(inference.OptionWidth, d.Width); v > 0 {
		extra["width"] = v
	}
	if v := opts.Int(inference.OptionHeight, d.Height); v > 0 {
		extra["height"] = v
	}
	return extra
}

func (s *SDCpp) UsesNPU(inference.Options) bool { return false }

func (s *SDCpp) InvalidatesOnUpgrade() bool { return false }

func (s *SDCpp) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
