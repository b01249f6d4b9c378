package inference

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Options is a partial recipe-option map. Keys are recipe-specific; values
// arrive as JSON scalars from requests or the per-model store.
type Options map[string]interface{}

// Recognized option keys.
const (
	OptionCtxSize           = "ctx_size"
	OptionLlamaCppBackend   = "llamacpp_backend"
	OptionLlamaCppArgs      = "llamacpp_args"
	OptionWhisperCppBackend = "whispercpp_backend"
	OptionSDCppBackend      = "sdcpp_backend"
	OptionSteps             = "steps"
	OptionCFGScale          = "cfg_scale"
	OptionWidth             = "width"
	OptionHeight            = "height"
	// OptionSaveOptions is a pseudo-option: when true, the effective values
	// explicitly provided by the caller are written back to the per-model
	// options store. It is recognized for every recipe and never forwarded.
	OptionSaveOptions = "save_options"
)

// WhisperBackendNPU is the whispercpp backend value that occupies the NPU.
const WhisperBackendNPU = "npu"

var llamaCppBackends = []string{"vulkan", "rocm", "metal", "cpu"}
var whisperCppBackends = []string{"cpu", WhisperBackendNPU}

// reservedLlamaCppFlags are managed by the router; user-supplied
// llamacpp_args must not collide with them.
var reservedLlamaCppFlags = []string{"-m", "--port", "--ctx-size", "-ngl"}

// recognizedKeys maps each recipe onto its accepted option keys.
var recognizedKeys = map[string][]string{
	RecipeLlamaCpp:   {OptionCtxSize, OptionLlamaCppBackend, OptionLlamaCppArgs},
	RecipeFLM:        {OptionCtxSize},
	RecipeRyzenAILLM: {OptionCtxSize},
	RecipeWhisperCpp: {OptionWhisperCppBackend},
	RecipeSDCpp:      {OptionSDCppBackend, OptionSteps, OptionCFGScale, OptionWidth, OptionHeight},
	RecipeKokoro:     {},
}

// RecognizedKeys returns the accepted option keys for a recipe, not
// including the save_options pseudo-option.
func RecognizedKeys(recipe string) ([]string, bool) {
	keys, ok := recognizedKeys[recipe]
	return keys, ok
}

// ValidateOptions checks every key and value in opts against the recipe's
// recognized set. Unknown keys and malformed values yield bad_request.
func ValidateOptions(recipe string, opts Options) error {
	keys, ok := recognizedKeys[recipe]
	if !ok {
		return NewError(KindBadRequest, "unknown recipe %q", recipe)
	}
	for key, value := range opts {
		if key == OptionSaveOptions {
			if _, ok := value.(bool); !ok {
				return NewError(KindBadRequest, "save_options must be a boolean")
			}
			continue
		}
		if !slices.Contains(keys, key) {
			return NewError(KindBadRequest, "option %q is not recognized for recipe %q", key, recipe)
		}
		if err := validateOptionValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func validateOptionValue(key string, value interface{}) error {
	switch key {
	case OptionCtxSize, OptionSteps, OptionWidth, OptionHeight:
		n, err := intValue(value)
		if err != nil {
			return NewError(KindBadRequest, "option %q must be an integer", key)
		}
		switch key {
		case OptionCtxSize:
			if n <= 0 {
				return NewError(KindBadRequest, "ctx_size must be positive")
			}
		case OptionSteps:
			if n < 1 {
				return NewError(KindBadRequest, "steps must be at least 1")
			}
		case OptionWidth, OptionHeight:
			if n <= 0 || n%64 != 0 {
				return NewError(KindBadRequest, "%s must be a positive multiple of 64", key)
			}
		}
	case OptionCFGScale:
		f, err := floatValue(value)
		if err != nil || f < 0 {
			return NewError(KindBadRequest, "cfg_scale must be a non-negative number")
		}
	case OptionLlamaCppBackend:
		s, ok := value.(string)
		if !ok || !slices.Contains(llamaCppBackends, s) {
			return NewError(KindBadRequest, "llamacpp_backend must be one of %s", strings.Join(llamaCppBackends, ", "))
		}
	case OptionWhisperCppBackend:
		s, ok := value.(string)
		if !ok || !slices.Contains(whisperCppBackends, s) {
			return NewError(KindBadRequest, "whispercpp_backend must be one of %s", strings.Join(whisperCppBackends, ", "))
		}
	case OptionLlamaCppArgs:
		s, ok := value.(string)
		if !ok {
			return NewError(KindBadRequest, "llamacpp_args must be a string")
		}
		if err := CheckLlamaCppArgs(s); err != nil {
			return err
		}
	case OptionSDCppBackend:
		if _, ok := value.(string); !ok {
			return NewError(KindBadRequest, "sdcpp_backend must be a string")
		}
	}
	return nil
}

// CheckLlamaCppArgs rejects extra GGUF engine arguments that collide with
// the flags the router manages itself.
func CheckLlamaCppArgs(raw string) error {
	args, err := shellwords.Parse(raw)
	if err != nil {
		return NewError(KindBadRequest, "invalid llamacpp_args: %v", err)
	}
	for _, arg := range args {
		flag := arg
		if idx := strings.IndexByte(arg, '='); idx >= 0 {
			flag = arg[:idx]
		}
		if slices.Contains(reservedLlamaCppFlags, flag) {
			return NewError(KindBadRequest, "llamacpp_args may not set %s; it is managed by the router", flag)
		}
	}
	return nil
}

// MergeOptions computes effective option values. Precedence, highest first:
// request-provided, stored per-model option, process-wide config, adapter
// default. The save_options pseudo-option is taken from the request only.
func MergeOptions(request, stored, global, defaults Options) Options {
	merged := Options{}
	for _, layer := range []Options{defaults, global, stored} {
		for k, v := range layer {
			if k == OptionSaveOptions {
				continue
			}
			merged[k] = v
		}
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// SaveRequested reports whether the caller asked for the provided values to
// be persisted.
func SaveRequested(opts Options) bool {
	v, ok := opts[OptionSaveOptions].(bool)
	return ok && v
}

// WithoutPseudo returns a copy of opts with pseudo-options removed, for
// persistence and spawn building.
func (o Options) WithoutPseudo() Options {
	out := Options{}
	for k, v := range o {
		if k == OptionSaveOptions {
			continue
		}
		out[k] = v
	}
	return out
}

// Int reads an integer option, falling back when absent or malformed.
func (o Options) Int(key string, fallback int) int {
	if v, ok := o[key]; ok {
		if n, err := intValue(v); err == nil {
			return n
		}
	}
	return fallback
}

// Float reads a float option with a fallback.
func (o Options) Float(key string, fallback float64) float64 {
	if v, ok := o[key]; ok {
		if f, err := floatValue(v); err == nil {
			return f
		}
	}
	return fallback
}

// String reads a string option with a fallback.
func (o Options) String(key, fallback string) string {
	if v, ok := o[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intValue(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

func floatValue(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
