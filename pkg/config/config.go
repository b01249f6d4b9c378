// Package config holds the process-wide configuration for the router. A
// Config value is assembled once in main from CLI flags and LEMONADE_*
// environment fallbacks and passed into constructors; nothing in this
// package is mutable global state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the router's default listen port.
	DefaultPort = 8000
	// DefaultContextSize is the default context size for llamacpp-family
	// recipes when neither the request nor the per-model store provides one.
	DefaultContextSize = 4096
	// DefaultMaxLoadedModels is the default per-type slot capacity.
	DefaultMaxLoadedModels = 1
	// UnlimitedLoadedModels disables slot capacity enforcement.
	UnlimitedLoadedModels = -1
)

// Config is the router's runtime configuration.
type Config struct {
	// Host is the listen address. Defaults to loopback; NoBroadcast forces
	// it back to loopback even if set otherwise.
	Host string
	// Port is the listen port.
	Port int
	// LogLevel is one of critical, error, warning, info, debug, trace.
	LogLevel string
	// ContextSize is the process-wide default ctx_size for llamacpp-family
	// recipes.
	ContextSize int
	// LlamaCppBackend is the process-wide default llamacpp_backend
	// (vulkan, rocm, metal or cpu).
	LlamaCppBackend string
	// LlamaCppArgs is the process-wide default extra argument string for the
	// GGUF engine. Router-managed flags are rejected at load time.
	LlamaCppArgs string
	// MaxLoadedModels is the per-type slot capacity. -1 means unlimited.
	MaxLoadedModels int
	// ExtraModelsDir is an optional directory scanned recursively for GGUF
	// files, surfaced as extra.* models.
	ExtraModelsDir string
	// NoBroadcast restricts the listener to loopback regardless of Host.
	NoBroadcast bool
	// APIKey enables bearer-token auth when non-empty.
	APIKey string
	// AllowedOrigins restricts CORS to the listed origins. Empty allows
	// every origin.
	AllowedOrigins []string
	// ExePathOverrides maps recipe tags onto pre-existing engine
	// executables, bypassing the managed binary cache for those recipes.
	ExePathOverrides map[string]string
	// CacheDir is the root of all persisted state (binaries, model lists,
	// per-model options). Defaults to <user cache dir>/lemonade.
	CacheDir string
}

// Default returns a Config populated with defaults and environment
// fallbacks. Flag values are layered on top by main.
func Default() Config {
	c := Config{
		Host:            "127.0.0.1",
		Port:            DefaultPort,
		LogLevel:        "info",
		ContextSize:     DefaultContextSize,
		MaxLoadedModels: DefaultMaxLoadedModels,
	}
	if v := os.Getenv("LEMONADE_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("LEMONADE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			c.Port = p
		}
	}
	if v := os.Getenv("LEMONADE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LEMONADE_CTX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ContextSize = n
		}
	}
	if v := os.Getenv("LEMONADE_LLAMACPP"); v != "" {
		c.LlamaCppBackend = v
	}
	if v := os.Getenv("LEMONADE_LLAMACPP_ARGS"); v != "" {
		c.LlamaCppArgs = v
	}
	if v := os.Getenv("LEMONADE_MAX_LOADED_MODELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && (n > 0 || n == UnlimitedLoadedModels) {
			c.MaxLoadedModels = n
		}
	}
	if v := os.Getenv("LEMONADE_EXTRA_MODELS_DIR"); v != "" {
		c.ExtraModelsDir = v
	}
	if v := os.Getenv("LEMONADE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("LEMONADE_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("LEMONADE_EXE_PATHS"); v != "" {
		c.ExePathOverrides = parsePairs(v)
	}
	if v := os.Getenv("LEMONADE_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	return c
}

// splitList splits a comma separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePairs parses comma separated recipe=path pairs.
func parsePairs(v string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitList(v) {
		if key, value, ok := strings.Cut(part, "="); ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

// Validate checks invariants that cannot be expressed by flag types.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxLoadedModels == 0 || c.MaxLoadedModels < UnlimitedLoadedModels {
		return fmt.Errorf("max_loaded_models must be positive or -1, got %d", c.MaxLoadedModels)
	}
	if c.NoBroadcast {
		c.Host = "127.0.0.1"
	}
	return nil
}

// ResolveCacheDir fills CacheDir with the platform default when unset and
// ensures the directory exists.
func (c *Config) ResolveCacheDir() error {
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("failed to determine user cache directory: %w", err)
		}
		c.CacheDir = filepath.Join(base, "lemonade")
	}
	return os.MkdirAll(c.CacheDir, 0o755)
}

// BinDir returns the root directory for installed engine binaries. Each
// engine lives under bin/<recipe>/<backend_tag>/ with a version.txt sibling.
func (c *Config) BinDir() string {
	return filepath.Join(c.CacheDir, "bin")
}

// UserModelsPath returns the path of the user-registered model list.
func (c *Config) UserModelsPath() string {
	return filepath.Join(c.CacheDir, "user_models.json")
}

// RecipeOptionsPath returns the path of the per-model options store.
func (c *Config) RecipeOptionsPath() string {
	return filepath.Join(c.CacheDir, "recipe_options.json")
}

// ModelsDir returns the directory for downloaded model weights.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.CacheDir, "models")
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
