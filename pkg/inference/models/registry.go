// Package models implements the model registry: a read-mostly catalog
// merged from the built-in list, user-registered entries and an optional
// directory scan, plus the two small persisted files backing it.
package models

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

const (
	// UserPrefix marks user-registered model ids.
	UserPrefix = "user."
	// ExtraPrefix marks ids synthesized from the extra-directory scan.
	ExtraPrefix = "extra."
)

// Fetcher resolves model checkpoints to local files. The registry uses it
// to decide downloaded-ness and to resolve engine role paths; the pull and
// delete operations drive it for transfers.
type Fetcher interface {
	// LocalPaths maps engine roles (main, mmproj, ...) onto local files
	// for the given model. The bool reports whether the model's required
	// files are all present.
	LocalPaths(info inference.ModelInfo) (map[string]string, bool)
	// Fetch downloads every missing file for the model, invoking progress
	// as bytes arrive. Percent across calls is non-decreasing.
	Fetch(ctx context.Context, info inference.ModelInfo, progress func(FileProgress)) error
	// Delete removes the model's local files. Missing files are not an
	// error.
	Delete(info inference.ModelInfo) error
}

// Registry merges the three model sources and owns the two persisted files.
// All methods are safe for concurrent use.
type Registry struct {
	log     logging.Logger
	fetcher Fetcher

	userModelsPath    string
	recipeOptionsPath string
	extraDir          string

	mu sync.Mutex
}

// NewRegistry creates a registry. extraDir may be empty to disable the
// directory scan.
func NewRegistry(log logging.Logger, fetcher Fetcher, userModelsPath, recipeOptionsPath, extraDir string) *Registry {
	return &Registry{
		log:               log,
		fetcher:           fetcher,
		userModelsPath:    userModelsPath,
		recipeOptionsPath: recipeOptionsPath,
		extraDir:          extraDir,
	}
}

// List returns the merged catalog. Unless showAll, entries without local
// weights are filtered out.
func (r *Registry) List(showAll bool) []inference.ModelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := map[string]inference.ModelInfo{}
	for _, m := range builtinCatalog() {
		merged[m.ID] = m
	}
	for _, m := range r.scanExtraDirLocked() {
		merged[m.ID] = m
	}
	for _, m := range r.readUserModelsLocked() {
		merged[m.ID] = m
	}

	out := make([]inference.ModelInfo, 0, len(merged))
	for _, m := range merged {
		r.resolveLocal(&m)
		if !showAll && !m.Downloaded {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get resolves one model by id.
func (r *Registry) Get(id string) (inference.ModelInfo, error) {
	for _, m := range r.List(true) {
		if m.ID == id {
			return m, nil
		}
	}
	return inference.ModelInfo{}, inference.NewError(inference.KindNotFound, "model %q is not registered", id)
}

// resolveLocal fills Paths and Downloaded from the fetcher. Extra-directory
// entries already carry their paths.
func (r *Registry) resolveLocal(m *inference.ModelInfo) {
	if strings.HasPrefix(m.ID, ExtraPrefix) {
		m.Downloaded = m.ResolvedPath(inference.RoleMain) != ""
		return
	}
	paths, downloaded := r.fetcher.LocalPaths(*m)
	m.Paths = paths
	m.Downloaded = downloaded
}

// RegisterUser persists a user model entry. The id must carry the user
// prefix, and GGUF checkpoints must name a variant.
func (r *Registry) RegisterUser(info inference.ModelInfo) error {
	if !strings.HasPrefix(info.ID, UserPrefix) {
		return inference.NewError(inference.KindBadRequest, "user model ids must begin with %q, got %q", UserPrefix, info.ID)
	}
	if err := ValidateCheckpoint(info.Recipe, info.Checkpoint); err != nil {
		return err
	}
	if _, ok := inference.RecognizedKeys(info.Recipe); !ok {
		return inference.NewError(inference.KindBadRequest, "unknown recipe %q", info.Recipe)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.readUserModelsLocked()
	for i, existing := range entries {
		if existing.ID == info.ID {
			entries[i] = info
			return r.writeUserModelsLocked(entries)
		}
	}
	entries = append(entries, info)
	return r.writeUserModelsLocked(entries)
}

// Delete removes a model's local files and, for user entries, the registry
// record itself. Deleting a never-downloaded builtin is a no-op.
func (r *Registry) Delete(id string) error {
	info, err := r.Get(id)
	if err != nil {
		return err
	}
	if strings.HasPrefix(id, ExtraPrefix) {
		return inference.NewError(inference.KindBadRequest, "extra-directory models are managed by their directory; remove the file instead")
	}
	if err := r.fetcher.Delete(info); err != nil {
		return errors.Wrapf(err, "failed to delete files for %s", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.HasPrefix(id, UserPrefix) {
		entries := r.readUserModelsLocked()
		kept := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		if err := r.writeUserModelsLocked(kept); err != nil {
			return err
		}
	}
	return r.clearRecipeOptionsLocked(id)
}

// ValidateCheckpoint enforces checkpoint shape per recipe. GGUF-serving
// recipes require an explicit repo:variant.
func ValidateCheckpoint(recipe, checkpoint string) error {
	if checkpoint == "" {
		return inference.NewError(inference.KindBadRequest, "checkpoint is required")
	}
	if filepath.IsAbs(checkpoint) {
		// Local imports point straight at a file on disk.
		return nil
	}
	switch recipe {
	case inference.RecipeLlamaCpp, inference.RecipeWhisperCpp, inference.RecipeSDCpp:
		repo, variant, ok := strings.Cut(checkpoint, ":")
		if !ok || repo == "" || variant == "" {
			return inference.NewError(inference.KindBadRequest,
				"checkpoint %q must have the form repo:variant for recipe %s", checkpoint, recipe)
		}
	}
	return nil
}

// GetRecipeOptions returns the persisted option overrides for a model,
// never nil.
func (r *Registry) GetRecipeOptions(id string) inference.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	opts := r.readRecipeOptionsLocked()[id]
	if opts == nil {
		opts = inference.Options{}
	}
	return opts
}

// SetRecipeOptions persists option overrides for a model, replacing any
// previous set. An empty map clears the entry.
func (r *Registry) SetRecipeOptions(id string, opts inference.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(opts) == 0 {
		return r.clearRecipeOptionsLocked(id)
	}
	all := r.readRecipeOptionsLocked()
	all[id] = opts.WithoutPseudo()
	return r.writeRecipeOptionsLocked(all)
}

func (r *Registry) clearRecipeOptionsLocked(id string) error {
	all := r.readRecipeOptionsLocked()
	if _, ok := all[id]; !ok {
		return nil
	}
	delete(all, id)
	return r.writeRecipeOptionsLocked(all)
}

func (r *Registry) readUserModelsLocked() []inference.ModelInfo {
	data, err := os.ReadFile(r.userModelsPath)
	if err != nil {
		return nil
	}
	var entries []inference.ModelInfo
	if err := json.Unmarshal(data, &entries); err != nil {
		r.log.Warnf("ignoring malformed %s: %v", filepath.Base(r.userModelsPath), err)
		return nil
	}
	return entries
}

func (r *Registry) writeUserModelsLocked(entries []inference.ModelInfo) error {
	if len(entries) == 0 {
		// Keep the pristine state when the last entry goes away.
		if err := os.Remove(r.userModelsPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.userModelsPath), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(r.userModelsPath, append(data, '\n'), 0o644)
}

func (r *Registry) readRecipeOptionsLocked() map[string]inference.Options {
	all := map[string]inference.Options{}
	data, err := os.ReadFile(r.recipeOptionsPath)
	if err != nil {
		return all
	}
	if err := json.Unmarshal(data, &all); err != nil {
		r.log.Warnf("ignoring malformed %s: %v", filepath.Base(r.recipeOptionsPath), err)
	}
	return all
}

func (r *Registry) writeRecipeOptionsLocked(all map[string]inference.Options) error {
	if len(all) == 0 {
		if err := os.Remove(r.recipeOptionsPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.recipeOptionsPath), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(r.recipeOptionsPath, append(data, '\n'), 0o644)
}
