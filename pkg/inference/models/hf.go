package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
	"github.com/lemonade-sdk/lemonade-router/pkg/logging"
)

// DefaultHFEndpoint is the Hugging Face hub endpoint. Overridable for
// mirrors and tests.
const DefaultHFEndpoint = "https://huggingface.co"

// FileProgress is one pull progress observation. Percent is computed over
// the whole transfer and never decreases.
type FileProgress struct {
	File            string  `json:"file"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	BytesTotal      int64   `json:"bytes_total"`
	Percent         float64 `json:"percent"`
}

// HFFetcher downloads model files from a Hugging Face style hub into the
// local models directory, laid out as <modelsDir>/<org>/<repo>/<file>.
type HFFetcher struct {
	log       logging.Logger
	client    *http.Client
	endpoint  string
	modelsDir string
}

// NewHFFetcher creates a fetcher. endpoint may be empty for the default
// hub.
func NewHFFetcher(log logging.Logger, client *http.Client, endpoint, modelsDir string) *HFFetcher {
	if endpoint == "" {
		endpoint = DefaultHFEndpoint
	}
	return &HFFetcher{log: log, client: client, endpoint: endpoint, modelsDir: modelsDir}
}

// engineManaged reports whether the checkpoint is resolved by the engine
// itself rather than by the router (FLM pulls its own artifacts). Such
// models are tracked with a marker file.
func engineManaged(info inference.ModelInfo) bool {
	return info.Recipe == inference.RecipeFLM
}

func (f *HFFetcher) markerPath(info inference.ModelInfo) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(info.Checkpoint)
	return filepath.Join(f.modelsDir, info.Recipe, safe+".pulled")
}

func (f *HFFetcher) repoDir(repo string) string {
	return filepath.Join(f.modelsDir, filepath.FromSlash(repo))
}

// LocalPaths implements Fetcher.
func (f *HFFetcher) LocalPaths(info inference.ModelInfo) (map[string]string, bool) {
	// Locally imported checkpoints point straight at a file.
	if filepath.IsAbs(info.Checkpoint) {
		if _, err := os.Stat(info.Checkpoint); err == nil {
			return map[string]string{inference.RoleMain: info.Checkpoint}, true
		}
		return nil, false
	}
	if engineManaged(info) {
		if _, err := os.Stat(f.markerPath(info)); err == nil {
			return nil, true
		}
		return nil, false
	}

	repo, _, _ := strings.Cut(info.Checkpoint, ":")
	dir := f.repoDir(repo)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return nil, false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	paths := resolveRoles(info, dir, names)
	return paths, paths[inference.RoleMain] != ""
}

// resolveRoles maps downloaded files onto engine roles based on the
// model's recipe and checkpoint variant.
func resolveRoles(info inference.ModelInfo, dir string, names []string) map[string]string {
	paths := map[string]string{}
	_, variant, _ := strings.Cut(info.Checkpoint, ":")
	lowVariant := strings.ToLower(variant)

	pick := func(match func(string) bool) string {
		for _, n := range names {
			if match(n) {
				return filepath.Join(dir, n)
			}
		}
		return ""
	}

	switch info.Recipe {
	case inference.RecipeWhisperCpp:
		paths[inference.RoleMain] = pick(func(n string) bool { return n == variant })
	case inference.RecipeKokoro:
		paths[inference.RoleMain] = pick(func(n string) bool { return strings.HasSuffix(n, ".onnx") })
		if p := pick(func(n string) bool { return strings.Contains(strings.ToLower(n), "voices") }); p != "" {
			paths["voices"] = p
		}
	case inference.RecipeRyzenAILLM:
		// The whole repo directory is the model.
		paths[inference.RoleMain] = dir
	default:
		paths[inference.RoleMain] = pick(func(n string) bool {
			low := strings.ToLower(n)
			if !strings.HasSuffix(low, ".gguf") || strings.Contains(low, "mmproj") {
				return false
			}
			return lowVariant == "" || strings.Contains(low, lowVariant)
		})
		if info.MMProj != "" {
			if p := pick(func(n string) bool { return n == info.MMProj }); p != "" {
				paths["mmproj"] = p
			}
		}
		if info.Recipe == inference.RecipeSDCpp {
			for role, needle := range map[string]string{
				"vae":    "vae",
				"clip_l": "clip_l",
				"clip_g": "clip_g",
				"t5xxl":  "t5xxl",
			} {
				if p := pick(func(n string) bool { return strings.Contains(strings.ToLower(n), needle) }); p != "" {
					paths[role] = p
				}
			}
		}
	}
	if paths[inference.RoleMain] == "" {
		delete(paths, inference.RoleMain)
	}
	return paths
}

// treeEntry is one record of the hub's repo tree listing.
type treeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Fetch implements Fetcher.
func (f *HFFetcher) Fetch(ctx context.Context, info inference.ModelInfo, progress func(FileProgress)) error {
	if filepath.IsAbs(info.Checkpoint) {
		if _, err := os.Stat(info.Checkpoint); err != nil {
			return inference.NewError(inference.KindNotFound, "local checkpoint %s does not exist", info.Checkpoint)
		}
		return nil
	}
	if engineManaged(info) {
		// The engine downloads its own artifacts at first load; record the
		// pull so the model lists as downloaded.
		marker := f.markerPath(info)
		if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
			return err
		}
		if err := atomicwriter.WriteFile(marker, []byte(info.Checkpoint+"\n"), 0o644); err != nil {
			return err
		}
		if progress != nil {
			progress(FileProgress{File: info.Checkpoint, Percent: 100})
		}
		return nil
	}

	repo, _, _ := strings.Cut(info.Checkpoint, ":")
	files, err := f.listRepo(ctx, repo)
	if err != nil {
		return err
	}
	wanted := selectRemoteFiles(info, files)
	if len(wanted) == 0 {
		return inference.NewError(inference.KindNotFound,
			"no files in %s match checkpoint %q", repo, info.Checkpoint)
	}

	var total, done int64
	for _, e := range wanted {
		total += e.Size
	}
	dir := f.repoDir(repo)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, e := range wanted {
		target := filepath.Join(dir, filepath.Base(e.Path))
		if fi, err := os.Stat(target); err == nil && fi.Size() == e.Size {
			done += e.Size
			continue
		}
		if err := f.downloadFile(ctx, repo, e, target, &done, total, progress); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(FileProgress{BytesDownloaded: done, BytesTotal: total, Percent: 100})
	}
	return nil
}

// selectRemoteFiles picks the repo files a model needs, mirroring the role
// resolution used for local files.
func selectRemoteFiles(info inference.ModelInfo, files []treeEntry) []treeEntry {
	_, variant, _ := strings.Cut(info.Checkpoint, ":")
	lowVariant := strings.ToLower(variant)
	var out []treeEntry
	for _, e := range files {
		if e.Type != "file" {
			continue
		}
		name := filepath.Base(e.Path)
		low := strings.ToLower(name)
		switch info.Recipe {
		case inference.RecipeWhisperCpp:
			if name == variant {
				out = append(out, e)
			}
		case inference.RecipeKokoro, inference.RecipeRyzenAILLM:
			// Whole-repo models skip auxiliary hub files.
			if !strings.HasSuffix(low, ".md") && !strings.HasPrefix(name, ".") {
				out = append(out, e)
			}
		default:
			switch {
			case strings.HasSuffix(low, ".gguf") && !strings.Contains(low, "mmproj") &&
				(lowVariant == "" || strings.Contains(low, lowVariant)):
				out = append(out, e)
			case info.MMProj != "" && name == info.MMProj:
				out = append(out, e)
			case info.Recipe == inference.RecipeSDCpp &&
				(strings.Contains(low, "vae") || strings.Contains(low, "clip_l") ||
					strings.Contains(low, "clip_g") || strings.Contains(low, "t5xxl")):
				out = append(out, e)
			}
		}
	}
	return out
}

func (f *HFFetcher) listRepo(ctx context.Context, repo string) ([]treeEntry, error) {
	u := fmt.Sprintf("%s/api/models/%s/tree/main?recursive=true", f.endpoint, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", repo)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnauthorized:
		return nil, inference.NewError(inference.KindNotFound, "repository %s not found on %s", repo, f.endpoint)
	default:
		return nil, fmt.Errorf("listing %s: status %d", repo, resp.StatusCode)
	}
	var files []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, errors.Wrapf(err, "failed to decode tree of %s", repo)
	}
	return files, nil
}

func (f *HFFetcher) downloadFile(ctx context.Context, repo string, e treeEntry, target string, done *int64, total int64, progress func(FileProgress)) error {
	u := fmt.Sprintf("%s/%s/resolve/main/%s", f.endpoint, repo, e.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", e.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %d", e.Path, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	buf := make([]byte, 1<<20)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := tmp.Write(buf[:n]); err != nil {
				tmp.Close()
				return err
			}
			*done += int64(n)
			if progress != nil {
				progress(FileProgress{
					File:            e.Path,
					BytesDownloaded: *done,
					BytesTotal:      total,
					Percent:         percent(*done, total),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			return errors.Wrapf(readErr, "failed to download %s", e.Path)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// Delete implements Fetcher.
func (f *HFFetcher) Delete(info inference.ModelInfo) error {
	if filepath.IsAbs(info.Checkpoint) {
		// Imported files are owned by the user, not the cache.
		return nil
	}
	if engineManaged(info) {
		if err := os.Remove(f.markerPath(info)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	repo, _, _ := strings.Cut(info.Checkpoint, ":")
	if err := os.RemoveAll(f.repoDir(repo)); err != nil {
		return err
	}
	// Prune the now-empty org directory, best effort.
	os.Remove(filepath.Dir(f.repoDir(repo)))
	return nil
}
