package models

import (
	"io/fs"
	"path/filepath"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
)

// scanExtraDirLocked synthesizes one entry per GGUF file found recursively
// under the extra models directory. The recipe is always llamacpp; labels
// come from filename heuristics, refined by GGUF metadata when the file
// parses.
func (r *Registry) scanExtraDirLocked() []inference.ModelInfo {
	if r.extraDir == "" {
		return nil
	}
	var out []inference.ModelInfo
	err := filepath.WalkDir(r.extraDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			return fs.SkipDir
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".gguf") {
			return nil
		}
		// Secondary shards are folded into their first shard's entry.
		if shardIndex(d.Name()) > 1 {
			return nil
		}
		out = append(out, r.describeGGUF(path))
		return nil
	})
	if err != nil {
		r.log.Warnf("extra models directory scan failed: %v", err)
	}
	return out
}

func (r *Registry) describeGGUF(path string) inference.ModelInfo {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	info := inference.ModelInfo{
		ID:         ExtraPrefix + name,
		Checkpoint: path,
		Recipe:     inference.RecipeLlamaCpp,
		Labels:     labelsFromName(name),
		Downloaded: true,
		Paths:      map[string]string{inference.RoleMain: path},
	}

	gguf, err := parser.ParseGGUFFile(path, parser.SkipLargeMetadata())
	if err != nil {
		r.log.Debugf("could not parse %s, keeping filename heuristics: %v", path, err)
		return info
	}
	md := gguf.Metadata()
	info.SizeGB = float64(md.Size) / 1e9
	switch md.Architecture {
	case "bert", "nomic-bert":
		if !info.HasLabel(inference.LabelEmbeddings) && !info.HasLabel(inference.LabelReranking) {
			info.Labels = append(info.Labels, inference.LabelEmbeddings)
		}
	}
	return info
}

// labelsFromName guesses routing labels from common filename conventions.
func labelsFromName(name string) []string {
	lower := strings.ToLower(name)
	var labels []string
	for needle, label := range map[string]string{
		"embed":    inference.LabelEmbeddings,
		"rerank":   inference.LabelReranking,
		"whisper":  inference.LabelAudio,
		"-vl":      inference.LabelVision,
		"vision":   inference.LabelVision,
		"thinking": inference.LabelReasoning,
	} {
		if strings.Contains(lower, needle) {
			labels = append(labels, label)
		}
	}
	return dedupe(labels)
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// shardIndex extracts N from names like model-0000N-of-00015.gguf, zero
// when the name is not sharded.
func shardIndex(name string) int {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idx := strings.LastIndex(base, "-of-")
	if idx < 0 {
		return 0
	}
	head := base[:idx]
	dash := strings.LastIndexByte(head, '-')
	if dash < 0 {
		return 0
	}
	n := 0
	for _, c := range head[dash+1:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
