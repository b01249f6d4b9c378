// Package inference defines the shared vocabulary of the router: model
// metadata, model types, backend capabilities, logical operations, recipe
// options and error kinds. Backend adapters and the scheduler both build on
// this package.
package inference

import (
	"slices"
)

// ModelType partitions loaded models into cache slots. Exactly one type is
// derived per model from its labels and recipe.
type ModelType string

const (
	ModelTypeLLM       ModelType = "llm"
	ModelTypeEmbedding ModelType = "embedding"
	ModelTypeReranking ModelType = "reranking"
	ModelTypeAudio     ModelType = "audio"
	ModelTypeImage     ModelType = "image"
	ModelTypeTTS       ModelType = "tts"
)

// ModelTypes lists every type, in the order health reports them.
var ModelTypes = []ModelType{
	ModelTypeLLM,
	ModelTypeEmbedding,
	ModelTypeReranking,
	ModelTypeAudio,
	ModelTypeImage,
	ModelTypeTTS,
}

// Recipe tags selecting a backend adapter family.
const (
	RecipeLlamaCpp   = "llamacpp"
	RecipeFLM        = "flm"
	RecipeRyzenAILLM = "ryzenai-llm"
	RecipeWhisperCpp = "whispercpp"
	RecipeSDCpp      = "sd-cpp"
	RecipeKokoro     = "kokoro"
)

// Labels with routing significance.
const (
	LabelReasoning  = "reasoning"
	LabelVision     = "vision"
	LabelEmbeddings = "embeddings"
	LabelReranking  = "reranking"
	LabelAudio      = "audio"
	LabelImage      = "image"
)

// ImageDefaults are per-model defaults for image generation.
type ImageDefaults struct {
	Steps    int     `json:"steps,omitempty"`
	CFGScale float64 `json:"cfg_scale,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

// ModelInfo is one registry record. It is immutable per registry read.
type ModelInfo struct {
	// ID is the stable name used in the API model field. User-registered
	// entries carry a "user." prefix, directory-scanned ones "extra.".
	ID string `json:"id"`
	// Checkpoint is the upstream identifier. For GGUF recipes it has the
	// form repo:variant and the variant is required.
	Checkpoint string `json:"checkpoint"`
	// Recipe selects the backend adapter family.
	Recipe string `json:"recipe"`
	// Labels tag the model's capabilities plus cosmetic tags.
	Labels []string `json:"labels,omitempty"`
	// SizeGB is the approximate on-disk size.
	SizeGB float64 `json:"size_gb,omitempty"`
	// Downloaded reports whether the weights are present locally.
	Downloaded bool `json:"downloaded"`
	// Suggested marks curated entries in the built-in catalog.
	Suggested bool `json:"suggested,omitempty"`
	// MMProj optionally references a multimodal projector file.
	MMProj string `json:"mmproj,omitempty"`
	// ImageDefaults carries per-model image sampling defaults.
	ImageDefaults *ImageDefaults `json:"image_defaults,omitempty"`

	// paths maps an engine role (main, text_encoder, vae, ...) to an
	// on-disk file. Populated by the registry at read time, never persisted.
	Paths map[string]string `json:"-"`
}

// HasLabel reports whether the model carries the given label.
func (m ModelInfo) HasLabel(label string) bool {
	return slices.Contains(m.Labels, label)
}

// ResolvedPath resolves an engine role to an on-disk path. The empty string
// means the role has no local file.
func (m ModelInfo) ResolvedPath(role string) string {
	return m.Paths[role]
}

// RoleMain is the primary weights file role.
const RoleMain = "main"

// Type derives the model's cache slot type. Precedence: embeddings label,
// reranking label, audio label or whispercpp recipe, image label or sd-cpp
// recipe, kokoro recipe, else llm.
func (m ModelInfo) Type() ModelType {
	switch {
	case m.HasLabel(LabelEmbeddings):
		return ModelTypeEmbedding
	case m.HasLabel(LabelReranking):
		return ModelTypeReranking
	case m.HasLabel(LabelAudio) || m.Recipe == RecipeWhisperCpp:
		return ModelTypeAudio
	case m.HasLabel(LabelImage) || m.Recipe == RecipeSDCpp:
		return ModelTypeImage
	case m.Recipe == RecipeKokoro:
		return ModelTypeTTS
	default:
		return ModelTypeLLM
	}
}

// Operation names a logical inference operation the router can forward.
type Operation string

const (
	OpChatCompletion      Operation = "chat_completion"
	OpCompletion          Operation = "completion"
	OpResponses           Operation = "responses"
	OpEmbeddings          Operation = "embeddings"
	OpReranking           Operation = "reranking"
	OpAudioTranscriptions Operation = "audio_transcriptions"
	OpAudioSpeech         Operation = "audio_speech"
	OpImagesGenerations   Operation = "images_generations"
)

// Capability describes one family of operations a backend implements.
type Capability uint8

const (
	CapCompletion Capability = 1 << iota
	CapEmbeddings
	CapReranking
	CapAudioTranscription
	CapSpeechSynthesis
	CapImageGeneration
)

// CapabilitySet is a bit set of capabilities.
type CapabilitySet uint8

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool {
	return uint8(s)&uint8(c) != 0
}

// Caps builds a capability set.
func Caps(caps ...Capability) CapabilitySet {
	var s uint8
	for _, c := range caps {
		s |= uint8(c)
	}
	return CapabilitySet(s)
}
