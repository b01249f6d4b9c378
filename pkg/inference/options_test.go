package inference

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		recipe  string
		opts    Options
		wantErr bool
	}{
		{
			name:   "llamacpp valid",
			recipe: RecipeLlamaCpp,
			opts:   Options{OptionCtxSize: 8192, OptionLlamaCppBackend: "vulkan"},
		},
		{
			name:    "llamacpp unknown key",
			recipe:  RecipeLlamaCpp,
			opts:    Options{"steps": 4},
			wantErr: true,
		},
		{
			name:    "llamacpp reserved arg",
			recipe:  RecipeLlamaCpp,
			opts:    Options{OptionLlamaCppArgs: "--port 9999"},
			wantErr: true,
		},
		{
			name:    "llamacpp reserved arg with equals",
			recipe:  RecipeLlamaCpp,
			opts:    Options{OptionLlamaCppArgs: "--ctx-size=8192"},
			wantErr: true,
		},
		{
			name:   "llamacpp benign args",
			recipe: RecipeLlamaCpp,
			opts:   Options{OptionLlamaCppArgs: "--threads 8 --no-mmap"},
		},
		{
			name:    "llamacpp bad backend",
			recipe:  RecipeLlamaCpp,
			opts:    Options{OptionLlamaCppBackend: "cuda"},
			wantErr: true,
		},
		{
			name:   "whispercpp npu",
			recipe: RecipeWhisperCpp,
			opts:   Options{OptionWhisperCppBackend: "npu"},
		},
		{
			name:    "whispercpp bad backend",
			recipe:  RecipeWhisperCpp,
			opts:    Options{OptionWhisperCppBackend: "gpu"},
			wantErr: true,
		},
		{
			name:   "sd-cpp valid",
			recipe: RecipeSDCpp,
			opts:   Options{OptionSteps: 20, OptionCFGScale: 7.5, OptionWidth: 512, OptionHeight: 768},
		},
		{
			name:    "sd-cpp width not multiple of 64",
			recipe:  RecipeSDCpp,
			opts:    Options{OptionWidth: 500},
			wantErr: true,
		},
		{
			name:    "sd-cpp zero steps",
			recipe:  RecipeSDCpp,
			opts:    Options{OptionSteps: 0},
			wantErr: true,
		},
		{
			name:    "sd-cpp negative cfg",
			recipe:  RecipeSDCpp,
			opts:    Options{OptionCFGScale: -1.0},
			wantErr: true,
		},
		{
			name:    "kokoro rejects everything",
			recipe:  RecipeKokoro,
			opts:    Options{OptionCtxSize: 4096},
			wantErr: true,
		},
		{
			name:   "save_options accepted everywhere",
			recipe: RecipeKokoro,
			opts:   Options{OptionSaveOptions: true},
		},
		{
			name:    "save_options must be bool",
			recipe:  RecipeFLM,
			opts:    Options{OptionSaveOptions: "yes"},
			wantErr: true,
		},
		{
			name:    "unknown recipe",
			recipe:  "onnx",
			opts:    Options{},
			wantErr: true,
		},
		{
			name:   "json numbers accepted for ints",
			recipe: RecipeFLM,
			opts:   Options{OptionCtxSize: float64(2048)},
		},
		{
			name:    "fractional rejected for ints",
			recipe:  RecipeFLM,
			opts:    Options{OptionCtxSize: 2048.5},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOptions(tt.recipe, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindBadRequest, KindOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMergeOptionsPrecedence(t *testing.T) {
	defaults := Options{OptionCtxSize: 4096, OptionLlamaCppBackend: "cpu"}
	global := Options{OptionLlamaCppBackend: "vulkan"}
	stored := Options{OptionCtxSize: 8192}
	request := Options{OptionCtxSize: 2048, OptionSaveOptions: true}

	got := MergeOptions(request, stored, global, defaults)
	want := Options{
		OptionCtxSize:         2048,
		OptionLlamaCppBackend: "vulkan",
		OptionSaveOptions:     true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged options mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeOptionsDropsStoredSaveOptions(t *testing.T) {
	// save_options only has effect when the request itself carries it.
	got := MergeOptions(nil, Options{OptionSaveOptions: true}, nil, nil)
	assert.False(t, SaveRequested(got))
}

func TestModelTypePrecedence(t *testing.T) {
	tests := []struct {
		name string
		info ModelInfo
		want ModelType
	}{
		{"plain llm", ModelInfo{Recipe: RecipeLlamaCpp}, ModelTypeLLM},
		{"embeddings label wins over vision", ModelInfo{Recipe: RecipeLlamaCpp, Labels: []string{LabelVision, LabelEmbeddings}}, ModelTypeEmbedding},
		{"reranking", ModelInfo{Recipe: RecipeLlamaCpp, Labels: []string{LabelReranking}}, ModelTypeReranking},
		{"whisper recipe implies audio", ModelInfo{Recipe: RecipeWhisperCpp}, ModelTypeAudio},
		{"audio label on llamacpp", ModelInfo{Recipe: RecipeLlamaCpp, Labels: []string{LabelAudio}}, ModelTypeAudio},
		{"sd recipe implies image", ModelInfo{Recipe: RecipeSDCpp}, ModelTypeImage},
		{"kokoro implies tts", ModelInfo{Recipe: RecipeKokoro}, ModelTypeTTS},
		{"npu llm", ModelInfo{Recipe: RecipeFLM}, ModelTypeLLM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Type())
		})
	}
}

func TestCapabilitySet(t *testing.T) {
	s := Caps(CapCompletion, CapEmbeddings)
	assert.True(t, s.Has(CapCompletion))
	assert.True(t, s.Has(CapEmbeddings))
	assert.False(t, s.Has(CapImageGeneration))
}
