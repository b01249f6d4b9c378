package scheduling

import (
	"encoding/json"
	"net/http"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
)

// maximumInferenceRequestSize bounds inference request bodies. Audio
// uploads are the largest legitimate payloads.
const maximumInferenceRequestSize = 100 * 1024 * 1024

// OpenAIInferenceRequest is the portion of an inference request body the
// router itself reads; the rest is forwarded untouched.
type OpenAIInferenceRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// PullRequest registers and/or downloads a model.
type PullRequest struct {
	ModelName  string `json:"model_name"`
	Stream     bool   `json:"stream,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Recipe     string `json:"recipe,omitempty"`
	Reasoning  bool   `json:"reasoning,omitempty"`
	Vision     bool   `json:"vision,omitempty"`
	Embedding  bool   `json:"embedding,omitempty"`
	Reranking  bool   `json:"reranking,omitempty"`
	MMProj     string `json:"mmproj,omitempty"`
	// LocalImport marks the checkpoint as a pre-existing local file
	// rather than a hub reference.
	LocalImport bool `json:"local_import,omitempty"`
}

// DeleteRequest removes a model's local files and user registration.
type DeleteRequest struct {
	ModelName string `json:"model_name"`
}

// LoadRequest pre-warms a model. Recipe-specific options ride alongside
// model_name at the top level of the body.
type LoadRequest struct {
	ModelName string
	Options   inference.Options
}

// UnmarshalJSON splits model_name from the free-form option keys.
func (l *LoadRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if name, ok := raw["model_name"].(string); ok {
		l.ModelName = name
	}
	delete(raw, "model_name")
	l.Options = inference.Options(raw)
	return nil
}

// UnloadRequest evicts one model, or everything when model_name is empty.
type UnloadRequest struct {
	ModelName string `json:"model_name,omitempty"`
}

// HealthResponse reports the loaded-model inventory.
type HealthResponse struct {
	Status          string           `json:"status"`
	ModelLoaded     []string         `json:"model_loaded"`
	AllModelsLoaded []InstanceStatus `json:"all_models_loaded"`
	MaxModels       map[string]int   `json:"max_models"`
}

// errorBody is the wire form of a router error.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// writeError renders err as the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := inference.KindOf(err)
	var body errorBody
	body.Error.Message = err.Error()
	body.Error.Type = string(kind)
	body.Error.Code = inference.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(inference.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSON renders a 200 JSON response.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
