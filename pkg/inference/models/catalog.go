package models

import (
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/lemonade-sdk/lemonade-router/pkg/inference"
)

// builtinModelsJSON is the curated catalog embedded at build time.
//
//go:embed builtin_models.json
var builtinModelsJSON []byte

var (
	builtinOnce sync.Once
	builtinList []inference.ModelInfo
)

// builtinCatalog returns the embedded catalog, parsed once.
func builtinCatalog() []inference.ModelInfo {
	builtinOnce.Do(func() {
		if err := json.Unmarshal(builtinModelsJSON, &builtinList); err != nil {
			// The embedded catalog is validated by tests; a parse failure
			// here is a build defect.
			panic("embedded model catalog is malformed: " + err.Error())
		}
	})
	return builtinList
}
