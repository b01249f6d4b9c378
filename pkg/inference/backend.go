package inference

import (
	"context"
	"io"
	"net/http"

	"github.com/lemonade-sdk/lemonade-router/pkg/supervisor"
)

// InstallOutcome reports the result of an idempotent engine install.
type InstallOutcome struct {
	// Upgraded is true when the on-disk engine was replaced with a newer
	// pinned release during this call.
	Upgraded bool
	// Version is the installed engine version.
	Version string
}

// Backend is the adapter contract for one engine family. Implementations
// need not be safe for concurrent invocation; the loader serializes calls
// per model. The engine server itself must support concurrent requests.
type Backend interface {
	// Recipe returns the recipe tag this adapter serves. It is all
	// lowercase and usable as a path component under the binary cache.
	Recipe() string

	// Capabilities returns the set of operation families the engine
	// implements.
	Capabilities() CapabilitySet

	// EndpointMap maps logical operations onto child-side request paths.
	// Operations absent from the map fail with an unsupported_operation
	// error before any forwarding happens.
	EndpointMap() map[Operation]string

	// ReadinessPath is the child-side path polled to decide readiness.
	ReadinessPath() string

	// EnsureInstalled makes sure the engine binary selected by the
	// effective options exists at the pinned version, downloading and
	// extracting a release when needed. It is idempotent and must not
	// leave a half-extracted cache behind on failure. The provided client
	// is used for all HTTP operations.
	EnsureInstalled(ctx context.Context, httpClient *http.Client, opts Options) (InstallOutcome, error)

	// BuildSpawn translates a model plus effective options into a spawn
	// specification for the chosen port. Adapters with cross-model state
	// may trigger auxiliary downloads here before the child starts.
	BuildSpawn(info ModelInfo, opts Options, port int, logSink io.Writer) (supervisor.Spec, error)

	// UsesNPU reports whether an instance with the given effective options
	// would occupy the NPU device. At most one NPU-using instance may be
	// loaded across the whole cache.
	UsesNPU(opts Options) bool

	// InvalidatesOnUpgrade reports whether an engine upgrade invalidates
	// every previously loaded model of this recipe. The loader evicts all
	// same-recipe instances before using the upgraded engine.
	InvalidatesOnUpgrade() bool

	// Status describes the adapter's install state for diagnostics.
	Status() string
}
