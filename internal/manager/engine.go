package manager

import (
	"context"

	"chatd/internal/chat"
	"chatd/pkg/types"
)

// EngineAdapter abstracts the model runtime. Load is potentially slow; the
// session manager exposes Loading as an observable phase while it runs.
type EngineAdapter interface {
	// Load binds the artifact at modelPath into a live engine. The returned
	// Engine owns an exclusive runtime resource until Close.
	Load(ctx context.Context, modelPath string) (Engine, error)
}

// Engine is a loaded model. It satisfies chat.Generator so a completion
// session can stream from it directly.
type Engine interface {
	// Generate streams token fragments for the given role-tagged history.
	// Implementations must return when the context is canceled.
	Generate(ctx context.Context, history []types.Message, opts chat.GenOptions, onToken func(string) error) (chat.Timings, error)
	// Stop is a best-effort request to end the in-flight generation.
	Stop()
	// Close releases the runtime resource. The engine is unusable after.
	Close() error
}
