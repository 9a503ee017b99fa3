package types

// PullRequest asks the daemon to fetch a model artifact.
type PullRequest struct {
	// Filename to store the artifact under.
	// example: qwen2-instruct-q4.gguf
	Filename string `json:"filename" example:"qwen2-instruct-q4.gguf"`
	// URL is the source location of the artifact bytes.
	// example: https://example.com/models/qwen2-instruct-q4.gguf
	URL string `json:"url" example:"https://example.com/models/qwen2-instruct-q4.gguf"`
}

// PullProgress is one NDJSON line emitted while a pull is in flight.
type PullProgress struct {
	// Fractional progress in [0,1]; monotonically non-decreasing.
	// example: 0.42
	Progress float64 `json:"progress"`
	// Done is true on the final line.
	Done bool `json:"done,omitempty"`
	// Record is present on the final line.
	Record *ArtifactRecord `json:"record,omitempty"`
	// Skipped is true when the file already existed and no transfer ran.
	Skipped bool `json:"skipped,omitempty"`
	// Error carries the transfer failure cause on a final failure line.
	// example: download failed: unexpected status 404 Not Found from source
	Error string `json:"error,omitempty"`
}

// LoadRequest selects the artifact to load into the engine.
type LoadRequest struct {
	// Filename of a locally present artifact.
	// example: qwen2-instruct-q4.gguf
	Filename string `json:"filename" example:"qwen2-instruct-q4.gguf"`
}

// ChatRequest submits one user turn for completion.
type ChatRequest struct {
	// Content of the user message.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
	// MaxTokens caps generation length; 0 uses the server default.
	// example: 512
	MaxTokens int `json:"max_tokens,omitempty" example:"512"`
	// Stop sequences; generation halts when any is produced.
	Stop []string `json:"stop,omitempty"`
}

// ChatEvent is one NDJSON line of a streaming chat response.
type ChatEvent struct {
	// Token fragment as received from the engine (may be empty on the
	// final line).
	Token string `json:"token,omitempty"`
	// Visible is the assistant turn's user-facing text so far.
	Visible string `json:"visible"`
	// Reasoning is the extracted reasoning span, if one has closed.
	Reasoning string `json:"reasoning,omitempty"`
	// Done is true on the final line.
	Done bool `json:"done,omitempty"`
	// TokensPerSec is the turn's throughput, present when done.
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
}

// ModelEntry is one row of GET /models: a metadata record plus live state.
type ModelEntry struct {
	ArtifactRecord
	// Loaded is true when this artifact backs the current session.
	Loaded bool `json:"loaded"`
	// Present is true when the file exists on disk right now.
	Present bool `json:"present"`
}

// ModelsResponse wraps the list returned by GET /models.
type ModelsResponse struct {
	Models []ModelEntry `json:"models"`
}

// CatalogResponse lists candidate artifact filenames for a family.
type CatalogResponse struct {
	Family Family `json:"family"`
	// Filenames offered by the remote catalog, or known locally when the
	// catalog is unreachable.
	Filenames []string `json:"filenames"`
	// Offline is true when the remote catalog could not be reached and the
	// response fell back to local records.
	Offline bool `json:"offline,omitempty"`
}

// TurnView is a read-only projection of one conversation turn.
type TurnView struct {
	Role    Role   `json:"role"`
	Visible string `json:"visible"`
	// Reasoning is included only when revealed.
	Reasoning string `json:"reasoning,omitempty"`
	// TokensPerSec is set on completed assistant turns.
	TokensPerSec float64 `json:"tokens_per_sec,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Session state: unloaded, loading, ready or failed.
	// example: ready
	State string `json:"state" example:"ready"`
	// LoadedModel is the filename backing the session, when any.
	LoadedModel string `json:"loaded_model,omitempty"`
	// LastError observed by the session manager, if any.
	LastError string `json:"last_error,omitempty"`
	// Turns currently in the conversation log.
	Turns int `json:"turns"`
	// ChatActive is true while a completion is streaming.
	ChatActive bool `json:"chat_active"`
	// PullActive is true while a download is in flight.
	PullActive bool `json:"pull_active"`
	// Uptime of the daemon in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: artifact not found: foo.gguf
	Error string `json:"error" example:"artifact not found: foo.gguf"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}
