package types

import "time"

// Family is the named model lineage an artifact belongs to. It is inferred
// from the filename when no authoritative source exists (see registry rules).
type Family string

const (
	FamilyLlama    Family = "llama"
	FamilyMistral  Family = "mistral"
	FamilyQwen     Family = "qwen"
	FamilyPhi      Family = "phi"
	FamilyGemma    Family = "gemma"
	FamilyDeepSeek Family = "deepseek"
	FamilyUnknown  Family = "unknown"
)

// ArtifactRecord describes one model file tracked in the local metadata store.
// The filesystem is the source of truth for existence; the record is the
// source of truth for provenance.
type ArtifactRecord struct {
	// Filename of the artifact, unique key within the store.
	// example: qwen2-instruct-q4.gguf
	Filename string `json:"filename" example:"qwen2-instruct-q4.gguf"`
	// Family the artifact belongs to.
	// example: qwen
	Family Family `json:"family" example:"qwen"`
	// DownloadDate records when the artifact was fetched; approximate for
	// files discovered by reconciliation.
	DownloadDate time.Time `json:"download_date"`
	// SizeBytes is nil until the size has been observed; backfilled
	// opportunistically.
	SizeBytes *int64 `json:"size_bytes,omitempty" example:"4368439552"`
}

// Role attributes a conversation turn to its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of the history handed to the engine.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
