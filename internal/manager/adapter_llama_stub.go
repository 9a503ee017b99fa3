//go:build !llama

package manager

import (
	"context"
)

// This file provides a no-CGO stub for the llama adapter. It is compiled
// when the 'llama' build tag is NOT set, keeping default builds and CI
// CGO-free. The real adapter lives in adapter_llama.go (tagged 'llama').

// llamaAdapter refuses to load without the 'llama' build tag. This avoids
// any mocked behavior in binaries built without CGO support.
type llamaAdapter struct {
	ctxSize int
	threads int
}

// NewLlamaAdapter constructs the in-process llama.cpp adapter.
func NewLlamaAdapter(ctxSize, threads int) EngineAdapter {
	return &llamaAdapter{ctxSize: ctxSize, threads: threads}
}

func (a *llamaAdapter) Load(ctx context.Context, modelPath string) (Engine, error) {
	// Fail fast: llama runtime not available in this build.
	return nil, ErrEngineUnavailable("llama support not built (missing 'llama' build tag)")
}
