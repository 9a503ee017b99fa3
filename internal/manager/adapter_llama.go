//go:build llama

package manager

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"chatd/internal/chat"
	"chatd/pkg/types"
)

// llamaAdapter loads models in-process via go-llama.cpp.
type llamaAdapter struct {
	ctxSize int
	threads int
}

// NewLlamaAdapter constructs the in-process llama.cpp adapter.
func NewLlamaAdapter(ctxSize, threads int) EngineAdapter {
	return &llamaAdapter{ctxSize: ctxSize, threads: threads}
}

// llamaEngine owns the loaded model. The underlying context claims exclusive
// memory, which is why the session manager never keeps two of these alive.
type llamaEngine struct {
	model   *llama.LLama
	threads int
	stopped atomic.Bool
}

func (a *llamaAdapter) Load(ctx context.Context, modelPath string) (Engine, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(modelPath, llama.SetContext(a.ctxSize))
	if err != nil {
		return nil, err
	}
	return &llamaEngine{model: m, threads: a.threads}, nil
}

func (e *llamaEngine) Stop() { e.stopped.Store(true) }

func (e *llamaEngine) Generate(ctx context.Context, history []types.Message, opts chat.GenOptions, onToken func(string) error) (chat.Timings, error) {
	if e.model == nil {
		return chat.Timings{}, errors.New("llama model not initialized")
	}
	e.stopped.Store(false)
	tokens := 0
	start := time.Now()

	// Bridge token streaming to onToken; returning false stops prediction,
	// which is how both Stop and context cancellation take effect.
	e.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if e.stopped.Load() {
			return false
		}
		if err := onToken(tok); err != nil {
			return false
		}
		tokens++
		return true
	})

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	threads := e.threads
	if threads <= 0 {
		threads = 4
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTokens),
		llama.SetThreads(threads),
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}

	_, err := e.model.Predict(buildPrompt(history), po...)
	elapsed := time.Since(start).Seconds()
	timings := chat.Timings{CompletionTokens: tokens}
	if elapsed > 0 {
		timings.TokensPerSec = float64(tokens) / elapsed
	}
	if err != nil {
		if ctx.Err() != nil {
			return timings, ctx.Err()
		}
		return timings, err
	}
	return timings, nil
}

func (e *llamaEngine) Close() error {
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}
