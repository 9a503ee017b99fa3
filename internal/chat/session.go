package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/pkg/types"
)

// cancelNotice is appended to the turn when the user stops generation.
// Text streamed before the stop request stays intact.
const cancelNotice = "\n[generation stopped by user]"

// interruptNotice marks a cancellation the user did not ask for: client
// disconnect or daemon shutdown pulling the context.
const interruptNotice = "\n[generation interrupted]"

// GenOptions are the knobs a completion request passes to the engine.
type GenOptions struct {
	MaxTokens int
	Stop      []string
}

// Timings is the engine's end-of-generation accounting.
type Timings struct {
	TokensPerSec     float64
	CompletionTokens int
}

// Generator is the generation capability a loaded engine exposes: it emits
// token fragments in order and reports timings at the end. Stop is a
// best-effort request; the session stays consistent whether or not the
// engine honors it promptly.
type Generator interface {
	Generate(ctx context.Context, history []types.Message, opts GenOptions, onToken func(string) error) (Timings, error)
	Stop()
}

// Update is the immutable per-fragment snapshot handed to the observer.
type Update struct {
	TurnIndex int
	Token     string
	Visible   string
	Reasoning string
}

// Session runs one user-turn-to-assistant-turn cycle. Only one Session may
// be active at a time; the call site enforces that, mirroring the
// at-most-one-loaded-model rule.
type Session struct {
	log *Log
	gen Generator
	zl  zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
	turnIdx  int
}

// NewSession binds a session to the conversation log and a generator.
func NewSession(log *Log, gen Generator, zl zerolog.Logger) *Session {
	return &Session{
		log:     log,
		gen:     gen,
		zl:      zl.With().Str("component", "chat").Logger(),
		turnIdx: -1,
	}
}

// Cancel asks the engine to stop producing tokens and appends the
// cancellation notice once generation winds down. Safe to call from another
// goroutine while Run is in flight.
func (s *Session) Cancel() {
	s.mu.Lock()
	already := s.canceled
	s.canceled = true
	cancel := s.cancel
	s.mu.Unlock()
	if already {
		return
	}
	s.gen.Stop()
	if cancel != nil {
		cancel()
	}
}

// Run appends the user turn and an empty assistant anchor turn, streams
// token fragments through the parser into that turn, and attributes
// throughput when generation ends. onUpdate (optional) observes a snapshot
// after each fragment. Token events apply to the turn in strict arrival
// order.
func (s *Session) Run(ctx context.Context, content string, opts GenOptions, onUpdate func(Update)) (Timings, error) {
	s.log.Append(types.RoleUser, content)
	history := s.log.Messages()
	idx := s.log.Append(types.RoleAssistant, "")

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.turnIdx = idx
	s.mu.Unlock()

	parser := NewStreamParser()
	tokens := 0
	start := time.Now()

	onToken := func(tok string) error {
		tokens++
		parser.Feed(tok)
		visible, reasoning := parser.Visible(), parser.Reasoning()
		s.log.SetStreaming(idx, visible, reasoning)
		if onUpdate != nil {
			onUpdate(Update{TurnIndex: idx, Token: tok, Visible: visible, Reasoning: reasoning})
		}
		return nil
	}

	timings, genErr := s.gen.Generate(genCtx, history, opts, onToken)

	parser.Finalize()
	s.log.SetStreaming(idx, parser.Visible(), parser.Reasoning())

	s.mu.Lock()
	userCanceled := s.canceled
	s.mu.Unlock()
	interrupted := !userCanceled && errors.Is(genCtx.Err(), context.Canceled)
	canceled := userCanceled || interrupted

	if userCanceled {
		s.log.AppendVisible(idx, cancelNotice)
		genErr = nil
	} else if interrupted {
		s.log.AppendVisible(idx, interruptNotice)
		genErr = nil
	} else if genErr != nil {
		// Once streaming has begun the conversation is the record of what
		// happened; fold the failure into the turn instead of a side channel.
		s.log.AppendVisible(idx, fmt.Sprintf("\n[generation failed: %v]", genErr))
		s.zl.Error().Err(genErr).Int("turn", idx).Msg("generation failed mid-stream")
	}

	if timings.TokensPerSec == 0 && tokens > 0 {
		if elapsed := time.Since(start).Seconds(); elapsed > 0 {
			timings.TokensPerSec = float64(tokens) / elapsed
		}
	}
	if timings.CompletionTokens == 0 {
		timings.CompletionTokens = tokens
	}
	s.log.Complete(idx, timings.TokensPerSec)
	s.zl.Info().Int("turn", idx).Int("tokens", tokens).
		Float64("tok_per_sec", timings.TokensPerSec).Bool("canceled", canceled).
		Msg("completion finished")
	return timings, genErr
}

// TurnIndex reports which log index this session is (or was) streaming into.
func (s *Session) TurnIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnIdx
}
