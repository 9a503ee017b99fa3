package chat

import (
	"sync"

	"chatd/pkg/types"
)

// Turn is one message in the conversation. Assistant turns are mutated in
// place while a completion streams; once Done they only change via
// RevealReasoning.
type Turn struct {
	Role              types.Role
	Visible           string
	Reasoning         string
	ReasoningRevealed bool
	// TokensPerSec is the throughput attributed to this turn; set on
	// completed assistant turns only.
	TokensPerSec float64
	// Done marks the end of streaming for an assistant turn.
	Done bool
}

// Log is the ordered, append-only conversation record. The first turn is a
// fixed system turn that survives Reset.
type Log struct {
	mu           sync.Mutex
	systemPrompt string
	turns        []Turn
}

// NewLog builds a log seeded with the system turn.
func NewLog(systemPrompt string) *Log {
	l := &Log{systemPrompt: systemPrompt}
	l.turns = []Turn{{Role: types.RoleSystem, Visible: systemPrompt, Done: true}}
	return l
}

// Append adds a turn and returns its index.
func (l *Log) Append(role types.Role, visible string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, Turn{Role: role, Visible: visible, Done: role != types.RoleAssistant})
	return len(l.turns) - 1
}

// SetStreaming overwrites the in-flight turn's visible and reasoning text.
func (l *Log) SetStreaming(idx int, visible, reasoning string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.turns) {
		return
	}
	l.turns[idx].Visible = visible
	l.turns[idx].Reasoning = reasoning
}

// AppendVisible appends text to a turn's visible content (cancellation
// notice, folded errors).
func (l *Log) AppendVisible(idx int, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.turns) {
		return
	}
	l.turns[idx].Visible += text
}

// Complete marks an assistant turn done and attributes its throughput.
func (l *Log) Complete(idx int, tokensPerSec float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.turns) {
		return
	}
	l.turns[idx].Done = true
	l.turns[idx].TokensPerSec = tokensPerSec
}

// RevealReasoning toggles whether a turn's reasoning is exposed in views.
func (l *Log) RevealReasoning(idx int, revealed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.turns) {
		return
	}
	l.turns[idx].ReasoningRevealed = revealed
}

// Turn returns a copy of the turn at idx.
func (l *Log) Turn(idx int) (Turn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.turns) {
		return Turn{}, false
	}
	return l.turns[idx], true
}

// Turns returns a copy of all turns.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len reports the number of turns including the system turn.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Messages projects the log into the role-tagged history handed to the
// engine. Reasoning never travels back into the prompt.
func (l *Log) Messages() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Message, 0, len(l.turns))
	for _, t := range l.turns {
		out = append(out, types.Message{Role: t.Role, Content: t.Visible})
	}
	return out
}

// Reset drops everything but the system turn. Called when a model is
// unloaded or the user clears the conversation.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = []Turn{{Role: types.RoleSystem, Visible: l.systemPrompt, Done: true}}
}
