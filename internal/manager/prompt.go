package manager

import (
	"strings"

	"chatd/pkg/types"
)

// buildPrompt flattens a role-tagged history into a ChatML-style prompt for
// runtimes that take raw text. Server-backed engines send the history as-is
// and never call this.
func buildPrompt(history []types.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString("<|im_start|>")
		b.WriteString(string(m.Role))
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}
