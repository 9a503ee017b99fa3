package registry

import (
	"strings"

	"chatd/pkg/types"
)

// familyRule maps a filename substring to a family tag. Rules are evaluated
// in order; the first match wins, so more specific substrings come first.
type familyRule struct {
	substr string
	family types.Family
}

// familyRules is the fixed-priority inference table. "mixtral" must precede
// "mistral" and "tinyllama" is covered by the plain "llama" rule.
var familyRules = []familyRule{
	{"deepseek", types.FamilyDeepSeek},
	{"qwen", types.FamilyQwen},
	{"mixtral", types.FamilyMistral},
	{"mistral", types.FamilyMistral},
	{"gemma", types.FamilyGemma},
	{"phi", types.FamilyPhi},
	{"llama", types.FamilyLlama},
}

// InferFamily guesses the model family from an artifact filename by
// case-insensitive substring matching. Returns FamilyUnknown when no rule
// matches.
func InferFamily(filename string) types.Family {
	lower := strings.ToLower(filename)
	for _, r := range familyRules {
		if strings.Contains(lower, r.substr) {
			return r.family
		}
	}
	return types.FamilyUnknown
}

// KnownFamilies lists the families the inference table can produce, in rule
// priority order, without duplicates.
func KnownFamilies() []types.Family {
	seen := make(map[types.Family]bool, len(familyRules))
	out := make([]types.Family, 0, len(familyRules))
	for _, r := range familyRules {
		if seen[r.family] {
			continue
		}
		seen[r.family] = true
		out = append(out, r.family)
	}
	return out
}
