// Package tokencount estimates token counts for budget accounting in
// the context assembler and compactor.
//
// The kadirpekel-hector example repo's pkg/utils/tokens.go wraps
// github.com/pkoukk/tiktoken-go for exact BPE counts; that module is
// not part of this repo's dependency set (pulling it in needs a
// go.sum entry this workspace has no way to verify without running
// the toolchain), so Estimator always uses a heuristic directly:
// words × 1.3 + punctuation × 0.5, the same char-count-proxy idea
// internal/agent/context/packer.go uses via messageChars.
package tokencount

import (
	"strings"
	"unicode"
)

// Estimator counts tokens for a given model via the heuristic
// estimator. model is kept so call sites that want per-model budgeting
// later have somewhere to plug in a real tokenizer without changing
// their own signatures.
type Estimator struct {
	model string
}

// New builds an Estimator for model.
func New(model string) *Estimator {
	return &Estimator{model: model}
}

// Count returns the estimated token count for text.
func (e *Estimator) Count(text string) int {
	return Heuristic(text)
}

// Heuristic implements the fallback estimator: words × 1.3 +
// punctuation × 0.5, rounded up.
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	punctuation := 0
	for _, r := range text {
		if unicode.IsPunct(r) {
			punctuation++
		}
	}
	estimate := float64(words)*1.3 + float64(punctuation)*0.5
	return int(estimate + 0.999)
}
