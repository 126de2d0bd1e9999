package signal

import (
	"context"
	"strings"
)

// Outcome tags a noise-filter result as one of three branches.
type Outcome string

const (
	OutcomeSignal    Outcome = "signal"
	OutcomeNoise     Outcome = "noise"
	OutcomeUncertain Outcome = "uncertain"
)

// FilterResult is the tagged result of Filter.Check.
type FilterResult struct {
	Outcome Outcome
	Weight  float64
	Reason  string // set when Outcome == OutcomeNoise
}

// Filter implements the two-tier Noise Filter. It never hard-drops a
// message; the Agent Loop treats its result as instrumentation, logging
// and emitting it on the bus while continuing to process the message.
type Filter struct {
	classifier *Classifier
	tier2      Tier2
}

// Tier2 is the optional LLM-based second tier. When nil, uncertain
// Tier-1 outcomes pass through as signal at the Tier-1 weight.
type Tier2 interface {
	Refine(ctx context.Context, text string, tier1Weight float64) (Outcome, float64)
}

// New2 constructs a Filter bound to a Classifier for Tier-1 weight and
// an optional Tier2 implementation.
func NewFilter(classifier *Classifier, tier2 Tier2) *Filter {
	return &Filter{classifier: classifier, tier2: tier2}
}

var greetingOnlyPatterns = []string{
	"hi", "hey", "hello", "yo", "sup", "ok", "okay", "k", "thanks", "thank you",
	"cool", "nice", "great", "👍", "🙏", "❤️", "lol",
}

// Filter assigns a tiered noise outcome to text. ctx is used only if
// Tier 2 is invoked.
func (f *Filter) Filter(ctx context.Context, text string) FilterResult {
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		return FilterResult{Outcome: OutcomeNoise, Reason: "empty"}
	}
	if len(trimmed) < 3 {
		return FilterResult{Outcome: OutcomeNoise, Reason: "too_short"}
	}
	if isGreetingOnly(trimmed) {
		return FilterResult{Outcome: OutcomeNoise, Reason: "greeting"}
	}

	weight := heuristicWeight(trimmed, strings.ToLower(trimmed))
	if f.classifier != nil {
		sig := f.classifier.Classify(ctx, text, "")
		weight = sig.Weight
	}

	switch {
	case weight < 0.3:
		return FilterResult{Outcome: OutcomeNoise, Weight: weight, Reason: "low_weight"}
	case weight < 0.6:
		return f.tier2Resolve(ctx, trimmed, weight)
	default:
		return FilterResult{Outcome: OutcomeSignal, Weight: weight}
	}
}

func (f *Filter) tier2Resolve(ctx context.Context, text string, tier1Weight float64) FilterResult {
	if f.tier2 == nil {
		return FilterResult{Outcome: OutcomeSignal, Weight: tier1Weight}
	}
	outcome, weight := f.tier2.Refine(ctx, text, tier1Weight)
	return FilterResult{Outcome: outcome, Weight: weight}
}

func isGreetingOnly(text string) bool {
	if greetingPattern.MatchString(text) {
		return true
	}
	lower := strings.ToLower(strings.Trim(text, "!.? "))
	for _, p := range greetingOnlyPatterns {
		if lower == p {
			return true
		}
	}
	return false
}
