package context

import (
	"context"
	"strings"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/bus"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/tokencount"
	"github.com/osacore/osa/pkg/models"
)

// Level names the four conversation-usage bands.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarm     Level = "warm"     // >= 50%: UI hint only
	LevelPressure Level = "pressure" // >= 70%: system event, no mutation
	LevelSoft     Level = "soft"     // >= 85%: summarize oldest 50%
	LevelHard     Level = "hard"     // >= 95%: summarize oldest 70%
)

// Summarizer performs the single low-temperature LLM call that
// compresses dropped messages into one summary message.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message) (string, error)
}

const summaryPrompt = "Summarize the conversation so far for continuity. " +
	"Preserve decisions made, tool outcomes, and open questions. Be concise."

// ProviderSummarizer implements Summarizer via a single low-temperature
// provider.Registry.Chat call. It is routed to TierUtility, the same
// tier the signal classifier uses, since summarization is a cheap,
// bounded-output task.
type ProviderSummarizer struct {
	Registry *provider.Registry
}

func (p *ProviderSummarizer) Summarize(ctx context.Context, messages []*models.Message) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	resp, cerr := p.Registry.Chat(ctx, []agent.CompletionMessage{{Role: string(models.RoleUser), Content: sb.String()}}, summaryPrompt, provider.ChatOpts{
		Tier:        provider.TierUtility,
		Temperature: 0,
		MaxTokens:   512,
	})
	if cerr != nil {
		return "", cerr
	}
	return resp.Content, nil
}

// Compactor implements the threshold-triggered compaction contract,
// invoked from the agent loop before each provider call.
//
// Grounded on internal/agent/compaction.go's CompactionManager (the
// percentage-threshold-against-a-packer shape) and
// internal/compaction/compaction.go (the chunked-summarization and
// drop-oldest-half-on-failure behavior), combined and retargeted at
// four explicit bands rather than a single configurable threshold.
type Compactor struct {
	est        *tokencount.Estimator
	summarizer Summarizer
	b          *bus.Bus
	window     int // conversation token window the percentages are against
}

// NewCompactor creates a Compactor. b may be nil (no system events
// emitted); summarizer may be nil (compaction always falls back to
// drop-oldest-half).
func NewCompactor(model string, contextWindow int, summarizer Summarizer, b *bus.Bus) *Compactor {
	if contextWindow <= 0 {
		contextWindow = 100000
	}
	return &Compactor{est: tokencount.New(model), summarizer: summarizer, b: b, window: contextWindow}
}

// Outcome is the result of a Check/Compact cycle.
type Outcome struct {
	Level    Level
	Messages []*models.Message // unchanged unless Level is Soft or Hard
	Mutated  bool
}

// Check evaluates conversation-only token usage (excluding the system
// prefix) against the four bands and, for Soft/Hard, performs the
// compaction.
func (c *Compactor) Check(ctx context.Context, sessionID string, history []*models.Message) Outcome {
	used := 0
	for _, m := range history {
		used += c.est.Count(m.Content)
	}
	pct := float64(used) / float64(c.window)

	switch {
	case pct >= 0.95:
		return Outcome{Level: LevelHard, Messages: c.compact(ctx, history, 0.70), Mutated: true}
	case pct >= 0.85:
		return Outcome{Level: LevelSoft, Messages: c.compact(ctx, history, 0.50), Mutated: true}
	case pct >= 0.70:
		c.emit(sessionID, "context_pressure", pct)
		return Outcome{Level: LevelPressure, Messages: history}
	case pct >= 0.50:
		return Outcome{Level: LevelWarm, Messages: history}
	default:
		return Outcome{Level: LevelNone, Messages: history}
	}
}

func (c *Compactor) emit(sessionID, event string, pct float64) {
	if c.b == nil {
		return
	}
	c.b.Emit(bus.TopicSystemEvent, bus.SystemEventPayload{
		Event:  event,
		Fields: map[string]any{"session_id": sessionID, "usage_pct": pct},
	})
}

// compact replaces the oldest dropFrac fraction of messages with a
// single summary system message, retaining the rest verbatim. On
// summarizer failure (or absence) it falls back to dropping the oldest
// half of messages verbatim, logging via a system event — compaction
// is never silent.
func (c *Compactor) compact(ctx context.Context, history []*models.Message, dropFrac float64) []*models.Message {
	if len(history) == 0 {
		return history
	}

	cut := int(float64(len(history)) * dropFrac)
	if cut <= 0 {
		return history
	}
	if cut >= len(history) {
		cut = len(history) - 1
	}

	dropped := history[:cut]
	kept := history[cut:]

	if c.summarizer != nil {
		if text, err := c.summarizer.Summarize(ctx, dropped); err == nil {
			summary := &models.Message{
				Role:     models.RoleSystem,
				Content:  text,
				Metadata: map[string]any{"compaction_summary": true},
			}
			return append([]*models.Message{summary}, kept...)
		}
	}

	c.emit("", "compaction_summary_failed_dropping_oldest", dropFrac)
	return kept
}
