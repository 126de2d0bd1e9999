// Package context implements the tiered context assembler: given
// (SessionState, Signal) and a token budget, it produces the system
// prompt prefix plus the conversation history passed to the provider.
//
// Grounded on internal/agent/context/packer.go's Packer: the greedy
// from-the-end selection and build-in-reverse-then-reverse-once trick
// are reused verbatim for the conversation-history half of the
// budget. The tiered block assembly (Tier 1-4) that sits in front of
// it is new, since the system prompt packer.go wraps is a single
// fixed string outside its scope.
package context

import (
	"strings"

	"github.com/osacore/osa/internal/tokencount"
	"github.com/osacore/osa/pkg/models"
)

// Tier labels a system-prompt block's priority.
type Tier int

const (
	Tier1Critical Tier = iota
	Tier2High
	Tier3Medium
	Tier4Low
)

// tierPct is the per-tier cap as a fraction of the system budget.
// Tier 1 is uncapped (always included in full); Tier 4 gets whatever
// remains after Tiers 1-3.
var tierPct = map[Tier]float64{
	Tier2High:   0.40,
	Tier3Medium: 0.30,
}

// Block is one named, tiered piece of the system prompt.
type Block struct {
	Tier    Tier
	Name    string
	Content string
}

// Options configures assembly.
type Options struct {
	TotalBudget    int // total system-prompt + history token budget
	ResponseReserve int
	Model          string // passed to tokencount.New for estimation
}

// DefaultOptions mirrors internal/agent/context/packer.go's defaults,
// scaled from chars to tokens (30000 chars ~= 7500 tokens at 4
// chars/token).
func DefaultOptions() Options {
	return Options{TotalBudget: 8000, ResponseReserve: 1024, Model: "gpt-4o"}
}

// Assembled is the Assembler's output: the rendered system prefix plus
// the packed conversation history.
type Assembled struct {
	System  string
	History []*models.Message
}

// Assembler builds the final message list sent to the provider.
type Assembler struct {
	opts Options
	est  *tokencount.Estimator
}

// New creates an Assembler. opts zero-value fields are filled from
// DefaultOptions.
func New(opts Options) *Assembler {
	d := DefaultOptions()
	if opts.TotalBudget <= 0 {
		opts.TotalBudget = d.TotalBudget
	}
	if opts.ResponseReserve <= 0 {
		opts.ResponseReserve = d.ResponseReserve
	}
	if opts.Model == "" {
		opts.Model = d.Model
	}
	return &Assembler{opts: opts, est: tokencount.New(opts.Model)}
}

// blockSeparator joins tiered blocks in the final system prompt.
const blockSeparator = "\n\n---\n\n"

const truncationMarker = "\n[...truncated...]"

// Assemble runs the full §4.7 algorithm: compute conversation tokens,
// derive the system budget, place Tier 1 unconditionally, greedily fit
// Tier 2 then Tier 3 within their percentage caps (truncating
// overflow blocks), then give Tier 4 whatever remains.
func (a *Assembler) Assemble(tier1, tier2, tier3, tier4 []Block, history []*models.Message, incoming *models.Message) Assembled {
	conversationTokens := a.estimateMessages(history) + a.estimateMessage(incoming)

	systemBudget := a.opts.TotalBudget - a.opts.ResponseReserve - conversationTokens
	if systemBudget < 2000 {
		systemBudget = 2000
	}

	var parts []string
	remaining := systemBudget

	for _, b := range tier1 {
		parts = append(parts, b.Content)
		remaining -= a.est.Count(b.Content)
	}

	for _, tierBlocks := range [][]Block{tier2, tier3} {
		if len(tierBlocks) == 0 {
			continue
		}
		pct := tierPct[tierBlocks[0].Tier]
		cap := int(float64(systemBudget) * pct)
		if cap > remaining {
			cap = remaining
		}
		fitted, used := a.fitTier(tierBlocks, cap)
		parts = append(parts, fitted...)
		remaining -= used
	}

	for _, b := range tier4 {
		if remaining <= 0 {
			break
		}
		content := b.Content
		if a.est.Count(content) > remaining {
			content = a.truncateToTokens(content, remaining) + truncationMarker
		}
		parts = append(parts, content)
		remaining -= a.est.Count(content)
	}

	packed := a.packHistory(history, incoming)

	return Assembled{System: strings.Join(parts, blockSeparator), History: packed}
}

// fitTier greedily fits blocks into cap tokens, in listed order,
// truncating (never dropping) the first block that doesn't fully fit
// and stopping there.
func (a *Assembler) fitTier(blocks []Block, cap int) ([]string, int) {
	var out []string
	used := 0
	for _, b := range blocks {
		cost := a.est.Count(b.Content)
		if used+cost <= cap {
			out = append(out, b.Content)
			used += cost
			continue
		}
		remaining := cap - used
		if remaining <= 0 {
			break
		}
		out = append(out, a.truncateToTokens(b.Content, remaining)+truncationMarker)
		used = cap
		break
	}
	return out, used
}

// truncateToTokens trims text to approximately maxTokens using the
// same estimator that built the budget.
func (a *Assembler) truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if a.est.Count(text) <= maxTokens {
		return text
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if a.est.Count(text[:mid]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return text[:lo]
}

func (a *Assembler) estimateMessage(m *models.Message) int {
	if m == nil {
		return 0
	}
	total := a.est.Count(m.Content)
	for _, tc := range m.ToolCalls {
		total += a.est.Count(tc.Name) + a.est.Count(string(tc.Input))
	}
	for _, tr := range m.ToolResults {
		total += a.est.Count(tr.Content)
	}
	return total
}

func (a *Assembler) estimateMessages(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += a.estimateMessage(m)
	}
	return total
}

// packHistory reuses internal/agent/context/packer.go's
// greedy-from-the-end selection, generalized to token budget instead
// of a fixed char budget, since
// the conversation portion of the budget has already been reserved by
// Assemble.
func (a *Assembler) packHistory(history []*models.Message, incoming *models.Message) []*models.Message {
	budget := a.estimateMessages(history) + a.estimateMessage(incoming)

	selectedReverse := make([]*models.Message, 0, len(history))
	used := a.estimateMessage(incoming)
	for i := len(history) - 1; i >= 0; i-- {
		cost := a.estimateMessage(history[i])
		if used+cost > budget {
			break
		}
		selectedReverse = append(selectedReverse, history[i])
		used += cost
	}

	out := make([]*models.Message, len(selectedReverse), len(selectedReverse)+1)
	for i, m := range selectedReverse {
		out[len(selectedReverse)-1-i] = m
	}
	if incoming != nil {
		out = append(out, incoming)
	}
	return out
}
