// Package signal implements the signal classifier and noise filter:
// every inbound message is assigned a 5-tuple {Mode, Genre, Type,
// Format, Weight} via an LLM-primary path with a deterministic
// fallback, then passed through a two-tier noise filter that never
// hard-drops a message.
package signal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/osacore/osa/pkg/models"
)

// Provider is the minimal LLM surface the classifier needs. It is
// satisfied by provider.Registry but declared locally to avoid an
// import cycle (provider depends on nothing in this package).
type Provider interface {
	ClassifyJSON(ctx context.Context, prompt string) (string, error)
}

// Config controls classifier behavior (config surface keys:
// classifier_llm_enabled, classifier_cache_ttl_s).
type Config struct {
	LLMEnabled bool
	CacheTTL   time.Duration
}

// DefaultConfig returns the default cache TTL (600s) with the LLM path
// enabled.
func DefaultConfig() Config {
	return Config{LLMEnabled: true, CacheTTL: 600 * time.Second}
}

// Classifier assigns a Signal to inbound text. Classify never fails:
// on any internal error it returns a fallback signal with
// Confidence = ConfidenceLow.
type Classifier struct {
	cfg      Config
	provider Provider
	cache    *ttlCache[string, models.Signal]
	logger   *slog.Logger
}

// New creates a Classifier. provider may be nil, in which case
// classification always uses the deterministic path.
func New(cfg Config, provider Provider, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	return &Classifier{
		cfg:      cfg,
		provider: provider,
		cache:    newTTLCache[string, models.Signal](cfg.CacheTTL),
		logger:   logger.With("component", "signal"),
	}
}

// cacheKey is SHA256(channel_tag || ":" || raw_text).
func cacheKey(channel models.ChannelType, text string) string {
	sum := sha256.Sum256([]byte(string(channel) + ":" + text))
	return hex.EncodeToString(sum[:])
}

// Classify assigns a Signal to text received on channel. It never
// returns an error; on internal failure the returned Signal has
// Confidence = ConfidenceLow.
func (c *Classifier) Classify(ctx context.Context, text string, channel models.ChannelType) models.Signal {
	key := cacheKey(channel, text)

	if cached, ok := c.cache.Get(key); ok {
		cached.Timestamp = time.Now()
		return cached
	}

	var sig models.Signal
	if c.cfg.LLMEnabled && c.provider != nil {
		if llmSig, ok := c.classifyLLM(ctx, text, channel); ok {
			sig = llmSig
			c.cache.Set(key, sig)
			sig.Format = formatFor(channel)
			return sig
		}
	}

	sig = classifyDeterministic(text)
	sig.Channel = channel
	sig.RawText = text
	sig.Timestamp = time.Now()
	sig.Format = formatFor(channel)
	// Negative caching is not performed — only successful LLM
	// classifications are cached.
	return sig
}

// classifyLLM renders the fixed prompt template, requests a JSON object,
// and fills any missing/invalid field from the deterministic fallback.
func (c *Classifier) classifyLLM(ctx context.Context, text string, channel models.ChannelType) (models.Signal, bool) {
	truncated := truncateText(text, 1000)
	neutralized := neutralize(truncated)

	prompt := buildClassificationPrompt(neutralized)

	raw, err := c.provider.ClassifyJSON(ctx, prompt)
	if err != nil {
		c.logger.Debug("llm classification failed, falling back", "error", err)
		return models.Signal{}, false
	}

	parsed, ok := parseClassificationJSON(raw)
	if !ok {
		c.logger.Debug("llm classification returned non-JSON, falling back")
		return models.Signal{}, false
	}

	fallback := classifyDeterministic(text)

	sig := models.Signal{
		Mode:       firstValidMode(parsed.Mode, fallback.Mode),
		Genre:      firstValidGenre(parsed.Genre, fallback.Genre),
		Type:       firstValidType(parsed.Type, fallback.Type),
		Weight:     clampWeight(parsed.Weight, fallback.Weight),
		RawText:    text,
		Channel:    channel,
		Timestamp:  time.Now(),
		Confidence: models.ConfidenceHigh,
	}
	return sig, true
}

type llmClassification struct {
	Mode   string  `json:"mode"`
	Genre  string  `json:"genre"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// parseClassificationJSON parses raw as a clean JSON object, or failing
// that extracts the first balanced brace pair and parses that.
func parseClassificationJSON(raw string) (llmClassification, bool) {
	var out llmClassification
	if err := json.Unmarshal([]byte(raw), &out); err == nil {
		return out, true
	}

	if braces := extractBalancedBraces(raw); braces != "" {
		if err := json.Unmarshal([]byte(braces), &out); err == nil {
			return out, true
		}
	}
	return llmClassification{}, false
}

func extractBalancedBraces(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func firstValidMode(raw string, fallback models.Mode) models.Mode {
	m := models.Mode(strings.ToLower(strings.TrimSpace(raw)))
	if models.ValidModes[m] {
		return m
	}
	return fallback
}

func firstValidGenre(raw string, fallback models.Genre) models.Genre {
	g := models.Genre(strings.ToLower(strings.TrimSpace(raw)))
	if models.ValidGenres[g] {
		return g
	}
	return fallback
}

func firstValidType(raw string, fallback models.Type) models.Type {
	t := models.Type(strings.ToLower(strings.TrimSpace(raw)))
	if models.ValidTypes[t] {
		return t
	}
	return fallback
}

func clampWeight(raw, fallback float64) float64 {
	if raw < 0 || raw > 1 {
		return fallback
	}
	return raw
}

func truncateText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}

var quoteNewlineNeutralizer = strings.NewReplacer(
	"\"", "'",
	"\n", " ",
	"\r", " ",
)

func neutralize(text string) string {
	return quoteNewlineNeutralizer.Replace(text)
}

func buildClassificationPrompt(text string) string {
	var b strings.Builder
	b.WriteString("Classify the following message along five dimensions and respond with a single JSON object {\"mode\":...,\"genre\":...,\"type\":...,\"weight\":...}.\n")
	b.WriteString("mode one of: execute, assist, analyze, build, maintain\n")
	b.WriteString("genre one of: direct, inform, commit, decide, express\n")
	b.WriteString("type one of: question, request, issue, scheduling, summary, report, general\n")
	b.WriteString("weight a float in [0.0, 1.0] indicating informational priority\n")
	b.WriteString("Message: \"")
	b.WriteString(text)
	b.WriteString("\"\n")
	return b.String()
}

func formatFor(channel models.ChannelType) models.Format {
	switch channel {
	case models.ChannelCLI:
		return models.FormatCommand
	case models.ChannelTelegram, models.ChannelDiscord, models.ChannelSlack, models.ChannelWhatsApp:
		return models.FormatMessage
	case models.ChannelWebhook:
		return models.FormatNotification
	case models.ChannelFilesystem:
		return models.FormatDocument
	default:
		return models.FormatMessage
	}
}

// --- deterministic fallback ---

var (
	modeKeywords = map[models.Mode][]string{
		models.ModeExecute:  {"run", "execute", "deploy", "do it", "go ahead", "ship"},
		models.ModeAnalyze:  {"why", "analyze", "investigate", "explain", "compare", "review"},
		models.ModeBuild:    {"build", "create", "implement", "add", "write", "generate"},
		models.ModeMaintain: {"fix", "bug", "broken", "error", "crash", "debug", "repair"},
		models.ModeAssist:   {"help", "how do i", "can you", "please"},
	}

	genreKeywords = map[models.Genre][]string{
		models.GenreCommit:  {"i will", "let's", "going to", "agreed"},
		models.GenreDecide:  {"should we", "which one", "decide", "option"},
		models.GenreExpress: {"thanks", "great job", "awesome", "frustrated", "annoyed"},
		models.GenreInform:  {"fyi", "heads up", "note that", "status"},
		models.GenreDirect:  {"please", "can you", "could you"},
	}

	typeKeywords = map[models.Type][]string{
		models.TypeQuestion:   {"?", "what", "why", "how", "when", "where"},
		models.TypeIssue:      {"bug", "broken", "error", "doesn't work", "failing"},
		models.TypeScheduling: {"schedule", "remind", "tomorrow", "calendar", "meeting"},
		models.TypeSummary:    {"summarize", "tl;dr", "recap"},
		models.TypeReport:     {"report", "status update", "progress"},
		models.TypeRequest:    {"please", "can you", "could you", "i need"},
	}

	urgencyKeywords = []string{"urgent", "asap", "immediately", "critical", "now", "emergency"}

	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hey|hello|yo|sup|good (morning|afternoon|evening)|thanks|thank you|ok|okay|k|cool|nice|great|lol|👍|🙏|❤️)[!.\s]*$`)
)

// classifyDeterministic runs word-boundary keyword matching for
// mode/genre/type and a scored heuristic for weight. It always
// succeeds and always returns Confidence = ConfidenceLow.
func classifyDeterministic(text string) models.Signal {
	lower := strings.ToLower(text)

	sig := models.Signal{
		Mode:       matchKeywords(lower, modeKeywords, models.ModeAssist),
		Genre:      matchKeywords(lower, genreKeywords, models.GenreInform),
		Type:       matchKeywords(lower, typeKeywords, models.TypeGeneral),
		Weight:     heuristicWeight(text, lower),
		Confidence: models.ConfidenceLow,
	}
	return sig
}

func matchKeywords[K comparable](lower string, table map[K][]string, fallback K) K {
	for key, words := range table {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return key
			}
		}
	}
	return fallback
}

func heuristicWeight(text, lower string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	weight := 0.3 // baseline

	// Length bonus: longer messages tend to carry more information.
	switch {
	case len(text) > 280:
		weight += 0.3
	case len(text) > 80:
		weight += 0.15
	case len(text) > 20:
		weight += 0.05
	}

	if strings.Contains(text, "?") {
		weight += 0.1
	}

	for _, w := range urgencyKeywords {
		if strings.Contains(lower, w) {
			weight += 0.2
			break
		}
	}

	if greetingPattern.MatchString(text) {
		weight -= 0.4
	}

	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return weight
}
