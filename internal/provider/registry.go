// Package provider implements the provider abstraction: a single
// chat(messages, tools, opts) -> {content, tool_calls, usage} surface
// over many LLM back-ends, with tier-based model selection and
// tool-call normalization.
//
// It is a thin, non-streaming façade over internal/agent's existing
// LLMProvider interface and its concrete back-ends
// (internal/agent/providers/*), which already implement the
// streaming Complete(ctx, req) (<-chan *CompletionChunk, error) contract
// against Anthropic, OpenAI, Bedrock, Google, Azure, Ollama, OpenRouter
// and the Copilot proxy. Registry drains that channel into a single
// Response and normalizes tool-call shapes, so callers (the agent
// loop, the orchestrator, the signal classifier) never talk to a
// concrete back-end directly.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/agent/providers"
	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/pkg/models"
)

// Tier is the model-class routing key.
type Tier string

const (
	TierElite      Tier = "elite"
	TierSpecialist Tier = "specialist"
	TierUtility    Tier = "utility"
)

// Usage reports token consumption for a single completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the normalized result of a Chat call.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// ChatOpts configures a single Chat invocation.
type ChatOpts struct {
	Tier        Tier
	Model       string // overrides tier-based selection when set
	ProviderID  string // overrides tier-based provider selection when set
	Temperature float64
	MaxTokens   int
	Tools       []agent.Tool
	Timeout     time.Duration
}

// Registry selects a configured provider/model pair for a tier and
// exposes the unified Chat surface.
type Registry struct {
	mu sync.RWMutex

	// backends maps a provider_id (e.g. "anthropic", "openai") to its
	// concrete LLMProvider implementation.
	backends map[string]agent.LLMProvider

	// tierModel maps (tier, provider_id) -> model name.
	tierModel map[Tier]map[string]string

	// tierOrder lists provider_ids to try for a tier, in priority order
	// (first is primary; the rest back it up for failover).
	tierOrder map[Tier][]string

	defaultTier Tier
	breaker     *circuitBreaker
}

// New creates an empty Registry. Register backends and model mappings
// with RegisterBackend and SetTierModel before use.
func New() *Registry {
	return &Registry{
		backends:    make(map[string]agent.LLMProvider),
		tierModel:   make(map[Tier]map[string]string),
		tierOrder:   make(map[Tier][]string),
		defaultTier: TierSpecialist,
		breaker:     newCircuitBreaker(DefaultCircuitConfig()),
	}
}

// NewWithCircuitConfig is New with an explicit breaker configuration.
func NewWithCircuitConfig(cfg CircuitConfig) *Registry {
	r := New()
	r.breaker = newCircuitBreaker(cfg)
	return r
}

// BackendStatus is the circuit-breaker state of one registered
// provider backend, for the /status CLI command and HTTP health
// surface.
type BackendStatus struct {
	Open     bool
	Failures int
}

// Status returns a snapshot of every tracked provider's circuit-breaker
// state, for the /status CLI command and HTTP health surface.
func (r *Registry) Status() map[string]BackendStatus {
	snap := r.breaker.snapshot()
	out := make(map[string]BackendStatus, len(snap))
	for id, s := range snap {
		out[id] = BackendStatus{Open: s.open, Failures: s.failures}
	}
	r.mu.RLock()
	for id := range r.backends {
		if _, ok := out[id]; !ok {
			out[id] = BackendStatus{}
		}
	}
	r.mu.RUnlock()
	return out
}

// RegisterBackend registers a concrete LLMProvider under providerID.
func (r *Registry) RegisterBackend(providerID string, backend agent.LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[providerID] = backend
}

// SetTierModel maps (tier, providerID) to a model name and appends
// providerID to that tier's failover order if not already present.
func (r *Registry) SetTierModel(tier Tier, providerID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tierModel[tier] == nil {
		r.tierModel[tier] = make(map[string]string)
	}
	r.tierModel[tier][providerID] = model

	for _, id := range r.tierOrder[tier] {
		if id == providerID {
			return
		}
	}
	r.tierOrder[tier] = append(r.tierOrder[tier], providerID)
}

// resolve picks the (providerID, model, backend) triple for opts.
func (r *Registry) resolve(opts ChatOpts) ([]resolvedTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tier := opts.Tier
	if tier == "" {
		tier = r.defaultTier
	}

	if opts.ProviderID != "" {
		backend, ok := r.backends[opts.ProviderID]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", opts.ProviderID)
		}
		model := opts.Model
		if model == "" {
			model = r.tierModel[tier][opts.ProviderID]
		}
		return []resolvedTarget{{providerID: opts.ProviderID, model: model, backend: backend}}, nil
	}

	order := r.tierOrder[tier]
	if len(order) == 0 {
		return nil, fmt.Errorf("no providers configured for tier %q", tier)
	}

	targets := make([]resolvedTarget, 0, len(order))
	for _, id := range order {
		backend, ok := r.backends[id]
		if !ok || !r.breaker.available(id) {
			continue
		}
		model := opts.Model
		if model == "" {
			model = r.tierModel[tier][id]
		}
		targets = append(targets, resolvedTarget{providerID: id, model: model, backend: backend})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no usable backends for tier %q", tier)
	}
	return targets, nil
}

type resolvedTarget struct {
	providerID string
	model      string
	backend    agent.LLMProvider
}

// Chat sends messages to the selected provider/model and returns a
// normalized Response. On transient failure of the primary target it
// fails over to the next configured provider for the tier, in order,
// before returning a provider_error.
func (r *Registry) Chat(ctx context.Context, messages []agent.CompletionMessage, system string, opts ChatOpts) (*Response, *agenterr.Error) {
	targets, err := r.resolve(opts)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.ReasonInternal, err)
	}

	var lastErr *agenterr.Error
	for _, target := range targets {
		resp, cerr := r.chatOne(ctx, target, messages, system, opts)
		if cerr == nil {
			r.breaker.recordSuccess(target.providerID)
			return resp, nil
		}
		lastErr = cerr
		if cerr.Reason == agenterr.ReasonContextOverflow || cerr.Reason == agenterr.ReasonCancelled {
			// Not a failover candidate: the caller must compact and
			// retry (context_overflow) or stop entirely (cancelled).
			return nil, cerr
		}
		r.breaker.recordFailure(target.providerID)
	}
	return nil, lastErr
}

func (r *Registry) chatOne(ctx context.Context, target resolvedTarget, messages []agent.CompletionMessage, system string, opts ChatOpts) (*Response, *agenterr.Error) {
	callCtx := ctx
	var cancel context.CancelFunc
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	callCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &agent.CompletionRequest{
		Model:     target.model,
		System:    system,
		Messages:  messages,
		Tools:     opts.Tools,
		MaxTokens: opts.MaxTokens,
	}

	chunks, err := target.backend.Complete(callCtx, req)
	if err != nil {
		return nil, classifyError(err)
	}

	var (
		content   strings.Builder
		toolCalls []models.ToolCall
		usage     Usage
	)

	for chunk := range chunks {
		if chunk.Error != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, agenterr.New(agenterr.ReasonTimeout, "provider call timed out")
			}
			if errors.Is(callCtx.Err(), context.Canceled) {
				return nil, agenterr.New(agenterr.ReasonCancelled, "provider call cancelled")
			}
			return nil, classifyError(chunk.Error)
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			usage = Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
		}
	}

	return &Response{Content: content.String(), ToolCalls: normalizeToolCalls(toolCalls), Usage: usage}, nil
}

// normalizeToolCalls ensures every tool call has a non-empty ID (some
// back-ends omit it for single-call responses) and deduplicates calls
// the provider streamed in fragments using the same ID.
func normalizeToolCalls(calls []models.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(calls))
	out := make([]models.ToolCall, 0, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d", i)
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

// classifyError maps a raw or providers.ProviderError into the taxonomy
// in agenterr, distinguishing context_overflow from other provider
// failures so the agent loop can compact and retry.
func classifyError(err error) *agenterr.Error {
	if err == nil {
		return nil
	}
	if isContextOverflow(err) {
		return agenterr.Wrap(agenterr.ReasonContextOverflow, err)
	}

	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		if perr.Reason == providers.FailoverTimeout {
			return agenterr.Wrap(agenterr.ReasonTimeout, err)
		}
	}
	return agenterr.Wrap(agenterr.ReasonProviderError, err)
}

func isContextOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context_length_exceeded",
		"maximum context length",
		"context window",
		"too many tokens",
		"prompt is too long",
		"input is too long",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ClassifyJSON implements signal.Provider: a minimal non-streaming,
// temperature-0 call used by the Signal Classifier's LLM path.
func (r *Registry) ClassifyJSON(ctx context.Context, prompt string) (string, error) {
	resp, cerr := r.Chat(ctx, []agent.CompletionMessage{{Role: "user", Content: prompt}}, "", ChatOpts{
		Tier:        TierUtility,
		Temperature: 0,
		MaxTokens:   256,
		Timeout:     10 * time.Second,
	})
	if cerr != nil {
		return "", cerr
	}
	return resp.Content, nil
}
