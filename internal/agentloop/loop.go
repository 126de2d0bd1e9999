// Package agentloop implements the agent loop: the per-session bounded
// ReAct state machine that integrates the signal classifier, context
// assembler, provider registry, tool registry, and hook pipeline into
// one process_message operation.
package agentloop

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/agenterr"
	agentctx "github.com/osacore/osa/internal/context"
	"github.com/osacore/osa/internal/bus"
	"github.com/osacore/osa/internal/hooks"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/sessions"
	"github.com/osacore/osa/internal/signal"
	"github.com/osacore/osa/internal/toolregistry"
	"github.com/osacore/osa/pkg/models"
)

// Config controls loop behavior.
type Config struct {
	// MaxIterations bounds provider calls per top-level message. Default: 30.
	MaxIterations int

	// MaxContextOverflowRetries bounds forced-compaction retries after
	// a context_overflow error. Default: 3.
	MaxContextOverflowRetries int

	// Model/Tier select the default provider route for iterate calls.
	Tier  provider.Tier
	Model string

	Temperature float64
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{MaxIterations: 30, MaxContextOverflowRetries: 3, Tier: provider.TierSpecialist, Temperature: 0.7}
}

// Status reports the current phase of a session's loop.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusThinking Status = "thinking"
	StatusToolUse  Status = "tool_use"
)

// Outcome tags process_message's three-way result.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomePlan  Outcome = "plan"
	OutcomeError Outcome = "error"
)

// Result is process_message's {ok, text} | {plan, text, Signal} |
// {error, reason} return value.
type Result struct {
	Outcome Outcome
	Text    string
	Signal  models.Signal
	Err     *agenterr.Error
}

// Options configures a single process_message call.
type Options struct {
	// SkipPlan bypasses the plan gate, e.g. when the caller is
	// re-invoking after the user approved a previously returned plan.
	SkipPlan bool
}

// Loop wires every subsystem the Agent Loop depends on. All fields
// except Sessions/Registry/Tools are optional; a nil Bus/Hooks/
// Compactor degrades gracefully (no events, no gating, no
// compaction) rather than panicking, so the loop is usable in tests
// and partial wiring.
type Loop struct {
	Classifier *signal.Classifier
	Filter     *signal.Filter
	Sessions   sessions.Store
	Compactor  *agentctx.Compactor
	Assembler  *agentctx.Assembler
	Registry   *provider.Registry
	Tools      *toolregistry.Registry
	Hooks      *hooks.Pipeline
	Bus        *bus.Bus
	Logger     *slog.Logger

	cfg Config

	locksMu sync.Mutex
	locks   map[string]*sessionLock

	cancelMu sync.Mutex
	cancel   map[string]*atomic.Bool
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Loop. cfg's zero value is replaced with DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Loop {
	d := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.MaxContextOverflowRetries <= 0 {
		cfg.MaxContextOverflowRetries = d.MaxContextOverflowRetries
	}
	if cfg.Tier == "" {
		cfg.Tier = d.Tier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		Logger: logger.With("component", "agent_loop"),
		locks:  make(map[string]*sessionLock),
		cancel: make(map[string]*atomic.Bool),
	}
}

// lockSession serializes process_message calls for one session,
// grounded verbatim on internal/agent/tool_registry.go's
// Runtime.lockSession: a refcounted per-session mutex so concurrent
// callers for different sessions never block each other, while two
// concurrent calls for the same session queue FIFO.
func (l *Loop) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}
	l.locksMu.Lock()
	lock := l.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, sessionID)
		}
		l.locksMu.Unlock()
	}
}

// Cancel flips the cooperative cancellation flag for sessionID. The
// running loop observes it at its next checkpoint (before an
// iteration or before a tool dispatch); the in-flight provider call is
// not interrupted.
func (l *Loop) Cancel(sessionID string) {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	if flag, ok := l.cancel[sessionID]; ok {
		flag.Store(true)
	}
}

func (l *Loop) cancelFlag(sessionID string) *atomic.Bool {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	flag, ok := l.cancel[sessionID]
	if !ok {
		flag = &atomic.Bool{}
		l.cancel[sessionID] = flag
	}
	return flag
}

func (l *Loop) clearCancelFlag(sessionID string) {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	delete(l.cancel, sessionID)
}

func (l *Loop) emit(topic string, payload any) {
	if l.Bus == nil {
		return
	}
	l.Bus.Emit(topic, payload)
}

// ProcessMessage runs the full state machine for one inbound message,
// returning only after the loop reaches idle
// (ok/error) or produces a plan for the caller to approve.
func (l *Loop) ProcessMessage(ctx context.Context, sessionID string, msg *models.Message, opts Options) Result {
	if msg == nil {
		return Result{Outcome: OutcomeError, Err: agenterr.New(agenterr.ReasonInvalidRequest, "message is required")}
	}
	if strings.TrimSpace(sessionID) == "" {
		return Result{Outcome: OutcomeError, Err: agenterr.New(agenterr.ReasonInvalidRequest, "session id is required")}
	}

	unlock := l.lockSession(sessionID)
	defer unlock()

	cancelled := l.cancelFlag(sessionID)
	defer l.clearCancelFlag(sessionID)

	// 1. Classify.
	channel := msg.Channel
	sig := l.classify(ctx, msg.Content, channel)

	// 2. Noise report — instrumentation only, never a hard gate.
	l.noiseReport(ctx, sessionID, msg.Content)

	// 3. Persist user message.
	if l.Sessions != nil {
		userMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Channel:   channel,
			Role:      models.RoleUser,
			Content:   msg.Content,
			CreatedAt: time.Now(),
		}
		if err := l.Sessions.AppendMessage(ctx, sessionID, userMsg); err != nil {
			return Result{Outcome: OutcomeError, Signal: sig, Err: agenterr.Wrap(agenterr.ReasonInternal, err)}
		}
	}

	history, err := l.history(ctx, sessionID)
	if err != nil {
		return Result{Outcome: OutcomeError, Signal: sig, Err: agenterr.Wrap(agenterr.ReasonInternal, err)}
	}

	// 4. Compact.
	history = l.compact(ctx, sessionID, history)

	// 5. Plan gate.
	if !opts.SkipPlan && l.Hooks != nil {
		res := l.Hooks.Run(ctx, hooks.PreResponse, hooks.ResponsePayload{SessionID: sessionID, Signal: sig, Mode: sig.Mode})
		if res.Outcome == hooks.OutcomeBlock && res.Reason == hooks.PlanRequired {
			plan, perr := l.producePlan(ctx, sessionID, history, msg, sig)
			if perr != nil {
				return Result{Outcome: OutcomeError, Signal: sig, Err: perr}
			}
			return Result{Outcome: OutcomePlan, Text: plan, Signal: sig}
		}
	}

	return l.iterate(ctx, sessionID, history, sig, cancelled)
}

func (l *Loop) classify(ctx context.Context, text string, channel models.ChannelType) models.Signal {
	if l.Classifier == nil {
		return models.Signal{Mode: models.ModeAssist, Genre: models.GenreInform, Type: models.TypeGeneral,
			Format: models.FormatMessage, Weight: 0.5, RawText: text, Channel: channel, Timestamp: time.Now(),
			Confidence: models.ConfidenceLow}
	}
	return l.Classifier.Classify(ctx, text, channel)
}

func (l *Loop) noiseReport(ctx context.Context, sessionID, text string) {
	if l.Filter == nil {
		return
	}
	res := l.Filter.Filter(ctx, text)
	if res.Outcome == signal.OutcomeNoise {
		l.emit(bus.TopicSystemEvent, bus.SystemEventPayload{
			Event:  "signal_low_weight",
			Fields: map[string]any{"session_id": sessionID, "reason": res.Reason, "weight": res.Weight},
		})
	}
}

func (l *Loop) history(ctx context.Context, sessionID string) ([]*models.Message, error) {
	if l.Sessions == nil {
		return nil, nil
	}
	return l.Sessions.GetHistory(ctx, sessionID, 200)
}

func (l *Loop) compact(ctx context.Context, sessionID string, history []*models.Message) []*models.Message {
	if l.Compactor == nil {
		return history
	}
	out := l.Compactor.Check(ctx, sessionID, history)
	return out.Messages
}

func (l *Loop) producePlan(ctx context.Context, sessionID string, history []*models.Message, incoming *models.Message, sig models.Signal) (string, *agenterr.Error) {
	const planPrompt = "Produce a short numbered plan for the requested work. Do not perform the work; only plan it."

	messages := toCompletionMessages(history, incoming)
	resp, cerr := l.Registry.Chat(ctx, messages, planPrompt, provider.ChatOpts{
		Tier:        l.cfg.Tier,
		Model:       l.cfg.Model,
		Temperature: 0.2,
	})
	if cerr != nil {
		return "", cerr
	}
	return resp.Content, nil
}

// iterate runs the bounded provider/tool loop.
func (l *Loop) iterate(ctx context.Context, sessionID string, history []*models.Message, sig models.Signal, cancelled *atomic.Bool) Result {
	overflowRetries := 0
	var lastContent string

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		if cancelled.Load() {
			return Result{Outcome: OutcomeError, Signal: sig, Err: agenterr.New(agenterr.ReasonCancelled, "cancelled")}
		}

		system, messages := l.buildContext(history, sig)

		l.emit(bus.TopicLLMRequest, bus.LLMRequestPayload{SessionID: sessionID, Iteration: iteration})
		start := time.Now()

		resp, cerr := l.Registry.Chat(ctx, messages, system, provider.ChatOpts{
			Tier:        l.cfg.Tier,
			Model:       l.cfg.Model,
			Temperature: l.cfg.Temperature,
			Tools:       asLLMTools(l.Tools),
		})

		l.emit(bus.TopicLLMResponse, bus.LLMResponsePayload{
			SessionID:  sessionID,
			DurationMs: time.Since(start).Milliseconds(),
			InputTok:   responseUsage(resp).InputTokens,
			OutputTok:  responseUsage(resp).OutputTokens,
		})

		if cerr != nil {
			if cerr.Reason == agenterr.ReasonContextOverflow && overflowRetries < l.cfg.MaxContextOverflowRetries {
				overflowRetries++
				history = l.forceCompact(ctx, sessionID, history)
				continue
			}
			return Result{Outcome: OutcomeError, Signal: sig, Err: cerr}
		}

		assistantMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			CreatedAt: time.Now(),
		}
		l.persist(ctx, sessionID, assistantMsg)
		history = append(history, assistantMsg)
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			l.emit(bus.TopicAgentResponse, bus.AgentResponsePayload{SessionID: sessionID, Response: resp.Content, Signal: sig})
			return Result{Outcome: OutcomeOK, Text: resp.Content, Signal: sig}
		}

		toolMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      models.RoleTool,
			CreatedAt: time.Now(),
		}
		for _, call := range resp.ToolCalls {
			if cancelled.Load() {
				return Result{Outcome: OutcomeError, Signal: sig, Err: agenterr.New(agenterr.ReasonCancelled, "cancelled")}
			}
			result := l.runTool(ctx, sessionID, call)
			toolMsg.ToolResults = append(toolMsg.ToolResults, result)
		}
		l.persist(ctx, sessionID, toolMsg)
		history = append(history, toolMsg)
	}

	l.Logger.Warn("agent loop reached max iterations", "session_id", sessionID)
	if lastContent == "" {
		lastContent = "I've reached my reasoning limit for this request."
	}
	return Result{Outcome: OutcomeOK, Text: lastContent, Signal: sig}
}

func (l *Loop) runTool(ctx context.Context, sessionID string, call models.ToolCall) models.ToolResult {
	l.emit(bus.TopicToolCall, bus.ToolCallPayload{SessionID: sessionID, Name: call.Name, Phase: bus.ToolCallStart, ArgsHint: argsHint(call.Input)})
	start := time.Now()

	if l.Hooks != nil {
		schema, _ := l.Tools.Schema(call.Name)
		res := l.Hooks.Run(ctx, hooks.PreToolUse, hooks.ToolCallPayload{SessionID: sessionID, Name: call.Name, Schema: schema, Args: call.Input})
		if res.Outcome == hooks.OutcomeBlock {
			l.emit(bus.TopicToolCall, bus.ToolCallPayload{SessionID: sessionID, Name: call.Name, Phase: bus.ToolCallEnd, DurationMs: time.Since(start).Milliseconds(), Success: false})
			return models.ToolResult{ToolCallID: call.ID, Content: "Error: " + res.Reason, IsError: true}
		}
	}

	execResult := l.Tools.Execute(ctx, call.Name, call.Input)
	toolResult := models.ToolResult{ToolCallID: call.ID}
	if execResult.OK {
		toolResult.Content = execResult.Text
	} else {
		toolResult.Content = "Error: " + execResult.Error
		toolResult.IsError = true
	}

	l.emit(bus.TopicToolCall, bus.ToolCallPayload{SessionID: sessionID, Name: call.Name, Phase: bus.ToolCallEnd, DurationMs: time.Since(start).Milliseconds(), Success: execResult.OK})

	if l.Hooks != nil {
		l.Hooks.RunAsync(ctx, hooks.PostToolUse, hooks.ToolCallPayload{SessionID: sessionID, Name: call.Name, Args: call.Input})
	}
	return toolResult
}

func (l *Loop) forceCompact(ctx context.Context, sessionID string, history []*models.Message) []*models.Message {
	if l.Compactor == nil {
		if len(history) > 1 {
			return history[len(history)/2:]
		}
		return history
	}
	out := l.Compactor.Check(ctx, sessionID, history)
	return out.Messages
}

func (l *Loop) persist(ctx context.Context, sessionID string, msg *models.Message) {
	if l.Sessions == nil {
		return
	}
	if err := l.Sessions.AppendMessage(ctx, sessionID, msg); err != nil {
		l.Logger.Error("failed to persist message", "session_id", sessionID, "error", err)
	}
}

// buildContext delegates to the Context Assembler when configured,
// falling back to an unstructured history pass-through otherwise.
func (l *Loop) buildContext(history []*models.Message, sig models.Signal) (string, []agent.CompletionMessage) {
	if l.Assembler == nil {
		return "", toCompletionMessages(history, nil)
	}
	tier1 := []agentctx.Block{agentctx.SignalOverlay(sig)}
	assembled := l.Assembler.Assemble(tier1, nil, nil, nil, history, nil)
	return assembled.System, toCompletionMessages(assembled.History, nil)
}

func toCompletionMessages(history []*models.Message, incoming *models.Message) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, agent.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	if incoming != nil {
		out = append(out, agent.CompletionMessage{Role: string(models.RoleUser), Content: incoming.Content})
	}
	return out
}

func responseUsage(resp *provider.Response) provider.Usage {
	if resp == nil {
		return provider.Usage{}
	}
	return resp.Usage
}

func argsHint(input []byte) string {
	const max = 120
	s := string(input)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
