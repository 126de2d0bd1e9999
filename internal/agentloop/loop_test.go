package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/internal/hooks"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/sessions"
	"github.com/osacore/osa/internal/toolregistry"
	"github.com/osacore/osa/pkg/models"
)

// loopTestProvider allows per-call control over LLM responses, grounded
// on internal/agent/loop_test.go's loopTestProvider.
type loopTestProvider struct {
	completeFunc func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error)
	calls        int32
}

func (p *loopTestProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	atomic.AddInt32(&p.calls, 1)
	return p.completeFunc(ctx, req)
}

func (p *loopTestProvider) Name() string            { return "loop-test" }
func (p *loopTestProvider) Models() []agent.Model    { return nil }
func (p *loopTestProvider) SupportsTools() bool      { return true }
func (p *loopTestProvider) callCount() int           { return int(atomic.LoadInt32(&p.calls)) }

func singleChunkProvider(chunks ...agent.CompletionChunk) *loopTestProvider {
	return &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			ch := make(chan *agent.CompletionChunk, len(chunks))
			for i := range chunks {
				c := chunks[i]
				ch <- &c
			}
			close(ch)
			return ch, nil
		},
	}
}

func newTestRegistry(backend agent.LLMProvider) *provider.Registry {
	reg := provider.New()
	reg.RegisterBackend("test", backend)
	reg.SetTierModel(provider.TierSpecialist, "test", "test-model")
	return reg
}

// loopMemoryStore implements sessions.Store in memory, grounded on
// internal/agent/loop_test.go's loopMemoryStore.
type loopMemoryStore struct {
	history  []*models.Message
	messages []*models.Message
}

func (s *loopMemoryStore) Create(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) Update(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Delete(ctx context.Context, id string) error               { return nil }
func (s *loopMemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}
func (s *loopMemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.history, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLoop(backend agent.LLMProvider, store sessions.Store, cfg Config) *Loop {
	l := New(cfg, slog.Default())
	l.Registry = newTestRegistry(backend)
	l.Sessions = store
	l.Tools = toolregistry.New()
	return l
}

func TestLoop_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxIterations != 30 {
		t.Errorf("MaxIterations = %d, want 30", cfg.MaxIterations)
	}
	if cfg.MaxContextOverflowRetries != 3 {
		t.Errorf("MaxContextOverflowRetries = %d, want 3", cfg.MaxContextOverflowRetries)
	}
	if cfg.Tier != provider.TierSpecialist {
		t.Errorf("Tier = %q, want %q", cfg.Tier, provider.TierSpecialist)
	}
}

func TestLoop_New_FillsZeroConfig(t *testing.T) {
	l := New(Config{}, nil)
	if l.cfg.MaxIterations != 30 {
		t.Errorf("MaxIterations = %d, want 30", l.cfg.MaxIterations)
	}
	if l.cfg.Tier != provider.TierSpecialist {
		t.Errorf("Tier = %q, want %q", l.cfg.Tier, provider.TierSpecialist)
	}
	if l.Logger == nil {
		t.Error("expected a default logger")
	}
}

func TestLoop_ProcessMessage_RequiresMessage(t *testing.T) {
	l := newTestLoop(singleChunkProvider(agent.CompletionChunk{Text: "ok", Done: true}), &loopMemoryStore{}, DefaultConfig())
	res := l.ProcessMessage(context.Background(), "session-1", nil, Options{})
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want error", res.Outcome)
	}
	if res.Err == nil || res.Err.Reason != agenterr.ReasonInvalidRequest {
		t.Fatalf("Err = %v, want invalid_request", res.Err)
	}
}

func TestLoop_ProcessMessage_RequiresSessionID(t *testing.T) {
	l := newTestLoop(singleChunkProvider(agent.CompletionChunk{Text: "ok", Done: true}), &loopMemoryStore{}, DefaultConfig())
	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "  ", msg, Options{})
	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want error", res.Outcome)
	}
	if res.Err == nil || res.Err.Reason != agenterr.ReasonInvalidRequest {
		t.Fatalf("Err = %v, want invalid_request", res.Err)
	}
}

func TestLoop_ProcessMessage_NoToolCalls(t *testing.T) {
	backend := singleChunkProvider(agent.CompletionChunk{Text: "Hello there", Done: true})
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok (err=%v)", res.Outcome, res.Err)
	}
	if res.Text != "Hello there" {
		t.Errorf("Text = %q, want %q", res.Text, "Hello there")
	}
	if backend.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", backend.callCount())
	}

	// User message + assistant message persisted.
	if len(store.messages) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(store.messages))
	}
	if store.messages[0].Role != models.RoleUser {
		t.Errorf("message 0 role = %s, want user", store.messages[0].Role)
	}
	if store.messages[1].Role != models.RoleAssistant {
		t.Errorf("message 1 role = %s, want assistant", store.messages[1].Role)
	}
}

func TestLoop_ProcessMessage_ToolRoundTrip(t *testing.T) {
	call := 0
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			ch := make(chan *agent.CompletionChunk, 2)
			defer close(ch)
			if call == 0 {
				call++
				ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)}}
				ch <- &agent.CompletionChunk{Done: true}
				return ch, nil
			}
			ch <- &agent.CompletionChunk{Text: "The tool said: hi", Done: true}
			return ch, nil
		},
	}

	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())
	l.Tools.Register(toolregistry.Descriptor{
		Name: "echo",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", err
			}
			return p.Text, nil
		},
	})

	msg := &models.Message{Content: "echo hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok (err=%v)", res.Outcome, res.Err)
	}
	if res.Text != "The tool said: hi" {
		t.Errorf("Text = %q, want %q", res.Text, "The tool said: hi")
	}
	if backend.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", backend.callCount())
	}

	// user, assistant(tool_call), tool(result), assistant(final)
	if len(store.messages) != 4 {
		t.Fatalf("got %d persisted messages, want 4", len(store.messages))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, want := range wantRoles {
		if store.messages[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, store.messages[i].Role, want)
		}
	}
	if len(store.messages[2].ToolResults) != 1 || store.messages[2].ToolResults[0].Content != "hi" {
		t.Errorf("tool result = %+v, want content %q", store.messages[2].ToolResults, "hi")
	}
}

func TestLoop_ProcessMessage_UnknownToolIsErrorResult(t *testing.T) {
	call := 0
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			ch := make(chan *agent.CompletionChunk, 2)
			defer close(ch)
			if call == 0 {
				call++
				ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-1", Name: "missing", Input: json.RawMessage(`{}`)}}
				ch <- &agent.CompletionChunk{Done: true}
				return ch, nil
			}
			ch <- &agent.CompletionChunk{Text: "handled", Done: true}
			return ch, nil
		},
	}

	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	msg := &models.Message{Content: "run missing tool", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok (err=%v)", res.Outcome, res.Err)
	}

	toolMsg := store.messages[2]
	if len(toolMsg.ToolResults) != 1 || !toolMsg.ToolResults[0].IsError {
		t.Fatalf("expected an error tool result, got %+v", toolMsg.ToolResults)
	}
}

func TestLoop_ProcessMessage_ContextOverflowRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			attempts++
			ch := make(chan *agent.CompletionChunk, 1)
			defer close(ch)
			if attempts <= 2 {
				ch <- &agent.CompletionChunk{Error: errors.New("maximum context length exceeded")}
				return ch, nil
			}
			ch <- &agent.CompletionChunk{Text: "recovered", Done: true}
			return ch, nil
		},
	}

	store := &loopMemoryStore{
		history: []*models.Message{
			{ID: "m1", Role: models.RoleUser, Content: "one"},
			{ID: "m2", Role: models.RoleAssistant, Content: "two"},
		},
	}
	cfg := DefaultConfig()
	cfg.MaxContextOverflowRetries = 3
	l := newTestLoop(backend, store, cfg)

	msg := &models.Message{Content: "continue", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok (err=%v)", res.Outcome, res.Err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q, want %q", res.Text, "recovered")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (2 overflow + 1 success)", attempts)
	}
}

func TestLoop_ProcessMessage_ContextOverflowExhaustsRetries(t *testing.T) {
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			ch := make(chan *agent.CompletionChunk, 1)
			ch <- &agent.CompletionChunk{Error: errors.New("prompt is too long")}
			close(ch)
			return ch, nil
		},
	}

	store := &loopMemoryStore{}
	cfg := DefaultConfig()
	cfg.MaxContextOverflowRetries = 2
	l := newTestLoop(backend, store, cfg)

	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want error", res.Outcome)
	}
	if res.Err == nil || res.Err.Reason != agenterr.ReasonContextOverflow {
		t.Fatalf("Err = %v, want context_overflow", res.Err)
	}
	if backend.callCount() != 3 { // initial + 2 retries
		t.Errorf("provider called %d times, want 3", backend.callCount())
	}
}

func TestLoop_ProcessMessage_MaxIterationsReached(t *testing.T) {
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			ch := make(chan *agent.CompletionChunk, 2)
			ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-infinite", Name: "noop", Input: json.RawMessage(`{}`)}}
			ch <- &agent.CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}

	store := &loopMemoryStore{}
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	l := newTestLoop(backend, store, cfg)
	l.Tools.Register(toolregistry.Descriptor{
		Name: "noop",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "ok", nil
		},
	})

	msg := &models.Message{Content: "loop forever", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok", res.Outcome)
	}
	if backend.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", backend.callCount())
	}
}

func TestLoop_ProcessMessage_PlanGateDoesNotFireForAssistMode(t *testing.T) {
	backend := singleChunkProvider(agent.CompletionChunk{Text: "a short numbered plan", Done: true})
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	p := hooks.NewPipeline(testLogger())
	hooks.RegisterPlanGate(p, hooks.PlanGateConfig{WeightThreshold: 0.1, Modes: []models.Mode{models.ModeBuild}})
	l.Hooks = p

	// No Classifier is wired, so classify() defaults to ModeAssist, which
	// the gate above never matches.
	msg := &models.Message{Content: "build the thing", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})
	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok", res.Outcome)
	}
}

func TestLoop_ProcessMessage_SkipPlanBypassesGate(t *testing.T) {
	backend := singleChunkProvider(agent.CompletionChunk{Text: "done", Done: true})
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	p := hooks.NewPipeline(testLogger())
	// A gate that always blocks, to prove SkipPlan bypasses it entirely.
	p.Register(hooks.PreResponse, "always_block", 0, func(ctx context.Context, payload any) hooks.Result {
		return hooks.Block(hooks.PlanRequired)
	})
	l.Hooks = p

	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{SkipPlan: true})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok (err=%v)", res.Outcome, res.Err)
	}
	if res.Text != "done" {
		t.Errorf("Text = %q, want %q", res.Text, "done")
	}
}

func TestLoop_ProcessMessage_PlanGateBlocksAndProducesPlan(t *testing.T) {
	planCall := 0
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			planCall++
			ch := make(chan *agent.CompletionChunk, 1)
			ch <- &agent.CompletionChunk{Text: "1. do the thing", Done: true}
			close(ch)
			return ch, nil
		},
	}
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	p := hooks.NewPipeline(testLogger())
	p.Register(hooks.PreResponse, "always_block", 0, func(ctx context.Context, payload any) hooks.Result {
		return hooks.Block(hooks.PlanRequired)
	})
	l.Hooks = p

	msg := &models.Message{Content: "build a thing", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomePlan {
		t.Fatalf("Outcome = %v, want plan (err=%v)", res.Outcome, res.Err)
	}
	if res.Text != "1. do the thing" {
		t.Errorf("Text = %q, want %q", res.Text, "1. do the thing")
	}
	if planCall != 1 {
		t.Errorf("plan provider called %d times, want 1", planCall)
	}
}

func TestLoop_ProcessMessage_NonPlanBlockSurfacesAsError(t *testing.T) {
	backend := singleChunkProvider(agent.CompletionChunk{Text: "unused", Done: true})
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	p := hooks.NewPipeline(testLogger())
	p.Register(hooks.PreResponse, "some_other_block", 0, func(ctx context.Context, payload any) hooks.Result {
		return hooks.Block("some_other_reason")
	})
	l.Hooks = p

	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	// Only hooks.PlanRequired is special-cased; any other block reason
	// falls through to iterate().
	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok", res.Outcome)
	}
}

func TestLoop_ProcessMessage_CancellationBeforeToolDispatch(t *testing.T) {
	var l *Loop
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			l.Cancel("session-1")
			ch := make(chan *agent.CompletionChunk, 2)
			ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "call-1", Name: "noop", Input: json.RawMessage(`{}`)}}
			ch <- &agent.CompletionChunk{Done: true}
			close(ch)
			return ch, nil
		},
	}
	store := &loopMemoryStore{}
	l = newTestLoop(backend, store, DefaultConfig())
	l.Tools.Register(toolregistry.Descriptor{
		Name: "noop",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "ok", nil
		},
	})

	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want error", res.Outcome)
	}
	if res.Err == nil || res.Err.Reason != agenterr.ReasonCancelled {
		t.Fatalf("Err = %v, want cancelled", res.Err)
	}
}

func TestLoop_ProcessMessage_CancellationClearedBetweenCalls(t *testing.T) {
	backend := singleChunkProvider(agent.CompletionChunk{Text: "ok", Done: true})
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	l.Cancel("session-1") // no-op: no loop is running for this session yet
	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeOK {
		t.Fatalf("Outcome = %v, want ok", res.Outcome)
	}
}

func TestLoop_ProcessMessage_ProviderErrorSurfaces(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	backend := &loopTestProvider{
		completeFunc: func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
			return nil, wantErr
		},
	}
	store := &loopMemoryStore{}
	l := newTestLoop(backend, store, DefaultConfig())

	msg := &models.Message{Content: "hi", Channel: models.ChannelAPI}
	res := l.ProcessMessage(context.Background(), "session-1", msg, Options{})

	if res.Outcome != OutcomeError {
		t.Fatalf("Outcome = %v, want error", res.Outcome)
	}
	if res.Err == nil || res.Err.Reason != agenterr.ReasonProviderError {
		t.Fatalf("Err = %v, want provider_error", res.Err)
	}
}

func TestLoop_LockSession_SerializesSameSessionFIFO(t *testing.T) {
	l := New(DefaultConfig(), nil)

	unlock1 := l.lockSession("session-1")

	done := make(chan struct{})
	go func() {
		unlock2 := l.lockSession("session-1")
		defer unlock2()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lockSession call should block while the first is held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock1()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second lockSession call should proceed once the first unlocks")
	}
}

func TestLoop_LockSession_DifferentSessionsDoNotBlock(t *testing.T) {
	l := New(DefaultConfig(), nil)

	unlock1 := l.lockSession("session-1")
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2 := l.lockSession("session-2")
		defer unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a different session's lockSession call must not be blocked")
	}
}

func TestLoop_LockSession_EmptyIDIsNoOp(t *testing.T) {
	l := New(DefaultConfig(), nil)
	unlock := l.lockSession("")
	unlock() // must not panic, must not register an entry
	if len(l.locks) != 0 {
		t.Errorf("locks = %d entries, want 0 for an empty session id", len(l.locks))
	}
}

func TestLoop_Classify_NoClassifierDefaultsToAssist(t *testing.T) {
	l := New(DefaultConfig(), nil)
	sig := l.classify(context.Background(), "hello", models.ChannelAPI)
	if sig.Mode != models.ModeAssist {
		t.Errorf("Mode = %v, want %v", sig.Mode, models.ModeAssist)
	}
	if sig.Weight != 0.5 {
		t.Errorf("Weight = %v, want 0.5", sig.Weight)
	}
}

func TestLoop_History_NilSessionsReturnsEmpty(t *testing.T) {
	l := New(DefaultConfig(), nil)
	history, err := l.history(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("history() error = %v", err)
	}
	if history != nil {
		t.Errorf("history = %v, want nil", history)
	}
}

func TestLoop_Compact_NilCompactorPassesThrough(t *testing.T) {
	l := New(DefaultConfig(), nil)
	in := []*models.Message{{ID: "m1", Role: models.RoleUser, Content: "hi"}}
	out := l.compact(context.Background(), "session-1", in)
	if len(out) != 1 || out[0].ID != "m1" {
		t.Errorf("compact() = %v, want pass-through of input", out)
	}
}
