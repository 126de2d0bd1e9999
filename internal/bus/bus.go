// Package bus implements the in-process, topic-routed publish/subscribe
// event bus that backs SSE streams, channel adapters, and the progress
// tracker.
//
// The dispatch shape (priority-free here; ordering among subscribers of
// one topic is unspecified) is grounded on internal/hooks/registry.go's
// Registry: a map of topic -> registrations, a mutex-guarded register/
// unregister pair, and a Trigger/TriggerAsync split between synchronous
// and fire-and-forget dispatch.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/osacore/osa/pkg/models"
)

// Mode selects how a handler is dispatched.
type Mode int

const (
	// Sync handlers run on the publisher's goroutine; their latency is
	// charged to the publisher. Use only for lightweight fan-out.
	Sync Mode = iota
	// Async handlers run on the bus's bounded worker pool.
	Async
)

// Handler receives a published payload. Its return value is ignored by
// the bus; panics are recovered and logged.
type Handler func(topic string, payload any)

type subscription struct {
	id      string
	topic   string
	handler Handler
	mode    Mode
}

// Bus is a process-wide singleton-capable pub/sub dispatcher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	byID map[string]*subscription

	work   chan func()
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Config controls the async worker pool size.
type Config struct {
	// Workers is the number of goroutines servicing async handlers.
	// Default: 8.
	Workers int

	// QueueSize is the buffered channel depth for async dispatch.
	// Default: 256.
	QueueSize int

	Logger *slog.Logger
}

// New creates a Bus and starts its async worker pool.
func New(cfg Config) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bus{
		subs:   make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
		work:   make(chan func(), cfg.QueueSize),
		logger: cfg.Logger.With("component", "bus"),
		done:   make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	for {
		select {
		case <-b.done:
			return
		case fn, ok := <-b.work:
			if !ok {
				return
			}
			b.runSafely(fn)
		}
	}
}

func (b *Bus) runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("async handler panicked", "recover", r)
		}
	}()
	fn()
}

// Subscribe registers handler for topic in the given mode and returns an
// opaque reference usable with Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler, mode Mode) string {
	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		mode:    mode,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a handler by its registration reference.
func (b *Bus) Unsubscribe(ref string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[ref]
	if !ok {
		return
	}
	delete(b.byID, ref)

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == ref {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Emit publishes payload on topic. If no subscribers exist, Emit is a
// no-op. Sync subscribers run inline before Emit returns; async
// subscribers are dispatched to the worker pool (best-effort — if the
// queue is full the handler is dropped and logged, never blocking the
// publisher indefinitely).
func (b *Bus) Emit(topic string, payload any) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		switch sub.mode {
		case Sync:
			b.runSafely(func() { sub.handler(topic, payload) })
		case Async:
			handler := sub.handler
			select {
			case b.work <- func() { handler(topic, payload) }:
			default:
				b.logger.Warn("dropping async event: worker queue full", "topic", topic)
			}
		}
	}
}

// Close stops the worker pool. Subscribers that outlive the bus are
// simply never invoked again.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		close(b.work)
	})
}

// Mandatory topics every subscriber can rely on being emitted.
const (
	TopicAgentResponse = "agent_response"
	TopicToolCall      = "tool_call"
	TopicLLMRequest    = "llm_request"
	TopicLLMResponse   = "llm_response"
	TopicSystemEvent   = "system_event"
)

// ToolCallPhase distinguishes the two tool_call events emitted per call.
type ToolCallPhase string

const (
	ToolCallStart ToolCallPhase = "start"
	ToolCallEnd   ToolCallPhase = "end"
)

// ToolCallPayload is the payload shape for TopicToolCall events.
type ToolCallPayload struct {
	SessionID  string        `json:"session_id"`
	Name       string        `json:"name"`
	Phase      ToolCallPhase `json:"phase"`
	ArgsHint   string        `json:"args_hint,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
	Success    bool          `json:"success,omitempty"`
}

// LLMRequestPayload is the payload shape for TopicLLMRequest events.
type LLMRequestPayload struct {
	SessionID string `json:"session_id"`
	Iteration int    `json:"iteration"`
}

// LLMResponsePayload is the payload shape for TopicLLMResponse events.
type LLMResponsePayload struct {
	SessionID  string `json:"session_id"`
	DurationMs int64  `json:"duration_ms"`
	InputTok   int    `json:"input_tokens"`
	OutputTok  int    `json:"output_tokens"`
}

// AgentResponsePayload is the payload shape for TopicAgentResponse events.
type AgentResponsePayload struct {
	SessionID string        `json:"session_id"`
	Response  string        `json:"response"`
	Signal    models.Signal `json:"signal"`
}

// SystemEventPayload is the structured firehose payload for TopicSystemEvent.
type SystemEventPayload struct {
	Event  string         `json:"event"`
	Fields map[string]any `json:"fields,omitempty"`
}
