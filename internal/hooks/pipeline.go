package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// PipelineEvent names the four gating checkpoints. These are distinct
// from the notification EventType values above:
// Pipeline hooks gate an action (they can block it), while Registry
// hooks only observe one that already happened.
type PipelineEvent string

const (
	PreToolUse  PipelineEvent = "pre_tool_use"
	PostToolUse PipelineEvent = "post_tool_use"
	PreResponse PipelineEvent = "pre_response"
	SessionEnd  PipelineEvent = "session_end"
)

// Outcome is the tagged result a PipelineHandler returns.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBlock
	OutcomeSkip
)

// Result is a hook handler's {ok, payload'} | {block, reason} | skip
// response.
type Result struct {
	Outcome Outcome
	Payload any    // the (possibly modified) payload, on OutcomeOK
	Reason  string // required on OutcomeBlock
}

func OK(payload any) Result      { return Result{Outcome: OutcomeOK, Payload: payload} }
func Block(reason string) Result { return Result{Outcome: OutcomeBlock, Reason: reason} }
func Skip() Result               { return Result{Outcome: OutcomeSkip} }

// PipelineHandler gates a lifecycle action. It must be fast for pre_*
// events, since those run synchronously in the caller's path.
type PipelineHandler func(ctx context.Context, payload any) Result

type pipelineHook struct {
	name     string
	priority int
	handler  PipelineHandler
}

// Pipeline is the priority-ordered gating middleware over pre_tool_use,
// post_tool_use, pre_response, and session_end.
//
// Shares Registry's priority-sorted-slice-per-key registration shape
// and panic-recovering call path, generalized from "return error, keep
// going" to "return a tagged Result that can halt the pipeline."
type Pipeline struct {
	mu     sync.RWMutex
	hooks  map[PipelineEvent][]*pipelineHook
	logger *slog.Logger
}

// NewPipeline creates an empty Pipeline.
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{hooks: make(map[PipelineEvent][]*pipelineHook), logger: logger.With("component", "hook_pipeline")}
}

// Register adds a handler for event, ordered ascending by priority
// (lower runs first), matching Registration.Priority's convention.
func (p *Pipeline) Register(event PipelineEvent, name string, priority int, handler PipelineHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hooks[event] = append(p.hooks[event], &pipelineHook{name: name, priority: priority, handler: handler})
	sort.Slice(p.hooks[event], func(i, j int) bool {
		return p.hooks[event][i].priority < p.hooks[event][j].priority
	})
}

// Run executes the hooks for event synchronously, in priority order,
// threading payload through each OK result. It stops and returns the
// Block result at the first hook that blocks; a Skip result from any
// hook removes that hook from the chain for this call only (the
// payload it received passes unchanged to the next hook).
//
// Use Run for pre_tool_use and pre_response, which must run
// synchronously so a block can abort the action before it happens.
func (p *Pipeline) Run(ctx context.Context, event PipelineEvent, payload any) Result {
	p.mu.RLock()
	hooks := append([]*pipelineHook(nil), p.hooks[event]...)
	p.mu.RUnlock()

	for _, h := range hooks {
		res := p.call(ctx, h, payload)
		switch res.Outcome {
		case OutcomeBlock:
			p.logger.Warn("hook blocked action", "event", event, "hook", h.name, "reason", res.Reason)
			return res
		case OutcomeSkip:
			continue
		default:
			payload = res.Payload
		}
	}
	return OK(payload)
}

// RunAsync fires the hooks for event fire-and-forget (post_* events
// run asynchronously). Block outcomes are logged but cannot
// retroactively undo the action that already happened.
func (p *Pipeline) RunAsync(ctx context.Context, event PipelineEvent, payload any) {
	p.mu.RLock()
	hooks := append([]*pipelineHook(nil), p.hooks[event]...)
	p.mu.RUnlock()

	go func() {
		for _, h := range hooks {
			res := p.call(ctx, h, payload)
			if res.Outcome == OutcomeBlock {
				p.logger.Warn("post-hook reported block (no-op, action already occurred)",
					"event", event, "hook", h.name, "reason", res.Reason)
			}
		}
	}()
}

func (p *Pipeline) call(ctx context.Context, h *pipelineHook, payload any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Block(fmt.Sprintf("hook %q panicked: %v", h.name, r))
		}
	}()
	return h.handler(ctx, payload)
}
