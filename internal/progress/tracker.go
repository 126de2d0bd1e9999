// Package progress implements the progress/activity tracker: a purely
// reactive, per-session view derived from the event bus, exposing
// {elapsed_ms, tool_count, input_tokens, output_tokens, current_action,
// agent_summaries} for channels like a terminal status line, an HTTP
// progress endpoint, or an SSE stream.
//
// Generalizes internal/status/builder.go's one-shot snapshot-struct
// render and internal/status/cost.go's usage aggregation into a live,
// bus-subscribed counter table.
package progress

import (
	"strings"
	"sync"
	"time"

	"github.com/osacore/osa/internal/bus"
)

// AgentSummary is one sub-agent's contribution to an orchestrated
// session's progress, keyed by the Orchestrator's agent_id.
type AgentSummary struct {
	AgentID       string `json:"agent_id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	Status        string `json:"status"` // running | completed | failed
	ToolCount     int    `json:"tool_count"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	CurrentAction string `json:"current_action,omitempty"`
}

// Snapshot is the Tracker's per-session contract struct.
type Snapshot struct {
	ElapsedMs      int64          `json:"elapsed_ms"`
	ToolCount      int            `json:"tool_count"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	CurrentAction  string         `json:"current_action,omitempty"`
	AgentSummaries []AgentSummary `json:"agent_summaries,omitempty"`
}

type sessionStats struct {
	startedAt     time.Time
	toolCount     int
	inputTokens   int
	outputTokens  int
	currentAction string
	agents        map[string]*AgentSummary
	agentOrder    []string
}

// Tracker subscribes to tool_call, llm_response, and system_event
// (for the orchestrator_* events) and maintains one sessionStats per
// top-level session. Sub-agent activity (session ids of the form
// "orchestrator:<task_id>:<name>", per internal/orchestrator/
// subagent.go) is rolled up into the owning session's totals and
// exposed per-agent via AgentSummaries.
type Tracker struct {
	mu          sync.Mutex
	sessions    map[string]*sessionStats
	taskSession map[string]string // task_id -> owning session_id

	refs []string
	b    *bus.Bus
}

// NewTracker builds a Tracker and subscribes it to b. Subscriptions
// are async: a slow or panicking handler never blocks the emitter,
// matching every other Async consumer of internal/bus.
func NewTracker(b *bus.Bus) *Tracker {
	t := &Tracker{
		sessions:    make(map[string]*sessionStats),
		taskSession: make(map[string]string),
		b:           b,
	}
	if b == nil {
		return t
	}
	t.refs = append(t.refs, b.Subscribe(bus.TopicToolCall, t.onToolCall, bus.Async))
	t.refs = append(t.refs, b.Subscribe(bus.TopicLLMResponse, t.onLLMResponse, bus.Async))
	t.refs = append(t.refs, b.Subscribe(bus.TopicSystemEvent, t.onSystemEvent, bus.Async))
	return t
}

// Close unsubscribes the Tracker from the bus.
func (t *Tracker) Close() {
	for _, ref := range t.refs {
		t.b.Unsubscribe(ref)
	}
}

// Snapshot returns the current activity snapshot for sessionID, or
// false if nothing has been observed for it yet.
func (t *Tracker) Snapshot(sessionID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	summaries := make([]AgentSummary, 0, len(st.agentOrder))
	for _, id := range st.agentOrder {
		summaries = append(summaries, *st.agents[id])
	}
	return Snapshot{
		ElapsedMs:      time.Since(st.startedAt).Milliseconds(),
		ToolCount:      st.toolCount,
		InputTokens:    st.inputTokens,
		OutputTokens:   st.outputTokens,
		CurrentAction:  st.currentAction,
		AgentSummaries: summaries,
	}, true
}

func (t *Tracker) session(id string) *sessionStats {
	st, ok := t.sessions[id]
	if !ok {
		st = &sessionStats{startedAt: time.Now(), agents: make(map[string]*AgentSummary)}
		t.sessions[id] = st
	}
	return st
}

// agentSessionOwner resolves a sub-agent session id
// ("orchestrator:<task_id>:<name>") to (ownerSessionID, taskID, name, ok).
// If no owning session is known yet, the sub-session is tracked
// standalone under its own id so activity is never silently dropped.
func (t *Tracker) agentSessionOwner(sessionID string) (owner string, taskID string, name string, isSubAgent bool) {
	rest, ok := strings.CutPrefix(sessionID, "orchestrator:")
	if !ok {
		return sessionID, "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return sessionID, "", "", false
	}
	taskID = parts[0]
	name = parts[1]
	if owner, ok := t.taskSession[taskID]; ok {
		return owner, taskID, name, true
	}
	return sessionID, taskID, name, true
}

func (t *Tracker) onToolCall(_ string, payload any) {
	p, ok := payload.(bus.ToolCallPayload)
	if !ok || p.Phase != bus.ToolCallStart {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, _, name, isSub := t.agentSessionOwner(p.SessionID)
	st := t.session(owner)
	st.toolCount++
	st.currentAction = "tool:" + p.Name
	if isSub {
		if ag, ok := st.agents[name]; ok {
			ag.ToolCount++
			ag.CurrentAction = "tool:" + p.Name
		}
	}
}

func (t *Tracker) onLLMResponse(_ string, payload any) {
	p, ok := payload.(bus.LLMResponsePayload)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, _, name, isSub := t.agentSessionOwner(p.SessionID)
	st := t.session(owner)
	st.inputTokens += p.InputTok
	st.outputTokens += p.OutputTok
	if isSub {
		if ag, ok := st.agents[name]; ok {
			ag.InputTokens += p.InputTok
			ag.OutputTokens += p.OutputTok
		}
	}
}

func (t *Tracker) onSystemEvent(_ string, payload any) {
	p, ok := payload.(bus.SystemEventPayload)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p.Event {
	case "orchestrator_task_started":
		taskID, _ := p.Fields["task_id"].(string)
		sessionID, _ := p.Fields["session_id"].(string)
		if taskID == "" || sessionID == "" {
			return
		}
		t.taskSession[taskID] = sessionID
		t.session(sessionID).currentAction = "decomposing"

	case "orchestrator_wave_started":
		taskID, _ := p.Fields["task_id"].(string)
		if owner, ok := t.taskSession[taskID]; ok {
			t.session(owner).currentAction = "running wave"
		}

	case "orchestrator_agent_started":
		t.upsertAgent(p.Fields, "running")

	case "orchestrator_agent_completed":
		t.upsertAgent(p.Fields, "completed")

	case "orchestrator_agent_failed":
		t.upsertAgent(p.Fields, "failed")

	case "orchestrator_task_completed":
		taskID, _ := p.Fields["task_id"].(string)
		if owner, ok := t.taskSession[taskID]; ok {
			t.session(owner).currentAction = "synthesizing"
		}

	case "orchestrator_task_failed":
		taskID, _ := p.Fields["task_id"].(string)
		if owner, ok := t.taskSession[taskID]; ok {
			t.session(owner).currentAction = "failed"
		}
	}
}

func (t *Tracker) upsertAgent(fields map[string]any, status string) {
	taskID, _ := fields["task_id"].(string)
	agentID, _ := fields["agent_id"].(string)
	name, _ := fields["name"].(string)
	role, _ := fields["role"].(string)
	if taskID == "" || agentID == "" {
		return
	}
	owner, ok := t.taskSession[taskID]
	if !ok {
		return
	}
	st := t.session(owner)
	ag, exists := st.agents[name]
	if !exists {
		ag = &AgentSummary{AgentID: agentID, Name: name, Role: role}
		st.agents[name] = ag
		st.agentOrder = append(st.agentOrder, name)
	}
	ag.Status = status
	if status != "running" {
		ag.CurrentAction = ""
	}
}
