package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osacore/osa/internal/agent"
	"github.com/osacore/osa/internal/agentloop"
	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/internal/bus"
	agentctx "github.com/osacore/osa/internal/context"
	"github.com/osacore/osa/internal/hooks"
	"github.com/osacore/osa/internal/provider"
	"github.com/osacore/osa/internal/sessions"
	"github.com/osacore/osa/internal/toolregistry"
	"github.com/osacore/osa/pkg/models"
)

// validRoles bounds the decomposition's role vocabulary. An unrecognized
// role is coerced to "generalist" with a warning rather than failing
// the whole decomposition: the simple-mode fallback is reserved for
// parsing/LLM failure, not an individual field's validity.
var validRoles = map[string]bool{
	"backend": true, "frontend": true, "data": true, "qa": true,
	"docs": true, "research": true, "devops": true, "generalist": true,
}

// Config controls Orchestrator behavior.
type Config struct {
	// MaxAgents caps the number of sub-tasks a decomposition may
	// produce. Default: 8.
	MaxAgents int

	// MaxParallelAgents bounds concurrent sub-agent workers within a
	// single wave. Default: 5.
	MaxParallelAgents int

	// Tier/Temperature select the provider route for analyze() and
	// synthesize(), both single low-temperature calls.
	Tier provider.Tier

	// SubAgentConfig configures each sub-task's miniature Agent Loop.
	SubAgentConfig agentloop.Config
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxAgents:         8,
		MaxParallelAgents: 5,
		Tier:              provider.TierUtility,
		SubAgentConfig:    agentloop.Config{MaxIterations: 15, Tier: provider.TierSpecialist, Temperature: 0.4},
	}
}

// Orchestrator decomposes a message into sub-tasks, schedules them in
// dependency waves, executes sub-agents with bounded parallelism, and
// synthesizes their results.
//
// Every dependency besides Registry is optional; a nil Tools/Hooks/Bus
// degrades gracefully rather than panicking, matching agentloop.Loop's
// own nil-safety contract (the Orchestrator wires a Loop per sub-task,
// so the two must agree on this).
type Orchestrator struct {
	cfg       Config
	registry  *provider.Registry
	sessions  sessions.Store
	tools     *toolregistry.Registry
	hooks     *hooks.Pipeline
	bus       *bus.Bus
	compactor *agentctx.Compactor
	assembler *agentctx.Assembler
	logger    *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
}

// New creates an Orchestrator. registry must not be nil.
func New(cfg Config, registry *provider.Registry, store sessions.Store, tools *toolregistry.Registry, hookPipeline *hooks.Pipeline, b *bus.Bus, compactor *agentctx.Compactor, assembler *agentctx.Assembler, logger *slog.Logger) *Orchestrator {
	d := DefaultConfig()
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = d.MaxAgents
	}
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = d.MaxParallelAgents
	}
	if cfg.Tier == "" {
		cfg.Tier = d.Tier
	}
	if cfg.SubAgentConfig.MaxIterations <= 0 {
		cfg.SubAgentConfig = d.SubAgentConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		sessions:  store,
		tools:     tools,
		hooks:     hookPipeline,
		bus:       b,
		compactor: compactor,
		assembler: assembler,
		logger:    logger.With("component", "orchestrator"),
		tasks:     make(map[string]*Task),
	}
}

func (o *Orchestrator) emit(event string, fields map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(bus.TopicSystemEvent, bus.SystemEventPayload{Event: event, Fields: fields})
}

// subTaskJSON is the wire shape analyze()'s fixed prompt asks the
// model to respond with.
type subTaskJSON struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Role        string   `json:"role"`
	ToolsNeeded []string `json:"tools_needed"`
	DependsOn   []string `json:"depends_on"`
}

const analyzePrompt = `You decide whether a request needs one specialist or several working in
parallel. Respond with ONLY a JSON array. An empty array "[]" means the
request is simple enough for a single agent. Otherwise, decompose it into
2 or more sub-tasks, each an object:
{"name": "short_id", "description": "what to do", "role": "backend|frontend|data|qa|docs|research|devops|generalist",
 "tools_needed": ["tool_name", ...], "depends_on": ["other sub-task name", ...]}
Keep sub-task names unique, lower_snake_case, and depends_on referencing only
other names in this same array.`

// Decomposition is analyze()'s {:simple} | {:complex, [SubTask]} result.
type Decomposition struct {
	Complex  bool
	SubTasks []SubTask
}

// Analyze runs one low-temperature provider call, parsed and
// validated. Any parse or LLM failure folds to :simple rather than
// propagating an error: decomposition is advisory, never load-bearing.
func (o *Orchestrator) Analyze(ctx context.Context, message string) Decomposition {
	if o.registry == nil || strings.TrimSpace(message) == "" {
		return Decomposition{}
	}

	resp, cerr := o.registry.Chat(ctx, []agent.CompletionMessage{{Role: string(models.RoleUser), Content: message}}, analyzePrompt, provider.ChatOpts{
		Tier:        o.cfg.Tier,
		Temperature: 0,
		MaxTokens:   1024,
	})
	if cerr != nil {
		o.logger.Warn("analyze: provider call failed, treating as simple", "error", cerr)
		return Decomposition{}
	}

	raw := strings.TrimSpace(resp.Content)
	if i := strings.Index(raw, "["); i > 0 {
		raw = raw[i:]
	}
	if j := strings.LastIndex(raw, "]"); j >= 0 && j < len(raw)-1 {
		raw = raw[:j+1]
	}

	var parsed []subTaskJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		o.logger.Warn("analyze: could not parse decomposition, treating as simple", "error", err)
		return Decomposition{}
	}
	if len(parsed) < 2 {
		return Decomposition{}
	}
	if len(parsed) > o.cfg.MaxAgents {
		o.logger.Warn("analyze: decomposition exceeds max_agents, truncating", "count", len(parsed), "max", o.cfg.MaxAgents)
		parsed = parsed[:o.cfg.MaxAgents]
	}

	subTasks := make([]SubTask, 0, len(parsed))
	for _, p := range parsed {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(p.Role))
		if !validRoles[role] {
			o.logger.Warn("analyze: unrecognized role, coercing to generalist", "role", p.Role, "sub_task", name)
			role = "generalist"
		}
		subTasks = append(subTasks, SubTask{
			Name:        name,
			Description: p.Description,
			Role:        role,
			ToolsNeeded: p.ToolsNeeded,
			DependsOn:   p.DependsOn,
		})
	}
	if len(subTasks) < 2 {
		return Decomposition{}
	}
	return Decomposition{Complex: true, SubTasks: subTasks}
}

// Execute returns immediately with a task_id; the waves run
// asynchronously in a detached goroutine. Call Progress(task_id) to
// poll completion.
func (o *Orchestrator) Execute(ctx context.Context, message, sessionID string, subTasks []SubTask) (string, error) {
	if len(subTasks) == 0 {
		return "", agenterr.New(agenterr.ReasonInvalidRequest, "no sub-tasks to execute")
	}

	taskID := uuid.NewString()
	task := &Task{
		TaskID:          taskID,
		OriginalMessage: message,
		SessionID:       sessionID,
		Status:          StatusRunning,
		SubTasks:        subTasks,
		Agents:          make(map[string]*AgentState),
		Results:         make(map[string]string),
		PendingWaves:    buildWaves(subTasks),
		StartedAt:       time.Now(),
	}

	o.mu.Lock()
	o.tasks[taskID] = task
	o.mu.Unlock()

	o.emit("orchestrator_task_started", map[string]any{"task_id": taskID, "session_id": sessionID, "sub_task_count": len(subTasks)})

	agentSummaries := make([]map[string]any, 0, len(subTasks))
	for _, st := range subTasks {
		agentSummaries = append(agentSummaries, map[string]any{"name": st.Name, "role": st.Role})
	}
	o.emit("orchestrator_agents_spawning", map[string]any{"task_id": taskID, "agent_count": len(subTasks), "agents": agentSummaries})

	o.appraise(task)

	go o.run(context.WithoutCancel(ctx), task)

	return taskID, nil
}

// appraise attaches a cheap deterministic cost/hours heuristic to the
// task before the first wave. Appraisal never fails, so there is no
// fallback path.
func (o *Orchestrator) appraise(task *Task) {
	task.mu.Lock()
	task.EstimatedHours = float64(len(task.SubTasks)) * 0.5
	task.EstimatedCost = float64(len(task.SubTasks)) * 0.25
	task.mu.Unlock()

	o.emit("orchestrator_task_appraised", map[string]any{
		"task_id":         task.TaskID,
		"estimated_hours": task.EstimatedHours,
		"estimated_cost":  task.EstimatedCost,
	})
}

// run executes every wave in order, then synthesizes. No task in wave
// N+1 starts before every task in wave N has a recorded result
// (completed or failed): failure isolation means a failed sub-task
// never aborts its wave or the task as a whole.
func (o *Orchestrator) run(ctx context.Context, task *Task) {
	for _, wave := range task.PendingWaves {
		o.emit("orchestrator_wave_started", map[string]any{"task_id": task.TaskID, "wave": task.CurrentWave, "tasks": waveNames(wave)})
		o.runWave(ctx, task, wave)
		task.advanceWave()
	}

	snapshot := task.snapshot()
	synthesis, err := o.synthesize(ctx, snapshot)
	if err != nil {
		o.logger.Warn("synthesis failed, falling back to concatenation", "task_id", task.TaskID, "error", err)
		synthesis = concatenateResults(snapshot)
	}

	status := StatusCompleted
	for _, a := range snapshot.Agents {
		if a.Status == AgentFailed {
			status = StatusFailed
			break
		}
	}
	task.finish(status, synthesis)

	event := "orchestrator_task_completed"
	if status == StatusFailed {
		event = "orchestrator_task_failed"
	}
	o.emit(event, map[string]any{"task_id": task.TaskID})
}

func (o *Orchestrator) runWave(ctx context.Context, task *Task, wave []SubTask) {
	sem := make(chan struct{}, o.cfg.MaxParallelAgents)
	var wg sync.WaitGroup

	for _, st := range wave {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			o.runOne(ctx, task, st)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) runOne(ctx context.Context, task *Task, st SubTask) {
	agentID := newAgentID(task.TaskID, st.Name)
	state := &AgentState{ID: agentID, TaskID: task.TaskID, Name: st.Name, Role: st.Role, Status: AgentRunning, StartedAt: time.Now(), CurrentAction: "starting"}
	task.setAgent(state)
	o.emit("orchestrator_agent_started", map[string]any{"task_id": task.TaskID, "agent_id": agentID, "name": st.Name, "role": st.Role})
	// orchestrator_agent_progress{tool_uses, tokens_used, current_action}: the live
	// stream itself is the progress tracker's own subscription to this sub-agent's
	// tool_call/llm_response events (keyed by its "orchestrator:<task_id>:<name>" session id);
	// this event marks the transition into that running state for listeners with no tracker.
	o.emit("orchestrator_agent_progress", map[string]any{"task_id": task.TaskID, "agent_id": agentID, "name": st.Name, "tool_uses": 0, "tokens_used": 0, "current_action": "running"})

	priorResults := task.snapshot().Results

	text, err := o.runSubAgent(ctx, task, st, priorResults)

	now := time.Now()
	if err != nil {
		state.Status = AgentFailed
		state.Error = err.Error()
		state.CompletedAt = &now
		task.setAgent(state)
		o.emit("orchestrator_agent_failed", map[string]any{"task_id": task.TaskID, "agent_id": agentID, "name": st.Name, "error": err.Error()})
		task.setResult(st.Name, fmt.Sprintf("[failed: %s]", err.Error()))
		return
	}

	state.Status = AgentCompleted
	state.Result = text
	state.CompletedAt = &now
	task.setAgent(state)
	task.setResult(st.Name, text)
	o.emit("orchestrator_agent_completed", map[string]any{"task_id": task.TaskID, "agent_id": agentID, "name": st.Name})
}

const synthesizePrompt = "You are combining the outputs of several specialist sub-agents into one " +
	"unified response for the original request. Reference the sub-task outputs as needed. Be concise and coherent."

// synthesize runs one provider call over every sub-task's labeled
// output, producing a single coherent response.
func (o *Orchestrator) synthesize(ctx context.Context, snapshot Snapshot) (string, error) {
	if o.registry == nil {
		return concatenateResults(snapshot), nil
	}

	var sb strings.Builder
	sb.WriteString("Original request: " + snapshot.OriginalMessage + "\n\n")
	names := make([]string, 0, len(snapshot.Results))
	for name := range snapshot.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("## %s\n%s\n\n", name, snapshot.Results[name]))
	}

	resp, cerr := o.registry.Chat(ctx, []agent.CompletionMessage{{Role: string(models.RoleUser), Content: sb.String()}}, synthesizePrompt, provider.ChatOpts{
		Tier:        o.cfg.Tier,
		Temperature: 0.3,
		MaxTokens:   2048,
	})
	if cerr != nil {
		return "", cerr
	}
	return resp.Content, nil
}

// concatenateResults is synthesize()'s deterministic fallback.
func concatenateResults(snapshot Snapshot) string {
	names := make([]string, 0, len(snapshot.Results))
	for name := range snapshot.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("%s:\n%s\n\n", name, snapshot.Results[name]))
	}
	return strings.TrimSpace(sb.String())
}

// Progress returns a snapshot of taskID's current state.
func (o *Orchestrator) Progress(taskID string) (Snapshot, *agenterr.Error) {
	o.mu.RLock()
	task, ok := o.tasks[taskID]
	o.mu.RUnlock()
	if !ok {
		return Snapshot{}, agenterr.New(agenterr.ReasonNotFound, "task not found: "+taskID)
	}
	return task.snapshot(), nil
}

// TaskSummary is one entry of list_tasks()'s result.
type TaskSummary struct {
	TaskID    string
	Status    Status
	StartedAt time.Time
}

// ListTasks returns a summary of every task the orchestrator knows about.
func (o *Orchestrator) ListTasks() []TaskSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]TaskSummary, 0, len(o.tasks))
	for _, t := range o.tasks {
		t.mu.Lock()
		out = append(out, TaskSummary{TaskID: t.TaskID, Status: t.Status, StartedAt: t.StartedAt})
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func waveNames(wave []SubTask) []string {
	out := make([]string, 0, len(wave))
	for _, st := range wave {
		out = append(out, st.Name)
	}
	return out
}
