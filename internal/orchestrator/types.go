// Package orchestrator implements the multi-agent orchestrator:
// complexity analysis, dependency-wave decomposition of a message into
// sub-tasks, bounded-parallel execution of one miniature agent loop
// per sub-task, and result synthesis.
//
// Wave scheduling (topological stage computation, semaphore-bounded
// per-stage goroutine fan-out) generalizes "cycle -> error" and
// "abort-on-first-error" to "cycle -> forced terminal wave" and
// "per-agent failure isolation". Task and wave lifecycle events route
// through internal/bus rather than a private callback.
package orchestrator

import (
	"sync"
	"time"
)

// Status is an OrchestratorTask's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AgentStatus is a single sub-agent's lifecycle state within a task.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// SubTask is one unit of decomposed work.
type SubTask struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Role        string   `json:"role"`
	ToolsNeeded []string `json:"tools_needed,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// AgentState tracks one sub-agent worker's progress within a task.
type AgentState struct {
	ID            string
	TaskID        string
	Name          string
	Role          string
	Status        AgentStatus
	ToolUses      int
	TokensUsed    int
	CurrentAction string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Result        string
	Error         string
}

// Task is the full record of one decomposed message's execution,
// owned by the Orchestrator for the task's lifetime plus a retention
// window.
type Task struct {
	TaskID          string
	OriginalMessage string
	SessionID       string
	Status          Status
	SubTasks        []SubTask
	Agents          map[string]*AgentState // agent_id -> state
	Results         map[string]string      // sub_task name -> text
	PendingWaves    [][]SubTask
	CurrentWave     int
	Synthesis       string
	EstimatedCost   float64
	EstimatedHours  float64
	StartedAt       time.Time
	CompletedAt     *time.Time

	mu sync.Mutex
}

// Snapshot is a point-in-time, lock-free copy of a Task suitable for
// returning from progress() / list_tasks().
type Snapshot struct {
	TaskID          string
	OriginalMessage string
	SessionID       string
	Status          Status
	SubTasks        []SubTask
	Agents          map[string]AgentState
	Results         map[string]string
	CurrentWave     int
	TotalWaves      int
	Synthesis       string
	EstimatedCost   float64
	EstimatedHours  float64
	StartedAt       time.Time
	CompletedAt     *time.Time
}

func (t *Task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	agents := make(map[string]AgentState, len(t.Agents))
	for id, a := range t.Agents {
		agents[id] = *a
	}
	results := make(map[string]string, len(t.Results))
	for k, v := range t.Results {
		results[k] = v
	}
	return Snapshot{
		TaskID:          t.TaskID,
		OriginalMessage: t.OriginalMessage,
		SessionID:       t.SessionID,
		Status:          t.Status,
		SubTasks:        append([]SubTask(nil), t.SubTasks...),
		Agents:          agents,
		Results:         results,
		CurrentWave:     t.CurrentWave,
		TotalWaves:      len(t.PendingWaves),
		Synthesis:       t.Synthesis,
		EstimatedCost:   t.EstimatedCost,
		EstimatedHours:  t.EstimatedHours,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func (t *Task) setAgent(a *AgentState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Agents[a.ID] = a
}

func (t *Task) setResult(name, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Results[name] = text
}

func (t *Task) advanceWave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentWave++
}

func (t *Task) finish(status Status, synthesis string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = status
	t.Synthesis = synthesis
	now := time.Now()
	t.CompletedAt = &now
}
