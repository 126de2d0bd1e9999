package gatewayhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/osacore/osa/internal/agentloop"
	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/internal/orchestrator"
	"github.com/osacore/osa/internal/progress"
	"github.com/osacore/osa/pkg/models"
)

type orchestrateRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Blocking  *bool  `json:"blocking,omitempty"`
}

type orchestrateResponse struct {
	SessionID   string        `json:"session_id"`
	Output      string        `json:"output,omitempty"`
	Signal      models.Signal `json:"signal"`
	ExecutionMs int64         `json:"execution_ms,omitempty"`
	Plan        bool          `json:"plan,omitempty"`
}

type orchestrateAcceptedResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// pollInterval is how often a blocking orchestrate request checks
// Orchestrator.Progress while a decomposed task's waves run. There is
// no future/channel exposed across the HTTP boundary, so polling is
// the simplest correct wait for the in-process caller too.
const pollInterval = 150 * time.Millisecond

// handleOrchestrate implements "POST /api/v1/orchestrate": the agent
// loop decides simple-vs-complex by asking the Orchestrator to analyze
// the message first, then either answers directly or decomposes
// across sub-agents.
func (h *Handler) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1/orchestrate" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}

	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "input is required")
		return
	}
	if h.Loop == nil {
		writeAgentErr(w, agenterr.New(agenterr.ReasonInternal, "agent loop not configured"))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	blocking := true
	if req.Blocking != nil {
		blocking = *req.Blocking
	}

	ctx := r.Context()

	var decomposition orchestrator.Decomposition
	if h.Orchestrator != nil {
		decomposition = h.Orchestrator.Analyze(ctx, req.Input)
	}

	if decomposition.Complex {
		h.orchestrateComplex(w, r.Context(), req.Input, sessionID, decomposition, blocking)
		return
	}

	h.orchestrateSimple(w, ctx, req.Input, sessionID)
}

func (h *Handler) orchestrateSimple(w http.ResponseWriter, ctx context.Context, input, sessionID string) {
	start := time.Now()
	msg := &models.Message{
		SessionID: sessionID,
		Channel:   models.ChannelHTTP,
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: start,
	}

	result := h.Loop.ProcessMessage(ctx, sessionID, msg, agentloop.Options{})
	elapsed := time.Since(start).Milliseconds()

	switch result.Outcome {
	case agentloop.OutcomeOK:
		writeJSON(w, http.StatusOK, orchestrateResponse{
			SessionID: sessionID, Output: result.Text, Signal: result.Signal, ExecutionMs: elapsed,
		})
	case agentloop.OutcomePlan:
		writeJSON(w, http.StatusOK, orchestrateResponse{
			SessionID: sessionID, Output: result.Text, Signal: result.Signal, ExecutionMs: elapsed, Plan: true,
		})
	default:
		writeAgentErr(w, result.Err)
	}
}

func (h *Handler) orchestrateComplex(w http.ResponseWriter, ctx context.Context, input, sessionID string, decomposition orchestrator.Decomposition, blocking bool) {
	taskID, err := h.Orchestrator.Execute(ctx, input, sessionID, decomposition.SubTasks)
	if err != nil {
		writeAgentErr(w, agenterr.Wrap(agenterr.ReasonInternal, err))
		return
	}

	if !blocking {
		writeJSON(w, http.StatusAccepted, orchestrateAcceptedResponse{TaskID: taskID, Status: "running"})
		return
	}

	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeAgentErr(w, agenterr.New(agenterr.ReasonCancelled, "client disconnected"))
			return
		case <-ticker.C:
			snapshot, perr := h.Orchestrator.Progress(taskID)
			if perr != nil {
				writeAgentErr(w, perr)
				return
			}
			if snapshot.Status == orchestrator.StatusRunning {
				continue
			}
			writeJSON(w, http.StatusOK, orchestrateResponse{
				SessionID:   sessionID,
				Output:      snapshot.Synthesis,
				ExecutionMs: time.Since(start).Milliseconds(),
			})
			return
		}
	}
}

type progressResponse struct {
	TaskID      string                              `json:"task_id"`
	Status      orchestrator.Status                 `json:"status"`
	CurrentWave int                                 `json:"current_wave"`
	TotalWaves  int                                 `json:"total_waves"`
	Agents      map[string]orchestrator.AgentState  `json:"agents"`
	Results     map[string]string                   `json:"results"`
	Synthesis   string                               `json:"synthesis,omitempty"`
	Activity    *progress.Snapshot                  `json:"activity,omitempty"`
}

// handleOrchestrateProgress implements
// "GET /api/v1/orchestrate/:task_id/progress".
func (h *Handler) handleOrchestrateProgress(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/orchestrate/")
	taskID, ok := strings.CutSuffix(rest, "/progress")
	if !ok || taskID == "" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	if h.Orchestrator == nil {
		writeAgentErr(w, agenterr.New(agenterr.ReasonNotFound, "orchestrator not configured"))
		return
	}

	snapshot, err := h.Orchestrator.Progress(taskID)
	if err != nil {
		writeAgentErr(w, err)
		return
	}

	var activity *progress.Snapshot
	if h.Activity != nil {
		if snap, ok := h.Activity.Snapshot(snapshot.SessionID); ok {
			activity = &snap
		}
	}

	writeJSON(w, http.StatusOK, progressResponse{
		TaskID:      snapshot.TaskID,
		Status:      snapshot.Status,
		CurrentWave: snapshot.CurrentWave,
		TotalWaves:  snapshot.TotalWaves,
		Agents:      snapshot.Agents,
		Results:     snapshot.Results,
		Synthesis:   snapshot.Synthesis,
		Activity:    activity,
	})
}
