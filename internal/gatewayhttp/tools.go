package gatewayhttp

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/osacore/osa/internal/agenterr"
)

type toolSummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolsListResponse struct {
	Tools []toolSummary `json:"tools"`
	Count int           `json:"count"`
}

// handleToolsList implements "GET /api/v1/tools -> {tools, count}".
func (h *Handler) handleToolsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "invalid_request", "method not allowed")
		return
	}
	if h.Tools == nil {
		writeJSON(w, http.StatusOK, toolsListResponse{Tools: []toolSummary{}, Count: 0})
		return
	}

	descs := h.Tools.ListTools()
	out := make([]toolSummary, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolSummary{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	writeJSON(w, http.StatusOK, toolsListResponse{Tools: out, Count: len(out)})
}

type toolExecuteRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

type toolExecuteResponse struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// handleToolExecute implements "POST /api/v1/tools/:name/execute
// {arguments} -> {tool, status, result} | 422 {error, details}".
func (h *Handler) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "invalid_request", "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tools/")
	name, ok := strings.CutSuffix(rest, "/execute")
	if !ok || name == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}

	var req toolExecuteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
	}
	if len(req.Arguments) == 0 {
		req.Arguments = json.RawMessage("{}")
	}

	if h.Tools == nil {
		writeAgentErr(w, agenterr.New(agenterr.ReasonInternal, "tool registry not configured"))
		return
	}

	res := h.Tools.Execute(r.Context(), name, req.Arguments)
	if !res.OK {
		writeError(w, http.StatusUnprocessableEntity, "tool_error", res.Error)
		return
	}
	writeJSON(w, http.StatusOK, toolExecuteResponse{Tool: name, Status: "ok", Result: res.Text})
}
