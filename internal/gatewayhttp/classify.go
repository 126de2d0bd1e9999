package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/pkg/models"
)

type classifyRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}

type classifyResponse struct {
	Signal models.Signal `json:"signal"`
}

// handleClassify implements "POST /api/v1/classify {message, channel?}
// -> {signal}".
func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "invalid_request", "method not allowed")
		return
	}

	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}

	channel := models.ChannelHTTP
	if req.Channel != "" {
		channel = models.ChannelType(req.Channel)
	}

	if h.Classifier == nil {
		writeAgentErr(w, agenterr.New(agenterr.ReasonInternal, "classifier not configured"))
		return
	}

	sig := h.Classifier.Classify(r.Context(), req.Message, channel)
	writeJSON(w, http.StatusOK, classifyResponse{Signal: sig})
}
