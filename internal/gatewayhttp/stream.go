package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/osacore/osa/internal/agenterr"
	"github.com/osacore/osa/internal/auth"
	"github.com/osacore/osa/internal/bus"
)

// keepAliveInterval is how often a keep-alive comment is sent to hold
// the SSE connection open through idle proxies.
const keepAliveInterval = 30 * time.Second

// activityInterval is how often the progress tracker's snapshot is
// pushed as its own SSE event, distinct from bus-driven events so a
// slow-polling client can still render a status line without parsing
// every tool_call/llm_response frame.
const activityInterval = 2 * time.Second

var streamTopics = []string{
	bus.TopicAgentResponse,
	bus.TopicToolCall,
	bus.TopicLLMRequest,
	bus.TopicLLMResponse,
	bus.TopicSystemEvent,
}

// handleStream implements "GET /api/v1/stream/:session_id": one SSE
// event per bus event, `event: connected` on open, a keep-alive
// comment every 30 s, clean termination on disconnect.
//
// Uses internal/bus's Subscribe/Unsubscribe pair for the fan-out, with
// a flat per-connection relay since every bus event here is already
// small and infrequent.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/v1/stream/")
	if sessionID == "" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "unknown route")
		return
	}
	if h.Bus == nil {
		writeAgentErr(w, agenterr.New(agenterr.ReasonInternal, "event bus not configured"))
		return
	}

	if !h.streamAccessAllowed(r.Context(), sessionID) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", sessionID)
	flusher.Flush()

	events := make(chan sseEvent, 64)
	refs := make([]string, 0, len(streamTopics))
	for _, topic := range streamTopics {
		topic := topic
		ref := h.Bus.Subscribe(topic, func(t string, payload any) {
			if sid, ok := payloadSessionID(payload); ok && sid != sessionID {
				return
			}
			select {
			case events <- sseEvent{topic: t, payload: payload}:
			default:
				h.Logger.Warn("dropping SSE event: client channel full", "session_id", sessionID, "topic", t)
			}
		}, bus.Async)
		refs = append(refs, ref)
	}
	defer func() {
		for _, ref := range refs {
			h.Bus.Unsubscribe(ref)
		}
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	activityTick := time.NewTicker(activityInterval)
	defer activityTick.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-activityTick.C:
			if h.Activity == nil {
				continue
			}
			snap, ok := h.Activity.Snapshot(sessionID)
			if !ok {
				continue
			}
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: activity\ndata: %s\n\n", data)
			flusher.Flush()
		case evt := <-events:
			data, err := json.Marshal(evt.payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.topic, data)
			flusher.Flush()
		}
	}
}

type sseEvent struct {
	topic   string
	payload any
}

// payloadSessionID extracts the session_id carried by a bus payload, if
// any. system_event payloads carry it inside their Fields map since
// that topic is a generic firehose rather than a typed struct.
func payloadSessionID(payload any) (string, bool) {
	switch p := payload.(type) {
	case bus.ToolCallPayload:
		return p.SessionID, p.SessionID != ""
	case bus.LLMRequestPayload:
		return p.SessionID, p.SessionID != ""
	case bus.LLMResponsePayload:
		return p.SessionID, p.SessionID != ""
	case bus.AgentResponsePayload:
		return p.SessionID, p.SessionID != ""
	case bus.SystemEventPayload:
		if v, ok := p.Fields["session_id"]; ok {
			if s, ok := v.(string); ok {
				return s, s != ""
			}
		}
	}
	return "", false
}

// streamAccessAllowed: anonymous sessions are public; authenticated
// sessions enforce owner match (fail closed to 404). A session with no
// recorded owner is treated as anonymous.
func (h *Handler) streamAccessAllowed(ctx context.Context, sessionID string) bool {
	if h.Sessions == nil {
		return true
	}
	sess, err := h.Sessions.Get(ctx, sessionID)
	if err != nil || sess == nil {
		return true
	}
	owner, _ := sess.Metadata["user_id"].(string)
	if owner == "" {
		return true
	}
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return false
	}
	return user.ID == owner
}
