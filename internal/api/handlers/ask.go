package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/docagent-io/docagent/internal/api"
	"github.com/docagent-io/docagent/internal/service"
	"github.com/go-chi/chi/v5"
)

// doneSentinel is the final SSE data event after a completed stream.
const doneSentinel = "[DONE]"

// AskService streams an answer for a question against a chat's document.
type AskService interface {
	Ask(ctx context.Context, chatID, question string, onToken func(string) error) (*service.GenerationResult, error)
}

type AskHandler struct {
	svc AskService
}

func NewAskHandler(svc AskService) *AskHandler {
	return &AskHandler{svc: svc}
}

type AskRequest struct {
	Question string `json:"question"`
}

type askMetadata struct {
	TokenCount  int    `json:"token_count"`
	ContextUsed string `json:"context_used,omitempty"`
}

// Ask streams generated tokens as server-sent events. Errors before the
// first token are plain JSON responses; failures mid-stream become an SSE
// "error" event so the client can tell them apart from completion.
func (h *AskHandler) Ask(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if chatID == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		api.Error(w, http.StatusBadRequest, "question is required")
		return
	}

	stream := newEventStream(w)

	result, err := h.svc.Ask(r.Context(), chatID, req.Question, func(token string) error {
		return stream.sendData(token)
	})
	if err != nil {
		if !stream.started {
			api.HandleError(w, err)
			return
		}
		payload, _ := json.Marshal(api.ErrorResponse{Error: err.Error()})
		stream.sendEvent("error", string(payload))
		return
	}

	meta, _ := json.Marshal(askMetadata{
		TokenCount:  result.TokenCount,
		ContextUsed: result.ContextUsed,
	})
	stream.sendEvent("metadata", string(meta))
	stream.sendData(doneSentinel)
}

// eventStream writes server-sent events, deferring headers until the first
// event so early failures can still produce a normal JSON error response.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	flusher, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: flusher}
}

func (s *eventStream) begin() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *eventStream) sendData(data string) error {
	return s.write("", data)
}

func (s *eventStream) sendEvent(name, data string) error {
	return s.write(name, data)
}

func (s *eventStream) write(event, data string) error {
	s.begin()

	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	// Multi-line payloads need one data: field per line.
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}

	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
