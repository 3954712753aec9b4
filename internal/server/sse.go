// ABOUTME: Server-sent event streams for message logs and conversation lists
// ABOUTME: Bridges engine subscriptions onto flushed text/event-stream responses

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/relieflink/relieflink/internal/store"
)

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// handleMessageStream streams a conversation's message log as SSE. The first
// "messages" event carries the full history; later events carry what was
// appended since.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	conversationID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := s.engine.SubscribeMessages(r.Context(), conversationID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("message subscription failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	setSSEHeaders(w)
	s.writeSSEEvent(w, "connected", map[string]string{"conversation_id": conversationID})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case batch, ok := <-stream:
			if !ok {
				return
			}
			msgs := make([]messageResponse, 0, len(batch))
			for _, m := range batch {
				msgs = append(msgs, toMessageResponse(m))
			}
			s.writeSSEEvent(w, "messages", msgs)
			flusher.Flush()
		}
	}
}

// handleConversationStream streams the caller's conversation list as SSE.
// The full list is re-sent whenever any of their conversations changes.
func (s *Server) handleConversationStream(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := s.engine.SubscribeConversations(r.Context(), userID)
	if err != nil {
		s.logger.Error("conversation subscription failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	setSSEHeaders(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case summaries, ok := <-stream:
			if !ok {
				return
			}
			resp := make([]conversationResponse, 0, len(summaries))
			for _, summary := range summaries {
				resp = append(resp, toConversationResponse(summary))
			}
			s.writeSSEEvent(w, "conversations", resp)
			flusher.Flush()
		}
	}
}
