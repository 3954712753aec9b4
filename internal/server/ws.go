// ABOUTME: Websocket endpoint pushing conversation list updates to mobile clients
// ABOUTME: Reads double as presence heartbeats; ping keepalive detects dead peers

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds each frame write
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before declaring the peer dead
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth happens before the upgrade; mobile clients have no origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one push frame on the websocket
type wsFrame struct {
	Type          string                 `json:"type"`
	Conversations []conversationResponse `json:"conversations,omitempty"`
}

// handleWebSocket upgrades the connection and pushes conversation list
// updates until the client goes away. Anything the client sends is treated
// as a presence heartbeat.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	stream, err := s.engine.SubscribeConversations(r.Context(), userID)
	if err != nil {
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Debug("websocket connected", "user_id", userID)

	// Read pump: discard client frames, refresh presence, detect closes
	go func() {
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
			if err := s.presence.Heartbeat(r.Context(), userID); err != nil {
				s.logger.Warn("heartbeat failed", "user_id", userID, "error", err)
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case summaries, ok := <-stream:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			resp := make([]conversationResponse, 0, len(summaries))
			for _, summary := range summaries {
				resp = append(resp, toConversationResponse(summary))
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsFrame{Type: "conversations", Conversations: resp}); err != nil {
				s.logger.Debug("websocket write failed", "user_id", userID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
