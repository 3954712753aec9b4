// ABOUTME: JSON API handlers for identity, user listing, send, and read receipts
// ABOUTME: Maps engine and identity errors to HTTP status codes

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relieflink/relieflink/internal/identity"
	"github.com/relieflink/relieflink/internal/messaging"
	"github.com/relieflink/relieflink/internal/store"
)

// userResponse is the public view of a user
type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Online      bool   `json:"online,omitempty"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// sessionResponse is returned by register, login, and code verification
type sessionResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// messageResponse is the wire form of a message
type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

func toMessageResponse(m *store.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
	}
}

// conversationResponse is one entry of a user's conversation list
type conversationResponse struct {
	ID          string       `json:"id"`
	Peer        userResponse `json:"peer"`
	LastMessage string       `json:"last_message"`
	Unread      int          `json:"unread"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func toConversationResponse(s *messaging.ConversationSummary) conversationResponse {
	peer := toUserResponse(s.Peer)
	peer.Online = s.PeerOnline
	return conversationResponse{
		ID:          s.ConversationID,
		Peer:        peer,
		LastMessage: s.LastMessage,
		Unread:      s.Unread,
		UpdatedAt:   s.UpdatedAt,
	}
}

func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := s.identity.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserExists):
			s.sendJSONError(w, http.StatusConflict, "username already taken")
		case errors.Is(err, identity.ErrInvalidCredentials):
			s.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		default:
			s.logger.Error("registration failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, sessionResponse{Token: token, User: toUserResponse(user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := s.identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendJSON(w, http.StatusOK, sessionResponse{Token: token, User: toUserResponse(user)})
}

func (s *Server) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	code, err := s.identity.RequestCode(r.Context(), req.Phone)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			s.sendJSONError(w, http.StatusBadRequest, "phone is required")
			return
		}
		s.logger.Error("code request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// No SMS gateway is wired up; the code goes to the server log where an
	// operator or dev client can read it.
	s.logger.Info("login code ready for delivery", "phone", req.Phone, "code", code)

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, token, err := s.identity.VerifyCode(r.Context(), req.Phone, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrCodeMismatch):
			s.sendJSONError(w, http.StatusUnauthorized, "invalid code")
		case errors.Is(err, identity.ErrCodeExpired):
			s.sendJSONError(w, http.StatusUnauthorized, "code expired")
		case errors.Is(err, identity.ErrTooManyAttempts):
			s.sendJSONError(w, http.StatusTooManyRequests, "too many attempts")
		default:
			s.logger.Error("code verification failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	s.sendJSON(w, http.StatusOK, sessionResponse{Token: token, User: toUserResponse(user)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("loading current user failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, toUserResponse(user))
}

// handleUpdateMe refreshes the caller's profile fields
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		s.sendJSONError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	if err := s.store.UpdateUserProfile(r.Context(), userID, strings.TrimSpace(req.DisplayName), req.AvatarURL); err != nil {
		s.logger.Error("profile update failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("loading updated profile failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, toUserResponse(user))
}

// handleListUsers returns everyone except the caller, for starting new
// conversations.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	users, err := s.store.ListUsers(r.Context(), userID)
	if err != nil {
		s.logger.Error("listing users failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		ur := toUserResponse(u)
		online, err := s.presence.Online(r.Context(), u.ID)
		if err == nil {
			ur.Online = online
		}
		resp = append(resp, ur)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	var req struct {
		RecipientID string `json:"recipient_id"`
		Text        string `json:"text"`
		ClientRef   string `json:"client_ref"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.engine.Send(r.Context(), userID, req.RecipientID, req.Text, req.ClientRef)
	if err != nil {
		switch {
		case errors.Is(err, messaging.ErrInvalidArgument):
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, messaging.ErrDuplicateSend):
			s.sendJSONError(w, http.StatusConflict, "duplicate send")
		case errors.Is(err, store.ErrNotFound):
			s.sendJSONError(w, http.StatusNotFound, "recipient not found")
		default:
			s.logger.Error("send failed", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	conversationID := r.PathValue("id")

	if err := s.engine.MarkRead(r.Context(), conversationID, userID); err != nil {
		s.logger.Error("mark read failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
