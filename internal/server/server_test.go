// ABOUTME: HTTP API tests covering identity flows, send, read receipts, and SSE
// ABOUTME: Runs the full stack against a temp SQLite store via httptest

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflink/relieflink/internal/config"
	"github.com/relieflink/relieflink/internal/identity"
	"github.com/relieflink/relieflink/internal/messaging"
	"github.com/relieflink/relieflink/internal/presence"
	"github.com/relieflink/relieflink/internal/store"
)

type fixture struct {
	ts    *httptest.Server
	store store.Store
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tracker := presence.NewMemoryTracker(time.Minute)
	engine := messaging.NewEngine(st, tracker, time.Minute, slog.Default())
	t.Cleanup(engine.Close)

	verifier := identity.NewJWTVerifier([]byte("test-secret"))
	ident := identity.NewService(st, verifier, time.Hour, slog.Default())

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: ":0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
	}

	srv := New(cfg, st, engine, ident, tracker, slog.Default())
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, store: st}
}

// postJSON sends a JSON body and decodes the JSON response into out (if non-nil)
func (f *fixture) postJSON(t *testing.T, path, token string, body, out any) int {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.ts.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) getJSON(t *testing.T, path, token string, out any) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// register creates an account through the API and returns its token and user ID
func (f *fixture) register(t *testing.T, username string) (token, userID string) {
	t.Helper()

	var session struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	status := f.postJSON(t, "/api/register", "", map[string]string{
		"username":     username,
		"password":     "pw-" + username,
		"display_name": strings.ToUpper(username[:1]) + username[1:],
	}, &session)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, session.Token)
	return session.Token, session.User.ID
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)

	var out map[string]string
	status := f.getJSON(t, "/health", "", &out)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestRegisterAndLoginFlow(t *testing.T) {
	f := newTestServer(t)

	token, userID := f.register(t, "alice")

	var me struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	status := f.getJSON(t, "/api/me", token, &me)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, userID, me.ID)
	assert.Equal(t, "Alice", me.DisplayName)

	// Duplicate username conflicts
	status = f.postJSON(t, "/api/register", "", map[string]string{
		"username": "alice", "password": "x",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Login round trip
	var session struct {
		Token string `json:"token"`
	}
	status = f.postJSON(t, "/api/login", "", map[string]string{
		"username": "alice", "password": "pw-alice",
	}, &session)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, session.Token)

	status = f.postJSON(t, "/api/login", "", map[string]string{
		"username": "alice", "password": "wrong",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestOTPFlow(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()

	status := f.postJSON(t, "/api/otp/request", "", map[string]string{
		"phone": "+15551234",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	// The code is delivered out of band; read it from the store
	lc, err := f.store.GetLoginCode(ctx, "+15551234")
	require.NoError(t, err)

	status = f.postJSON(t, "/api/otp/verify", "", map[string]string{
		"phone": "+15551234", "code": "000000",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var session struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	status = f.postJSON(t, "/api/otp/verify", "", map[string]string{
		"phone": "+15551234", "code": lc.Code,
	}, &session)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, session.Token)
	assert.NotEmpty(t, session.User.ID)
}

func TestUpdateProfile(t *testing.T) {
	f := newTestServer(t)

	token, _ := f.register(t, "alice")

	payload, err := json.Marshal(map[string]string{
		"display_name": "Alice in the field",
		"avatar_url":   "https://example.com/a.png",
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/api/me", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "Alice in the field", me.DisplayName)
	assert.Equal(t, "https://example.com/a.png", me.AvatarURL)
}

func TestAuthRequired(t *testing.T) {
	f := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, f.getJSON(t, "/api/me", "", nil))
	assert.Equal(t, http.StatusUnauthorized, f.getJSON(t, "/api/users", "", nil))
	assert.Equal(t, http.StatusUnauthorized, f.postJSON(t, "/api/send", "", map[string]string{}, nil))
	assert.Equal(t, http.StatusUnauthorized, f.getJSON(t, "/api/me", "garbage", nil))
}

func TestListUsersExcludesCaller(t *testing.T) {
	f := newTestServer(t)

	aliceToken, aliceID := f.register(t, "alice")
	_, bobID := f.register(t, "bob")

	var users []struct {
		ID string `json:"id"`
	}
	status := f.getJSON(t, "/api/users", aliceToken, &users)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, users, 1)
	assert.Equal(t, bobID, users[0].ID)
	assert.NotEqual(t, aliceID, users[0].ID)
}

func TestSendAndMarkRead(t *testing.T) {
	f := newTestServer(t)

	aliceToken, _ := f.register(t, "alice")
	_, bobID := f.register(t, "bob")

	var msg struct {
		ConversationID string `json:"conversation_id"`
		Seq            int64  `json:"seq"`
		Text           string `json:"text"`
	}
	status := f.postJSON(t, "/api/send", aliceToken, map[string]string{
		"recipient_id": bobID, "text": "  hello bob  ",
	}, &msg)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "hello bob", msg.Text)

	// Validation and error mapping
	assert.Equal(t, http.StatusBadRequest, f.postJSON(t, "/api/send", aliceToken,
		map[string]string{"recipient_id": bobID, "text": "   "}, nil))
	assert.Equal(t, http.StatusNotFound, f.postJSON(t, "/api/send", aliceToken,
		map[string]string{"recipient_id": "ghost", "text": "hi"}, nil))

	// Retries with the same client ref are suppressed
	body := map[string]string{"recipient_id": bobID, "text": "once", "client_ref": "ref-1"}
	assert.Equal(t, http.StatusCreated, f.postJSON(t, "/api/send", aliceToken, body, nil))
	assert.Equal(t, http.StatusConflict, f.postJSON(t, "/api/send", aliceToken, body, nil))

	// Read receipts are fire and forget
	status = f.postJSON(t, "/api/conversations/"+msg.ConversationID+"/read", aliceToken, map[string]string{}, nil)
	assert.Equal(t, http.StatusOK, status)
	status = f.postJSON(t, "/api/conversations/nonexistent/read", aliceToken, map[string]string{}, nil)
	assert.Equal(t, http.StatusOK, status)
}

// sseEvent is one parsed server-sent event
type sseEvent struct {
	Event string
	Data  string
}

// readSSE parses events off the stream until the wanted count or a timeout.
func readSSE(t *testing.T, scanner *bufio.Scanner, want int, timeout time.Duration) []sseEvent {
	t.Helper()

	done := make(chan []sseEvent, 1)
	go func() {
		var events []sseEvent
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.Data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.Event != "":
				events = append(events, current)
				current = sseEvent{}
				if len(events) >= want {
					done <- events
					return
				}
			}
		}
		done <- events
	}()

	select {
	case events := <-done:
		return events
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %d SSE events", want)
		return nil
	}
}

func TestMessageStreamSSE(t *testing.T) {
	f := newTestServer(t)

	aliceToken, _ := f.register(t, "alice")
	bobToken, bobID := f.register(t, "bob")

	var msg struct {
		ConversationID string `json:"conversation_id"`
	}
	status := f.postJSON(t, "/api/send", aliceToken, map[string]string{
		"recipient_id": bobID, "text": "first",
	}, &msg)
	require.Equal(t, http.StatusCreated, status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := fmt.Sprintf("%s/api/conversations/%s/messages?token=%s", f.ts.URL, msg.ConversationID, bobToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)

	// connected, then the history snapshot
	events := readSSE(t, scanner, 2, 2*time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "connected", events[0].Event)
	assert.Equal(t, "messages", events[1].Event)

	var snapshot []struct {
		Text string `json:"text"`
		Seq  int64  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &snapshot))
	require.Len(t, snapshot, 1)
	assert.Equal(t, "first", snapshot[0].Text)

	// A live send shows up as a follow-up event
	status = f.postJSON(t, "/api/send", aliceToken, map[string]string{
		"recipient_id": bobID, "text": "second",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	events = readSSE(t, scanner, 1, 2*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "messages", events[0].Event)

	var live []struct {
		Text string `json:"text"`
		Seq  int64  `json:"seq"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &live))
	require.Len(t, live, 1)
	assert.Equal(t, "second", live[0].Text)
	assert.Equal(t, int64(2), live[0].Seq)
}

func TestMessageStreamDeniesOutsiders(t *testing.T) {
	f := newTestServer(t)

	aliceToken, _ := f.register(t, "alice")
	_, bobID := f.register(t, "bob")
	carolToken, _ := f.register(t, "carol")

	var msg struct {
		ConversationID string `json:"conversation_id"`
	}
	status := f.postJSON(t, "/api/send", aliceToken, map[string]string{
		"recipient_id": bobID, "text": "private",
	}, &msg)
	require.Equal(t, http.StatusCreated, status)

	status = f.getJSON(t, "/api/conversations/"+msg.ConversationID+"/messages", carolToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConversationStreamSSE(t *testing.T) {
	f := newTestServer(t)

	aliceToken, aliceID := f.register(t, "alice")
	bobToken, _ := f.register(t, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.ts.URL+"/api/conversations?token="+aliceToken, nil)
	require.NoError(t, err)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)

	// Initial list is empty
	events := readSSE(t, scanner, 1, 2*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "conversations", events[0].Event)
	assert.Equal(t, "[]", strings.TrimSpace(events[0].Data))

	// Bob messages alice; her list updates with an unread conversation
	status := f.postJSON(t, "/api/send", bobToken, map[string]string{
		"recipient_id": aliceID, "text": "hi alice",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	events = readSSE(t, scanner, 1, 2*time.Second)
	require.Len(t, events, 1)

	var convs []struct {
		Peer struct {
			DisplayName string `json:"display_name"`
		} `json:"peer"`
		LastMessage string `json:"last_message"`
		Unread      int    `json:"unread"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &convs))
	require.Len(t, convs, 1)
	assert.Equal(t, "Bob", convs[0].Peer.DisplayName)
	assert.Equal(t, "hi alice", convs[0].LastMessage)
	assert.Equal(t, 1, convs[0].Unread)
}
