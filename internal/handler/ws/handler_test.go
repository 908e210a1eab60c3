package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/ask-anything/backend/internal/service/chat"
)

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func setup(t *testing.T) (*httptest.Server, *chatservice.Service, string) {
	t.Helper()

	chatSvc := chatservice.NewService(chatservice.WithStoreOptions(chatservice.WithLogger(log.New(io.Discard, "", 0))))
	r := chi.NewRouter()
	New(chatSvc).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	session, err := chatSvc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	return srv, chatSvc, session.ID
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func readSnapshot(t *testing.T, conn *websocket.Conn) chat.Session {
	t.Helper()

	f := readFrame(t, conn)
	if f.Type != "snapshot" {
		t.Fatalf("expected snapshot frame, got %s (%s)", f.Type, string(f.Data))
	}
	var snap chat.Session
	if err := json.Unmarshal(f.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()

	data, _ := json.Marshal(TextMessage{Text: text})
	if err := conn.WriteJSON(inboundMessage{Type: "text", Data: data}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocketReplayAndTextInput(t *testing.T) {
	srv, chatSvc, sessionID := setup(t)
	conn := dial(t, srv, sessionID)

	snap := readSnapshot(t, conn)
	if len(snap.Messages) != 0 || snap.Busy {
		t.Fatalf("expected empty replay, got %+v", snap)
	}

	sendText(t, conn, "Hi")
	snap = readSnapshot(t, conn)
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "Hi" || !snap.Busy {
		t.Fatalf("unexpected snapshot after text: %+v", snap)
	}

	if _, err := chatSvc.PostAssistantMessage(context.Background(), sessionID, "Hello!"); err != nil {
		t.Fatalf("PostAssistantMessage err: %v", err)
	}
	snap = readSnapshot(t, conn)
	if len(snap.Messages) != 2 || snap.Busy {
		t.Fatalf("unexpected snapshot after reply: %+v", snap)
	}
}

func TestWebSocketBlankTextReturnsError(t *testing.T) {
	srv, _, sessionID := setup(t)
	conn := dial(t, srv, sessionID)
	readSnapshot(t, conn)

	sendText(t, conn, "   ")
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("expected error frame, got %s", f.Type)
	}

	var payload errorPayload
	json.Unmarshal(f.Data, &payload)
	if payload.Code != "invalid_input" {
		t.Fatalf("unexpected error code %q", payload.Code)
	}
}

func TestWebSocketUnsupportedType(t *testing.T) {
	srv, _, sessionID := setup(t)
	conn := dial(t, srv, sessionID)
	readSnapshot(t, conn)

	conn.WriteJSON(inboundMessage{Type: "audio"})
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("expected error frame, got %s", f.Type)
	}
}

func TestWebSocketSessionClosed(t *testing.T) {
	srv, chatSvc, sessionID := setup(t)
	conn := dial(t, srv, sessionID)
	readSnapshot(t, conn)

	chatSvc.CloseSession(context.Background(), sessionID)
	if f := readFrame(t, conn); f.Type != "closed" {
		t.Fatalf("expected closed frame, got %s", f.Type)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	srv, _, _ := setup(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}
