package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/ask-anything/backend/internal/service/chat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// Handler WebSocket会话订阅处理器
type Handler struct {
	chatSvc  *chatservice.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage carries text typed into the input field.
type TextMessage struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	store, err := h.chatSvc.Store(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, stop := store.Watch()
	defer stop()

	outbox := make(chan outgoingMessage, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, sessionID, updates, store.Done(), outbox)
		cancel()
		// unblock the reader
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	h.readLoop(ctx, conn, sessionID, outbox)
	cancel()
	<-writerDone
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, outbox chan<- outgoingMessage) {
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		var reply *outgoingMessage
		if msg.SessionID != "" && msg.SessionID != sessionID {
			reply = errorMessage("session_mismatch", "session mismatch")
		} else {
			reply = h.handleMessage(ctx, sessionID, &msg)
		}

		if reply == nil {
			continue
		}
		select {
		case outbox <- *reply:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage applies an inbound frame and returns an error frame, if any.
// Successful appends are reported through the snapshot feed.
func (h *Handler) handleMessage(ctx context.Context, sessionID string, msg *inboundMessage) *outgoingMessage {
	switch msg.Type {
	case "text":
		var text TextMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			return errorMessage("invalid_payload", "invalid text payload")
		}
		if _, err := h.chatSvc.SendUserMessage(ctx, sessionID, text.Text); err != nil {
			return errorMessage(errorCode(err), err.Error())
		}
		return nil
	default:
		return errorMessage("unsupported_type", "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sessionID string, updates <-chan chat.Session, done <-chan struct{}, outbox <-chan outgoingMessage) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			h.write(conn, outgoingMessage{Type: "closed", SessionID: sessionID, Timestamp: time.Now().Unix()})
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(writeWait))
			return
		case snapshot := <-updates:
			if err := h.write(conn, outgoingMessage{Type: "snapshot", SessionID: sessionID, Data: snapshot, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case msg := <-outbox:
			msg.SessionID = sessionID
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg outgoingMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write %s failed: %v", msg.Type, err)
		return err
	}
	return nil
}

func errorMessage(code, message string) *outgoingMessage {
	return &outgoingMessage{
		Type:      "error",
		Data:      errorPayload{Code: code, Message: message},
		Timestamp: time.Now().Unix(),
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chatservice.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, chatservice.ErrSessionClosed), errors.Is(err, chatservice.ErrSessionNotFound):
		return "session_closed"
	default:
		return "internal"
	}
}
