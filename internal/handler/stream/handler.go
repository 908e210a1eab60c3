package stream

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/ask-anything/backend/internal/handler/chat"
	chatModel "github.com/zhouzirui/ask-anything/backend/internal/model/chat"
	chatService "github.com/zhouzirui/ask-anything/backend/internal/service/chat"
	"github.com/zhouzirui/ask-anything/backend/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

// Handler pushes session snapshots to clients via Server-Sent Events.
type Handler struct {
	chatSvc   *chatService.Service
	keepAlive time.Duration
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc:   chatSvc,
		keepAlive: keepAliveInterval,
	}
}

// RegisterRoutes 注册SSE订阅路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

type closedEvent struct {
	SessionID string `json:"sessionId"`
}

// handleStream subscribes the client to a session. The current snapshot is
// sent first, then one "snapshot" event per change. An optional "message"
// query parameter is appended as a user message once the stream is open.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	store, err := h.chatSvc.Store(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, chat.StatusFor(err), err.Error())
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	updates, stop := store.Watch()
	defer stop()

	log.Printf("[sse] opening stream for session=%s", sessionID)

	if message := r.URL.Query().Get("message"); message != "" {
		if _, err := h.chatSvc.SendUserMessage(r.Context(), sessionID, message); err != nil {
			utils.SendSSEEvent(w, flusher, "error", map[string]string{"error": err.Error()})
		}
	}

	h.pump(r.Context(), w, flusher, sessionID, updates, store.Done())
}

func (h *Handler) pump(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, updates <-chan chatModel.Session, done <-chan struct{}) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] client left session=%s", sessionID)
			return
		case <-done:
			utils.SendSSEEvent(w, flusher, "closed", closedEvent{SessionID: sessionID})
			log.Printf("[sse] session closed session=%s", sessionID)
			return
		case snapshot := <-updates:
			if err := utils.SendSSEEvent(w, flusher, "snapshot", snapshot); err != nil {
				log.Printf("[sse] write failed session=%s: %v", sessionID, err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}
