package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
	chatService "github.com/zhouzirui/ask-anything/backend/internal/service/chat"
	"github.com/zhouzirui/ask-anything/backend/pkg/utils"
)

// Handler 会话服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建会话处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGetSession)
		r.Delete("/", h.handleCloseSession)
		r.Post("/messages", h.handleUserMessage)
		r.Post("/assistant", h.handleAssistantMessage)
	})
}

type textPayload struct {
	Text string `json:"text"`
}

type sessionResponse struct {
	chat.SessionInfo
	chat.Session
}

type messageResponse struct {
	Message chat.Message `json:"message"`
	Session chat.Session `json:"session"`
	Warning string       `json:"warning,omitempty"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, sessionResponse{
		SessionInfo: info,
		Session:     chat.Session{Messages: []chat.Message{}},
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	info, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	snapshot, err := h.chatSvc.Snapshot(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sessionResponse{SessionInfo: info, Session: snapshot})
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.CloseSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUserMessage 追加用户消息
func (h *Handler) handleUserMessage(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	msg, err := h.chatSvc.SendUserMessage(r.Context(), sessionID, payload.Text)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.respondMessage(w, r, sessionID, msg, "")
}

// handleAssistantMessage 追加助手回复，供外部模型后端回调
func (h *Handler) handleAssistantMessage(w http.ResponseWriter, r *http.Request) {
	var payload textPayload
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	msg, err := h.chatSvc.PostAssistantMessage(r.Context(), sessionID, payload.Text)
	warning := ""
	if errors.Is(err, chatService.ErrUnexpectedState) {
		warning = "unexpected_state"
		err = nil
	}
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.respondMessage(w, r, sessionID, msg, warning)
}

func (h *Handler) respondMessage(w http.ResponseWriter, r *http.Request, sessionID string, msg chat.Message, warning string) {
	snapshot, err := h.chatSvc.Snapshot(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, messageResponse{
		Message: msg,
		Session: snapshot,
		Warning: warning,
	})
}

// StatusFor maps chat service errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, err error) {
	utils.RespondError(w, StatusFor(err), err.Error())
}
