package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/ask-anything/backend/internal/handler/chat"
	"github.com/zhouzirui/ask-anything/backend/internal/handler/stream"
	"github.com/zhouzirui/ask-anything/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/ask-anything/backend/internal/middleware"
	chatService "github.com/zhouzirui/ask-anything/backend/internal/service/chat"
	"github.com/zhouzirui/ask-anything/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"assistant": chatSvc.ResponderEnabled(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(chatSvc).RegisterRoutes(api)
		stream.New(chatSvc).RegisterRoutes(api)
		ws.New(chatSvc).RegisterRoutes(api)
	})

	return r
}
