package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/handler/chat"
	middlewarePkg "github.com/zhouzirui/bubble-relay/internal/middleware"
	chatService "github.com/zhouzirui/bubble-relay/internal/service/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/usage"
	"github.com/zhouzirui/bubble-relay/pkg/utils"
)

// Deps are the services exposed over HTTP. Reporter and Health may be nil.
type Deps struct {
	Chat      *chatService.Service
	Inbound   chat.InboundHandler
	Resetter  chat.Resetter
	Transport *chat.Transport
	Reporter  usage.Reporter
	Health    func(ctx context.Context) error
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r.Context()); err != nil {
				log.Error().Err(err).Msg("health check failed")
				utils.RespondError(w, http.StatusServiceUnavailable, "storage unavailable")
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	chatHandler := chat.New(deps.Chat, deps.Resetter, deps.Reporter)
	wsHandler := chat.NewWebSocketHandler(deps.Transport, deps.Inbound)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
	})

	return r
}
