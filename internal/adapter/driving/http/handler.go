package http

import (
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	ChatService *service.ChatService
	Router      port.SignalRouter
	Hub         *ws.Hub
	Verifier    *auth.Verifier
	Metrics     *metrics.Metrics

	AllowedOrigins []string
	StaticDir      string
}

func NewHandler(chatService *service.ChatService, router port.SignalRouter, hub *ws.Hub, verifier *auth.Verifier, m *metrics.Metrics) *Handler {
	return &Handler{
		ChatService: chatService,
		Router:      router,
		Hub:         hub,
		Verifier:    verifier,
		Metrics:     m,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())

	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(h.authenticate)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.PostMessage)
		r.Get("/presence", h.ListPresence)
	})

	if h.StaticDir != "" {
		fs := http.FileServer(http.Dir(h.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}
