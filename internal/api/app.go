package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/spayyavula/campuspandit-sub002/internal/config"
	"github.com/spayyavula/campuspandit-sub002/internal/database"
	"github.com/spayyavula/campuspandit-sub002/internal/server"
)

// RealtimeApp is the HTTP surface of the service: the push endpoints, the
// control API and the operational endpoints.
type RealtimeApp struct {
	log            *slog.Logger
	db             database.MembershipRepository
	hub            *server.Hub
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewRealtimeApp(mux *http.ServeMux, logger *slog.Logger, hub *server.Hub, db database.MembershipRepository, metrics http.Handler, cfg *config.Config) *RealtimeApp {
	s := &RealtimeApp{
		log:            logger,
		db:             db,
		hub:            hub,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))
	mux.HandleFunc("GET /sse", s.authMiddleware(s.serveSSE))

	mux.HandleFunc("POST /api/connections/{id}/subscriptions", s.authMiddleware(s.subscribe))
	mux.HandleFunc("DELETE /api/connections/{id}/subscriptions", s.authMiddleware(s.unsubscribe))
	mux.HandleFunc("POST /api/typing", s.authMiddleware(s.setTyping))
	mux.HandleFunc("PUT /api/presence", s.authMiddleware(s.setPresence))
	mux.HandleFunc("GET /api/presence/online", s.authMiddleware(s.onlineUsers))
	mux.HandleFunc("GET /api/presence/{user_id}", s.authMiddleware(s.userPresence))
	mux.HandleFunc("GET /api/channels/{channel_id}/online", s.authMiddleware(s.channelOnline))
	mux.HandleFunc("GET /api/channels/{channel_id}/typing", s.authMiddleware(s.channelTyping))
	mux.HandleFunc("GET /api/channels/{channel_id}/presence", s.authMiddleware(s.channelPresence))
	mux.HandleFunc("POST /api/channels/{channel_id}/read", s.authMiddleware(s.markRead))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h,
	}

	return s
}

func (s *RealtimeApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *RealtimeApp) Start() error {
	s.log.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting requests. Long lived push connections are not
// waited for; the hub drains them.
func (s *RealtimeApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
