package main

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/wrale/oauth2-token-relay/internal/relayflow"
)

type server struct {
	cfg    Config
	router *chi.Mux
	flow   *relayflow.Flow
	logger zerolog.Logger
}

func newServer(cfg Config, flow *relayflow.Flow, logger zerolog.Logger) *server {
	srv := &server{
		cfg:    cfg,
		router: chi.NewRouter(),
		flow:   flow,
		logger: logger,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.Timeout(30 * time.Second))

	srv.routes()

	return srv
}

func (s *server) routes() {
	s.router.Get("/health", s.handleHealth())

	s.router.Route("/{provider}", func(r chi.Router) {
		r.Get("/auth", s.handleAuth())
		r.Get("/callback", s.handleCallback())
		r.Get("/tokens", s.handleTokens())
		r.Delete("/tokens", s.handleRevoke())
	})
}
