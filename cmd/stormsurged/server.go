package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/swharr/storm-surge/internal/api"
	"github.com/swharr/storm-surge/internal/broadcast"
	"github.com/swharr/storm-surge/internal/config"
	"github.com/swharr/storm-surge/internal/engine"
	"github.com/swharr/storm-surge/internal/policy"
	"github.com/swharr/storm-surge/internal/spot"
	"github.com/swharr/storm-surge/internal/webhooks/routers"
)

type Server struct {
	Router *chi.Mux
	Port   int
}

func NewServer(port int, cfg *config.Config, gateway *routers.Gateway, policies *policy.Store,
	serializer *engine.Serializer, spotClient *spot.Client, hub *broadcast.Hub) *Server {
	r := chi.NewRouter()

	// Base middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","breakerState":%q,"clusters":%d}`,
			spotClient.BreakerState(), policies.Len())
	})
	r.Handle("/metrics", promhttp.Handler())

	// The WebSocket route stays outside the timeout middleware; everything
	// else gets a request deadline.
	r.Get("/ws", hub.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute))
		r.Post("/webhook/{provider}", gateway.Handler())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(api.AuthMiddleware(cfg.APIToken))
		r.Get("/cluster/{id}/status", routers.StatusHandler(policies, serializer, spotClient))
		r.Post("/cluster/{id}/scale", routers.ScaleHandler(policies, serializer))
	})

	return &Server{
		Router: r,
		Port:   port,
	}
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", s.Port).Msg("Starting server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
