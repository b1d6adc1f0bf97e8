package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/config"
	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/ingest"
	"github.com/snarg/callkernel/internal/metrics"
	"github.com/snarg/callkernel/internal/notifier"
)

// Server is the HTTP front door: packet submission, call status, SSE event
// stream, health, and metrics.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions bundles everything NewServer needs to wire routes.
type ServerOptions struct {
	Config      *config.Config
	DB          *database.DB
	Store       database.Store
	Coordinator *ingest.Coordinator
	Notify      *notifier.Notifier
	Version     string
	StartTime   time.Time
	Log         zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	// Unauthenticated endpoints.
	health := NewHealthHandler(opts.DB, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)

	collector := metrics.NewCollector(opts.DB.Pool, opts.Notify)
	prometheus.MustRegister(collector)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20)) // 1 MB: packets are metadata, not audio
		r.Use(metrics.InstrumentHandler)
		r.Use(BearerAuth(opts.Config.AuthToken, opts.Config.WriteToken))
		r.Use(WriteAuth(opts.Config.WriteToken))
		r.Use(ResponseTimeout(opts.Config.HTTPWriteTimeout))

		r.Route("/api/v1", func(r chi.Router) {
			NewCallsHandler(opts.Store, opts.Coordinator).Routes(r)
			NewEventsHandler(opts.Notify).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:        opts.Config.HTTPAddr,
		Handler:     r,
		ReadTimeout: opts.Config.HTTPReadTimeout,
		IdleTimeout: opts.Config.HTTPIdleTimeout,
		// WriteTimeout left at 0: the SSE stream handler manages its own
		// lifetime and a fixed write deadline would cut it off.
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
