// Package api provides the HTTP server and handlers for OutreachPipe.
//
// It exposes JSON endpoints for templates, persons and sequences, the
// external tick trigger and Prometheus metrics. Every JSON response uses the
// {"status","message","result"} envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/sequence"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds how long in-flight requests may run on shutdown.
const shutdownTimeout = 30 * time.Second

var validate = validator.New()

// Ticker runs one scheduler tick; *sequence.Scheduler satisfies it.
type Ticker interface {
	Tick(ctx context.Context) (*models.TickResult, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr       string
	CronSecret string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCronSecret requires "Authorization: Bearer <secret>" on the tick endpoint.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// Server serves the OutreachPipe HTTP API.
type Server struct {
	engine     *sequence.Engine
	ticker     Ticker
	addr       string
	cronSecret string
	handler    http.Handler
}

// NewServer creates a Server over engine and ticker.
func NewServer(engine *sequence.Engine, ticker Ticker, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		engine:     engine,
		ticker:     ticker,
		addr:       cfg.Addr,
		cronSecret: cfg.CronSecret,
	}
	s.handler = metricsMiddleware(s.routes())
	if s.cronSecret == "" {
		slog.Warn("api.NewServer: CRON_SECRET not set, tick endpoint is unauthenticated")
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /templates", s.createTemplateHandler)
	mux.HandleFunc("GET /templates", s.listTemplatesHandler)
	mux.HandleFunc("GET /templates/{id}", s.getTemplateHandler)
	mux.HandleFunc("PUT /templates/{id}", s.updateTemplateHandler)
	mux.HandleFunc("PUT /templates/{id}/steps", s.replaceTemplateStepsHandler)
	mux.HandleFunc("DELETE /templates/{id}", s.deleteTemplateHandler)
	mux.HandleFunc("GET /variables", s.variablesHandler)

	mux.HandleFunc("POST /persons", s.createPersonHandler)
	mux.HandleFunc("GET /persons/{id}", s.getPersonHandler)
	mux.HandleFunc("GET /persons/{id}/messages", s.personMessagesHandler)
	mux.HandleFunc("GET /persons/{id}/sequences", s.personSequencesHandler)
	mux.HandleFunc("POST /persons/{id}/sequences", s.startSequenceHandler)

	mux.HandleFunc("GET /sequences/{id}", s.getSequenceHandler)
	mux.HandleFunc("PATCH /sequences/{id}", s.sequenceActionHandler)
	mux.HandleFunc("DELETE /sequences/{id}", s.deleteSequenceHandler)

	mux.HandleFunc("POST /cron/outreach", s.cronTickHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: OutreachPipe API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
