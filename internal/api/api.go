// Package api exposes booking sessions over HTTP: starting and advancing
// sessions, read-only views of slots and audit logs, the Twilio inbound SMS
// webhook, the admin CSV export, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Orchestrator is the session workflow the API drives.
type Orchestrator interface {
	Start(ctx context.Context) (flow.Result, error)
	Get(ctx context.Context, sessionID string) (flow.Result, error)
	Advance(ctx context.Context, sessionID string, in flow.Input) (flow.Result, error)
	Abandon(ctx context.Context, sessionID string) error
	AwaitingSession(ctx context.Context, phone string) (*models.Session, error)
}

// Store is the read side of the audit logs plus inbound deduplication.
type Store interface {
	store.ReminderLog
	store.CommunicationLog
	store.DedupRepo
}

// SlotFinder lists bookable slots for a preference and classification.
type SlotFinder interface {
	FindSlots(ctx context.Context, providerPref, locationPref string, classification models.Classification) ([]models.Slot, error)
}

// Exporter renders the confirmed appointments as CSV.
type Exporter interface {
	WriteCSV(ctx context.Context, w io.Writer) (int, error)
}

// RequestValidator checks the signature on an inbound webhook.
type RequestValidator interface {
	ValidateRequest(url string, r *http.Request) bool
}

// Observer receives request and webhook counts.
type Observer interface {
	ObserveInbound(status string)
	ObserveHTTP(route string, code int, seconds float64)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	Slots          SlotFinder
	Exporter       Exporter
	Validator      RequestValidator
	PublicURL      string // externally visible base URL, used for webhook signatures
	MetricsHandler http.Handler
	Observer       Observer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSlotFinder enables GET /slots.
func WithSlotFinder(f SlotFinder) Option {
	return func(o *Opts) { o.Slots = f }
}

// WithExporter enables GET /admin/export.
func WithExporter(e Exporter) Option {
	return func(o *Opts) { o.Exporter = e }
}

// WithTwilioValidator enables signature checks on the inbound SMS webhook.
// publicURL is the base URL Twilio was configured with.
func WithTwilioValidator(v RequestValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Validator = v
		o.PublicURL = publicURL
	}
}

// WithMetrics mounts the metrics handler on /metrics and records request metrics.
func WithMetrics(h http.Handler, obs Observer) Option {
	return func(o *Opts) {
		o.MetricsHandler = h
		o.Observer = obs
	}
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	orch Orchestrator
	st   Store
	cfg  Opts
}

// NewServer creates a Server. Features whose option is absent answer 501.
func NewServer(orch Orchestrator, st Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{orch: orch, st: st, cfg: cfg}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.healthHandler)
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.startSessionHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Delete("/", s.abandonSessionHandler)
			r.Post("/messages", s.advanceSessionHandler)
			r.Get("/reminders", s.remindersHandler)
			r.Get("/communications", s.communicationsHandler)
		})
	})
	r.Get("/slots", s.slotsHandler)
	r.Get("/admin/export", s.exportHandler)
	r.Post("/webhooks/twilio/sms", s.twilioSMSHandler)
	return r
}

// observe records the latency of every request under its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	if s.cfg.Observer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.cfg.Observer.ObserveHTTP(route, code, time.Since(start).Seconds())
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
