// Package api provides the HTTP server of LobikoPipe.
//
// It receives provider webhooks (Twilio, WhatsApp Cloud API), exposes the
// physician endpoints for consultation sessions, the realtime websocket and a
// health check.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/models"
	"github.com/lobikohealth/LobikoPipe/internal/store"
)

// Constants for API server configuration
const (
	// DefaultServerAddress is the listen address used when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one API request.
	DefaultRequestTimeout = 30 * time.Second
)

// Repository is the persistence the HTTP handlers read and write directly.
type Repository interface {
	CreatePhysician(ctx context.Context, p *models.Physician) error
	GetSession(ctx context.Context, id int64) (*models.ConsultationSession, error)
	ListMessages(ctx context.Context, sessionID int64) ([]models.Message, error)
	ListMedia(ctx context.Context, sessionID int64) ([]models.MediaMessage, error)
	ListOpenSessions(ctx context.Context, filter models.SessionQueueFilter) ([]models.SessionSummary, error)
	Ping(ctx context.Context) error
}

// Compile-time check that the SQL stores satisfy Repository.
var _ Repository = (store.Store)(nil)

// SessionActions are the physician operations on a session.
type SessionActions interface {
	PhysicianReply(ctx context.Context, sessionID, physicianID int64, text string) (*models.Message, error)
	PhysicianClose(ctx context.Context, sessionID, physicianID int64) (*models.ConsultationSession, error)
	PhysicianVideoCall(ctx context.Context, sessionID, physicianID int64) (*models.Message, error)
}

// Compile-time check that flow.SessionManager provides SessionActions.
var _ SessionActions = (*flow.SessionManager)(nil)

// Opts holds the optional parts of the server.
type Opts struct {
	Addr            string
	TwilioWebhook   http.HandlerFunc
	CloudAPIWebhook http.HandlerFunc
	Realtime        http.Handler
	// TransportUp reports whether the messaging transport is online; nil
	// means it is not checked.
	TransportUp func() bool
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the Twilio inbound webhook at /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithCloudAPIWebhook mounts the WhatsApp Cloud API webhook at /webhooks/whatsapp.
func WithCloudAPIWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.CloudAPIWebhook = h }
}

// WithRealtime mounts the websocket endpoint at /ws.
func WithRealtime(h http.Handler) Option {
	return func(o *Opts) { o.Realtime = h }
}

// WithTransportCheck makes /healthz fail while up reports false.
func WithTransportCheck(up func() bool) Option {
	return func(o *Opts) { o.TransportUp = up }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	repo     Repository
	sessions SessionActions
	opts     Opts
}

// NewServer creates a Server.
func NewServer(repo Repository, sessions SessionActions, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{repo: repo, sessions: sessions, opts: cfg}
}

// Router builds the chi router with every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)

	if s.opts.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", s.opts.TwilioWebhook)
	}
	if s.opts.CloudAPIWebhook != nil {
		r.Get("/webhooks/whatsapp", s.opts.CloudAPIWebhook)
		r.Post("/webhooks/whatsapp", s.opts.CloudAPIWebhook)
	}
	if s.opts.Realtime != nil {
		r.Handle("/ws", s.opts.Realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(DefaultRequestTimeout))
		r.Post("/physicians", s.createPhysicianHandler)
		r.Get("/sessions", s.listSessionsHandler)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Post("/messages", s.physicianReplyHandler)
			r.Post("/close", s.closeSessionHandler)
			r.Post("/video", s.videoCallHandler)
		})
	})
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
