// Package api implements the PalmFlow backend HTTP server.
//
// It exposes the funnel endpoints consumed by the gateway client: lead
// capture, one-time code verification, palm image upload, the question
// catalog, report generation with status polling, flow state, magic links,
// and section unlocks. Responses use the shared APIResponse envelope.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/arcanae/palmflow/internal/genai"
	"github.com/arcanae/palmflow/internal/messaging"
	"github.com/arcanae/palmflow/internal/store"
)

// Default configuration values for the API server.
const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultCodeTTL is how long a one-time code stays valid.
	DefaultCodeTTL = 10 * time.Minute
	// DefaultCodeLength is the number of digits in a one-time code.
	DefaultCodeLength = 6
	// DefaultCodeMaxAttempts bounds wrong-code retries before rate limiting.
	DefaultCodeMaxAttempts = 5
	// DefaultMaxFreeUnlocks is the free section allowance granted to new leads.
	DefaultMaxFreeUnlocks = 3
	// DefaultGenerationTimeout bounds one report generation call.
	DefaultGenerationTimeout = 2 * time.Minute
	// DefaultMaxImageBytes bounds an uploaded palm image payload.
	DefaultMaxImageBytes = 8 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	CodeTTL         time.Duration
	CodeMaxAttempts int
	MaxFreeUnlocks  int
	PricingURL      string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCodeTTL sets the one-time code validity window.
func WithCodeTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.CodeTTL = ttl }
}

// WithCodeMaxAttempts sets the wrong-code attempt limit.
func WithCodeMaxAttempts(n int) Option {
	return func(o *Opts) { o.CodeMaxAttempts = n }
}

// WithMaxFreeUnlocks sets the free section allowance for new leads.
func WithMaxFreeUnlocks(n int) Option {
	return func(o *Opts) { o.MaxFreeUnlocks = n }
}

// WithPricingURL sets the redirect target attached to paywall signals.
func WithPricingURL(u string) Option {
	return func(o *Opts) { o.PricingURL = u }
}

// Server holds the backend dependencies and handles HTTP requests.
type Server struct {
	store      store.Store
	msgService messaging.Service
	generator  genai.Generator

	addr            string
	codeTTL         time.Duration
	codeMaxAttempts int
	maxFreeUnlocks  int
	pricingURL      string

	now        func() time.Time
	httpServer *http.Server
}

// NewServer creates an API server over the given store, messaging service,
// and report generator. The generator may be nil; generation requests then
// fail with a server error.
func NewServer(st store.Store, msgService messaging.Service, generator genai.Generator, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		CodeTTL:         DefaultCodeTTL,
		CodeMaxAttempts: DefaultCodeMaxAttempts,
		MaxFreeUnlocks:  DefaultMaxFreeUnlocks,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("api.NewServer", "addr", cfg.Addr, "code_ttl", cfg.CodeTTL, "max_free_unlocks", cfg.MaxFreeUnlocks)

	return &Server{
		store:           st,
		msgService:      msgService,
		generator:       generator,
		addr:            cfg.Addr,
		codeTTL:         cfg.CodeTTL,
		codeMaxAttempts: cfg.CodeMaxAttempts,
		maxFreeUnlocks:  cfg.MaxFreeUnlocks,
		pricingURL:      cfg.PricingURL,
		now:             time.Now,
	}
}

// Handler returns the routed HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/leads", s.createLeadHandler)
	mux.HandleFunc("POST /v1/leads/{id}/send-code", s.sendCodeHandler)
	mux.HandleFunc("POST /v1/leads/{id}/verify-code", s.verifyCodeHandler)
	mux.HandleFunc("POST /v1/leads/{id}/sync", s.syncLeadHandler)
	mux.HandleFunc("POST /v1/leads/{id}/image", s.uploadImageHandler)
	mux.HandleFunc("GET /v1/leads/{id}/questions", s.questionsHandler)
	mux.HandleFunc("POST /v1/leads/{id}/answers", s.saveAnswersHandler)
	mux.HandleFunc("POST /v1/readings/generate", s.generateHandler)
	mux.HandleFunc("GET /v1/readings/status", s.statusHandler)
	mux.HandleFunc("GET /v1/readings/by-lead", s.readingByLeadHandler)
	mux.HandleFunc("POST /v1/readings/unlock", s.unlockHandler)
	mux.HandleFunc("GET /v1/flow-state", s.getFlowStateHandler)
	mux.HandleFunc("POST /v1/flow-state", s.setFlowStateHandler)
	mux.HandleFunc("POST /v1/magic-link/verify", s.magicLinkHandler)
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	slog.Info("PalmFlow API server listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("PalmFlow API server shutting down")
	return s.httpServer.Shutdown(ctx)
}
