// Package api provides the HTTP management surface of FlowPipe.
//
// It exposes endpoints for loading flows, configuring tenant routing, driving campaigns,
// feeding contact lists, receiving inbound messages and inspecting sessions. Every response
// uses the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultReadHeaderTimeout bounds slow clients.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr    string
	Webhook http.HandlerFunc // Twilio inbound webhook, when that channel is in use
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// Server serves the management API.
type Server struct {
	st        store.Store
	interp    *flow.Interpreter
	campaigns *campaign.Scheduler
	webhook   http.HandlerFunc
	addr      string
	srv       *http.Server
}

// NewServer creates a Server over the store, interpreter and campaign scheduler.
func NewServer(st store.Store, interp *flow.Interpreter, campaigns *campaign.Scheduler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		st:        st,
		interp:    interp,
		campaigns: campaigns,
		webhook:   cfg.Webhook,
		addr:      cfg.Addr,
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	return s
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /flows", s.saveFlowHandler)
	mux.HandleFunc("POST /flows/validate", s.validateFlowHandler)
	mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	mux.HandleFunc("POST /triggers", s.createTriggerHandler)
	mux.HandleFunc("PUT /tenants/{tenant}/settings", s.tenantSettingsHandler)

	mux.HandleFunc("POST /campaigns", s.createCampaignHandler)
	mux.HandleFunc("GET /campaigns", s.listCampaignsHandler)
	mux.HandleFunc("GET /campaigns/{id}", s.getCampaignHandler)
	mux.HandleFunc("POST /campaigns/{id}/start", s.campaignTransitionHandler(s.campaigns.Start))
	mux.HandleFunc("POST /campaigns/{id}/stop", s.campaignTransitionHandler(s.campaigns.Stop))
	mux.HandleFunc("POST /campaigns/{id}/restart", s.campaignTransitionHandler(s.campaigns.Restart))
	mux.HandleFunc("PUT /contact-lists/{id}", s.contactListHandler)

	mux.HandleFunc("POST /inbound", s.inboundHandler)
	mux.HandleFunc("POST /webhooks/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("POST /tickets/close", s.closeTicketHandler)
	mux.HandleFunc("GET /sessions", s.listSessionsHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)

	return mux
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: API listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API")
	return s.srv.Shutdown(ctx)
}
