package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/dispatch"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// ErrNoChannel is returned when a tenant has no channel connection.
var ErrNoChannel = errors.New("no channel connection for tenant")

// InboundHandler consumes inbound messages. flow.Interpreter satisfies it.
type InboundHandler interface {
	OnInboundMessage(ctx context.Context, tenantID, contactID string, payload models.InboundPayload) error
}

// Router maps tenants to their channel connection. It is the ChannelSend capability.
type Router struct {
	mu       sync.RWMutex
	services map[string]Service
	wg       sync.WaitGroup
}

var _ dispatch.ChannelSender = (*Router)(nil)

func NewRouter() *Router {
	return &Router{services: make(map[string]Service)}
}

// Register binds svc to tenantID, replacing any previous binding.
func (r *Router) Register(tenantID string, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[tenantID] = svc
}

// Service returns the connection bound to tenantID.
func (r *Router) Service(tenantID string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[tenantID]
	return svc, ok
}

// Tenants lists the tenants with a channel connection.
func (r *Router) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for t := range r.services {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Send delivers payload on the tenant's connection. A missing connection or an invalid
// recipient is a permanent failure.
func (r *Router) Send(ctx context.Context, tenantID, target string, payload models.Payload) (models.Receipt, error) {
	svc, ok := r.Service(tenantID)
	if !ok {
		return models.Receipt{}, fmt.Errorf("%w: %w %q", models.ErrPermanent, ErrNoChannel, tenantID)
	}
	to, err := svc.ValidateAndCanonicalizeRecipient(target)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("%w: %w", models.ErrPermanent, err)
	}
	return svc.Send(ctx, to, payload)
}

// Start starts every registered service and pumps its inbound messages into h. Receipts
// are drained and logged.
func (r *Router) Start(ctx context.Context, h InboundHandler) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tenant, svc := range r.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start channel for tenant %s: %w", tenant, err)
		}
		r.wg.Add(2)
		go r.pumpInbound(ctx, tenant, svc, h)
		go r.drainReceipts(tenant, svc)
	}
	return nil
}

// Stop stops every service and waits for the pumps to exit.
func (r *Router) Stop() error {
	r.mu.RLock()
	var errs []error
	for tenant, svc := range r.services {
		if err := svc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop channel for tenant %s: %w", tenant, err))
		}
	}
	r.mu.RUnlock()
	r.wg.Wait()
	return errors.Join(errs...)
}

func (r *Router) pumpInbound(ctx context.Context, tenant string, svc Service, h InboundHandler) {
	defer r.wg.Done()
	for in := range svc.Inbound() {
		contact := util.NormalizeNumber(in.From)
		err := h.OnInboundMessage(ctx, tenant, contact, in)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrDuplicateInbound):
			slog.Debug("Router.pumpInbound: duplicate inbound skipped", "tenant", tenant, "contact", contact, "message_id", in.MessageID)
		default:
			slog.Error("Router.pumpInbound: inbound handling failed", "tenant", tenant, "contact", contact, "error", err)
		}
	}
}

func (r *Router) drainReceipts(tenant string, svc Service) {
	defer r.wg.Done()
	for rc := range svc.Receipts() {
		slog.Debug("Router.drainReceipts", "tenant", tenant, "to", rc.To, "message_id", rc.MessageID, "status", rc.Status)
	}
}
