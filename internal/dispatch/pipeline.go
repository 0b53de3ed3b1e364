package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// CapabilityChannelSend names the channel capability in errors.
const CapabilityChannelSend = "ChannelSend"

// ChannelSender delivers one payload to a target on the tenant's channel connection.
type ChannelSender interface {
	Send(ctx context.Context, tenantID, target string, payload models.Payload) (models.Receipt, error)
}

// Records is the persistence the pipeline needs. store.Store satisfies it.
type Records interface {
	CreateDispatch(rec *models.DispatchRecord) (bool, error)
	MarkDispatchSent(id string, attempts int, at time.Time) error
	MarkDispatchFailed(id string, attempts int, errMsg string) error
}

// Meta links a flow send to the session and node that produced it.
type Meta struct {
	SessionID string
	NodeID    string
	ContactID string
}

// Opts configures a Pipeline.
type Opts struct {
	Policy Policy
	Now    func() time.Time
}

// Option configures a Pipeline.
type Option func(*Opts)

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Pipeline is the single path every outbound message takes.
type Pipeline struct {
	sender  ChannelSender
	limiter *Registry
	records Records
	policy  Policy
	now     func() time.Time
	log     *slog.Logger
}

// NewPipeline creates a pipeline over the given channel, limiter registry and record store.
func NewPipeline(sender ChannelSender, limiter *Registry, records Records, opts ...Option) *Pipeline {
	cfg := Opts{Policy: DefaultPolicy(), Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if limiter == nil {
		limiter = NewRegistry()
	}
	return &Pipeline{
		sender:  sender,
		limiter: limiter,
		records: records,
		policy:  cfg.Policy,
		now:     cfg.Now,
		log:     slog.With("component", "dispatch"),
	}
}

// Send records and delivers a flow payload. On exhaustion the record is marked failed and a
// *models.CapabilityError naming meta.NodeID is returned.
func (p *Pipeline) Send(ctx context.Context, tenantID, target string, payload models.Payload, meta Meta) (*models.DispatchRecord, error) {
	rec := &models.DispatchRecord{
		TenantID:  tenantID,
		Target:    target,
		Payload:   payload,
		Source:    models.SourceFlow,
		SessionID: meta.SessionID,
		NodeID:    meta.NodeID,
		ContactID: meta.ContactID,
		Outcome:   models.DispatchSending,
		SendAt:    p.now(),
	}
	if _, err := p.records.CreateDispatch(rec); err != nil {
		return nil, fmt.Errorf("record dispatch: %w", err)
	}
	return rec, p.Deliver(ctx, rec)
}

// Deliver sends an already recorded dispatch, such as a planned campaign send, and stores
// its outcome.
func (p *Pipeline) Deliver(ctx context.Context, rec *models.DispatchRecord) error {
	if rec.Target == "" {
		return p.fail(rec, 0, fmt.Errorf("%w: %w", models.ErrPermanent, models.ErrEmptyRecipient))
	}
	if err := rec.Payload.Validate(); err != nil {
		return p.fail(rec, 0, fmt.Errorf("%w: %w", models.ErrPermanent, err))
	}

	attempts, err := Retry(ctx, p.policy, func(ctx context.Context, attempt int) error {
		release, err := p.limiter.Acquire(ctx, rec.TenantID)
		if err != nil {
			return err
		}
		defer release()
		_, err = p.sender.Send(ctx, rec.TenantID, rec.Target, rec.Payload)
		return err
	})
	if err != nil {
		return p.fail(rec, attempts, err)
	}

	sentAt := p.now()
	rec.Attempts = attempts
	rec.Outcome = models.DispatchSent
	rec.SentAt = &sentAt
	if err := p.records.MarkDispatchSent(rec.ID, attempts, sentAt); err != nil {
		p.log.Error("Pipeline.Deliver: failed to mark sent", "dispatch_id", rec.ID, "error", err)
	}
	p.log.Debug("Pipeline.Deliver: sent", "dispatch_id", rec.ID, "tenant", rec.TenantID, "target", rec.Target, "attempts", attempts)
	return nil
}

func (p *Pipeline) fail(rec *models.DispatchRecord, attempts int, cause error) error {
	rec.Attempts = attempts
	rec.Outcome = models.DispatchFailed
	rec.LastError = cause.Error()
	if err := p.records.MarkDispatchFailed(rec.ID, attempts, cause.Error()); err != nil {
		p.log.Error("Pipeline.fail: failed to mark failed", "dispatch_id", rec.ID, "error", err)
	}
	p.log.Warn("Pipeline.Deliver: dispatch failed", "dispatch_id", rec.ID, "tenant", rec.TenantID, "target", rec.Target, "attempts", attempts, "error", cause)
	return &models.CapabilityError{Capability: CapabilityChannelSend, NodeID: rec.NodeID, Err: cause}
}
