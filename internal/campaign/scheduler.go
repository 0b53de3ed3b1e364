package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/google/uuid"
)

// DefaultClaimLimit bounds the sends one tick performs per campaign.
const DefaultClaimLimit = 100

// ErrInvalidCampaign wraps campaign definitions rejected by Create.
var ErrInvalidCampaign = errors.New("invalid campaign")

// ContactSource enumerates a contact list in a stable order. Enumeration is finite and
// restartable.
type ContactSource interface {
	Enumerate(ctx context.Context, listID string) ([]models.Contact, error)
}

// StoreContacts enumerates contact lists kept in the store.
type StoreContacts struct {
	repo store.ContactRepo
}

// NewStoreContacts creates a contact source over repo.
func NewStoreContacts(repo store.ContactRepo) *StoreContacts {
	return &StoreContacts{repo: repo}
}

func (s *StoreContacts) Enumerate(ctx context.Context, listID string) ([]models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.repo.ListContacts(listID)
}

// Deliverer sends a planned dispatch record. *dispatch.Pipeline satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, rec *models.DispatchRecord) error
}

// Enroller starts a flow session for a contact. *flow.Interpreter satisfies it.
type Enroller interface {
	StartSession(ctx context.Context, tenantID, contactID, flowID string) (*models.Session, error)
}

// Opts configures a Scheduler.
type Opts struct {
	Enroller   Enroller
	Rand       *util.Source
	Now        func() time.Time
	ClaimLimit int
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithEnroller enables confirmation-flow enrollment after each successful send.
func WithEnroller(e Enroller) Option {
	return func(o *Opts) { o.Enroller = e }
}

// WithRand sets the jitter source.
func WithRand(src *util.Source) Option {
	return func(o *Opts) { o.Rand = src }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithClaimLimit bounds sends per campaign per tick.
func WithClaimLimit(n int) Option {
	return func(o *Opts) { o.ClaimLimit = n }
}

// Scheduler owns campaign lifecycle and turns due campaigns into dispatches.
type Scheduler struct {
	store    store.Store
	contacts ContactSource
	pipe     Deliverer
	enroller Enroller
	rng      *util.Source
	now      func() time.Time
	limit    int

	tickMu sync.Mutex
	log    *slog.Logger
}

// NewScheduler creates a campaign scheduler.
func NewScheduler(st store.Store, contacts ContactSource, pipe Deliverer, opts ...Option) *Scheduler {
	cfg := Opts{Now: time.Now, ClaimLimit: DefaultClaimLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Rand == nil {
		cfg.Rand = util.NewRandomSource()
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultClaimLimit
	}
	return &Scheduler{
		store:    st,
		contacts: contacts,
		pipe:     pipe,
		enroller: cfg.Enroller,
		rng:      cfg.Rand,
		now:      cfg.Now,
		limit:    cfg.ClaimLimit,
		log:      slog.With("component", "campaign"),
	}
}

// Create validates and stores a new campaign in the inactive state.
func (s *Scheduler) Create(ctx context.Context, c *models.Campaign) (*models.Campaign, error) {
	defaults := models.CampaignSchedule{BusinessDays: models.ShiftNormal, Timezone: models.DefaultTimezone}
	if c.TenantID != "" {
		settings, err := s.store.GetTenantSettings(c.TenantID)
		if err != nil {
			return nil, err
		}
		if settings != nil && settings.Timezone != "" {
			defaults.Timezone = settings.Timezone
		}
	}
	if err := mergo.Merge(&c.Schedule, defaults); err != nil {
		return nil, fmt.Errorf("apply schedule defaults: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	if err := ValidateRecurrence(c.Schedule.Recurrence); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	if c.ConfirmationFlowID != "" {
		f, err := s.store.GetFlow(c.ConfirmationFlowID)
		if err != nil {
			return nil, err
		}
		if f == nil || f.TenantID != c.TenantID {
			return nil, fmt.Errorf("%w: confirmation flow %s not found", ErrInvalidCampaign, c.ConfirmationFlowID)
		}
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = models.CampaignInactive
	c.Occurrence = 0
	c.NextRunAt = nil
	c.Planned = false
	c.LastError = ""
	if err := s.store.SaveCampaign(c); err != nil {
		return nil, err
	}
	s.log.Info("Scheduler.Create: campaign created", "campaign_id", c.ID, "tenant", c.TenantID, "variants", len(c.Messages))
	return c, nil
}

// Get returns a campaign or models.ErrNotFound.
func (s *Scheduler) Get(id string) (*models.Campaign, error) {
	c, err := s.store.GetCampaign(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

// List returns campaigns in the given statuses, or all campaigns.
func (s *Scheduler) List(statuses ...models.CampaignStatus) ([]models.Campaign, error) {
	return s.store.ListCampaigns(statuses...)
}

// Dispatches returns the dispatch records of a campaign.
func (s *Scheduler) Dispatches(id string) ([]models.DispatchRecord, error) {
	return s.store.ListDispatches(id)
}

// Start activates an inactive campaign. Its first occurrence begins at StartAt.
func (s *Scheduler) Start(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignInactive {
		return nil, &models.SchedulingConflict{CampaignID: id, Status: c.Status, Op: "start"}
	}
	start := c.Schedule.StartAt
	c.Status = models.CampaignScheduled
	c.Occurrence = 1
	c.NextRunAt = &start
	c.Planned = false
	if err := s.store.SaveCampaign(c); err != nil {
		return nil, err
	}
	s.log.Info("Scheduler.Start: campaign scheduled", "campaign_id", id, "start_at", start)
	return c, nil
}

// Stop cancels a scheduled or running campaign and discards its pending sends.
func (s *Scheduler) Stop(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case models.CampaignCancelled:
		return c, nil
	case models.CampaignScheduled, models.CampaignInProgress:
	default:
		return nil, &models.SchedulingConflict{CampaignID: id, Status: c.Status, Op: "stop"}
	}
	c.Status = models.CampaignCancelled
	if err := s.store.SaveCampaign(c); err != nil {
		return nil, err
	}
	n, err := s.store.CancelPendingDispatches(id)
	if err != nil {
		return nil, err
	}
	s.log.Info("Scheduler.Stop: campaign cancelled", "campaign_id", id, "discarded", n)
	return c, nil
}

// Restart reschedules a cancelled or finished campaign for the contacts of its current
// occurrence that were not sent yet. A running campaign is rejected.
func (s *Scheduler) Restart(ctx context.Context, id string) (*models.Campaign, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignCancelled && c.Status != models.CampaignFinished {
		return nil, &models.SchedulingConflict{CampaignID: id, Status: c.Status, Op: "restart"}
	}
	removed, err := s.store.DeleteUnsentDispatches(id)
	if err != nil {
		return nil, err
	}
	next := s.now()
	if c.Schedule.StartAt.After(next) {
		next = c.Schedule.StartAt
	}
	if c.Occurrence == 0 {
		c.Occurrence = 1
	}
	c.Status = models.CampaignScheduled
	c.NextRunAt = &next
	c.Planned = false
	c.LastError = ""
	if err := s.store.SaveCampaign(c); err != nil {
		return nil, err
	}
	s.log.Info("Scheduler.Restart: campaign rescheduled", "campaign_id", id, "occurrence", c.Occurrence, "dropped_unsent", removed)
	return c, nil
}

// Tick advances every active campaign: due occurrences are planned and due sends are
// delivered. A failing campaign does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	campaigns, err := s.store.ListCampaigns(models.CampaignScheduled, models.CampaignInProgress)
	if err != nil {
		return err
	}
	var errs []error
	for i := range campaigns {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := &campaigns[i]
		if err := s.tickCampaign(ctx, c); err != nil {
			s.log.Error("Scheduler.Tick: campaign tick failed", "campaign_id", c.ID, "error", err)
			errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) tickCampaign(ctx context.Context, c *models.Campaign) error {
	now := s.now()
	if !c.Planned {
		if c.NextRunAt != nil && now.Before(*c.NextRunAt) {
			return nil
		}
		if err := s.plan(ctx, c, now); err != nil {
			c.LastError = err.Error()
			_ = s.store.SaveCampaign(c)
			return err
		}
	}

	due, err := s.store.ClaimDueDispatches(c.ID, now, s.limit)
	if err != nil {
		return err
	}
	for i := range due {
		rec := &due[i]
		active, err := s.stillActive(c)
		if err != nil {
			return err
		}
		if !active {
			for j := i; j < len(due); j++ {
				if err := s.store.CancelDispatch(due[j].ID); err != nil {
					s.log.Error("Scheduler.tickCampaign: cancel claimed dispatch failed", "dispatch_id", due[j].ID, "error", err)
				}
			}
			s.log.Info("Scheduler.tickCampaign: campaign stopped mid-tick", "campaign_id", c.ID)
			return nil
		}
		if c.Status == models.CampaignScheduled {
			c.Status = models.CampaignInProgress
			if err := s.store.SaveCampaign(c); err != nil {
				return err
			}
		}
		if err := s.pipe.Deliver(ctx, rec); err != nil {
			// the record is marked failed; the campaign continues with the next contact
			s.log.Warn("Scheduler.tickCampaign: send failed", "campaign_id", c.ID, "contact", rec.ContactID, "error", err)
			continue
		}
		s.enroll(ctx, c, rec)
	}

	return s.finishOccurrence(c, now)
}

// plan creates the pending dispatch records of the current occurrence. Contacts that
// already have a record for it are skipped, so planning again never re-sends.
func (s *Scheduler) plan(ctx context.Context, c *models.Campaign, now time.Time) error {
	contacts, err := s.contacts.Enumerate(ctx, c.ContactListID)
	if err != nil {
		return fmt.Errorf("enumerate contact list %s: %w", c.ContactListID, err)
	}
	existing, err := s.store.ListDispatches(c.ID)
	if err != nil {
		return err
	}
	prefix := occurrencePrefix(c)
	skip := make(map[string]bool)
	for _, rec := range existing {
		if len(rec.DedupeKey) > len(prefix) && rec.DedupeKey[:len(prefix)] == prefix {
			skip[rec.DedupeKey[len(prefix):]] = true
		}
	}

	// A late tick plans from now so the backlog keeps its pacing.
	start := now
	if c.NextRunAt != nil && c.NextRunAt.After(now) {
		start = *c.NextRunAt
	}
	sends := Plan(c, Eligible(contacts, skip), start, s.rng)
	created := 0
	for _, send := range sends {
		rec := &models.DispatchRecord{
			TenantID:   c.TenantID,
			Target:     send.Target,
			Payload:    models.Payload{Type: models.MediaText, Text: send.Body},
			Source:     models.SourceCampaign,
			CampaignID: c.ID,
			ContactID:  send.Key,
			DedupeKey:  prefix + send.Key,
			Outcome:    models.DispatchPending,
			SendAt:     send.SendAt,
		}
		ok, err := s.store.CreateDispatch(rec)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}
	c.Planned = true
	c.LastError = ""
	if err := s.store.SaveCampaign(c); err != nil {
		return err
	}
	s.log.Info("Scheduler.plan: occurrence planned", "campaign_id", c.ID, "occurrence", c.Occurrence,
		"contacts", len(contacts), "planned", created, "start", start)
	return nil
}

func occurrencePrefix(c *models.Campaign) string {
	return fmt.Sprintf("campaign:%s:%d:", c.ID, c.Occurrence)
}

// stillActive re-reads the campaign so a stop issued during a tick wins over pending sends.
func (s *Scheduler) stillActive(c *models.Campaign) (bool, error) {
	fresh, err := s.store.GetCampaign(c.ID)
	if err != nil {
		return false, err
	}
	if fresh == nil {
		return false, nil
	}
	c.Status = fresh.Status
	return fresh.Status == models.CampaignScheduled || fresh.Status == models.CampaignInProgress, nil
}

func (s *Scheduler) enroll(ctx context.Context, c *models.Campaign, rec *models.DispatchRecord) {
	if c.ConfirmationFlowID == "" || s.enroller == nil {
		return
	}
	if _, err := s.enroller.StartSession(ctx, c.TenantID, rec.Target, c.ConfirmationFlowID); err != nil {
		s.log.Warn("Scheduler.enroll: confirmation flow failed", "campaign_id", c.ID, "contact", rec.Target, "error", err)
	}
}

// finishOccurrence moves to the next occurrence, or finishes the campaign, once nothing of
// the current occurrence is left to send.
func (s *Scheduler) finishOccurrence(c *models.Campaign, now time.Time) error {
	if !c.Planned {
		return nil
	}
	left, err := s.store.CountDispatches(c.ID, models.DispatchPending, models.DispatchSending)
	if err != nil {
		return err
	}
	if left > 0 {
		return nil
	}
	if active, err := s.stillActive(c); err != nil || !active {
		return err
	}

	prev := now
	if c.NextRunAt != nil {
		prev = *c.NextRunAt
	}
	if next, ok := NextOccurrence(c, prev, now); ok {
		c.Occurrence++
		c.NextRunAt = &next
		c.Planned = false
		s.log.Info("Scheduler.finishOccurrence: next occurrence scheduled", "campaign_id", c.ID, "occurrence", c.Occurrence, "at", next)
	} else {
		c.Status = models.CampaignFinished
		c.NextRunAt = nil
		s.log.Info("Scheduler.finishOccurrence: campaign finished", "campaign_id", c.ID)
	}
	return s.store.SaveCampaign(c)
}

// OnCampaignTick runs one scheduler tick, logging instead of returning errors. It is the
// entry point of the periodic driver.
func (s *Scheduler) OnCampaignTick() {
	ctx := context.Background()
	if err := s.Tick(ctx); err != nil {
		s.log.Error("Scheduler.OnCampaignTick: tick finished with errors", "error", err)
	}
}
