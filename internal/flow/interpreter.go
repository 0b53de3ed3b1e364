package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/dispatch"
	"github.com/BTreeMap/FlowPipe/internal/graph"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/recovery"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/google/uuid"
)

// Interpreter defaults.
const (
	DefaultMaxSteps = 50
	// DefaultFlowDelay is how long after a ticket closure the default flow may fire again.
	DefaultFlowDelay = 6 * time.Hour
)

var errWokeEarly = errors.New("session woken before its wake time")

// Sender dispatches session output. *dispatch.Pipeline satisfies it.
type Sender interface {
	Send(ctx context.Context, tenantID, target string, payload models.Payload, meta dispatch.Meta) (*models.DispatchRecord, error)
}

// Opts configures an Interpreter.
type Opts struct {
	MaxSteps         int
	DefaultFlowDelay time.Duration
	WelcomeLock      WelcomeLock
	Cache            *graph.Cache
	Now              func() time.Time
}

// Option configures an Interpreter.
type Option func(*Opts)

// WithMaxSteps bounds the steps one turn may take without suspending.
func WithMaxSteps(n int) Option {
	return func(o *Opts) { o.MaxSteps = n }
}

// WithDefaultFlowDelay overrides the ticket-closure delay of the default flow.
func WithDefaultFlowDelay(d time.Duration) Option {
	return func(o *Opts) { o.DefaultFlowDelay = d }
}

// WithWelcomeLock sets the lock guarding welcome-flow starts.
func WithWelcomeLock(l WelcomeLock) Option {
	return func(o *Opts) { o.WelcomeLock = l }
}

// WithCache shares a flow definition cache.
func WithCache(c *graph.Cache) Option {
	return func(o *Opts) { o.Cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Interpreter owns sessions: it is the only component that mutates them.
type Interpreter struct {
	store    store.Store
	exec     *Executor
	sender   Sender
	queue    *SerialQueue
	cache    *graph.Cache
	lock     WelcomeLock
	maxSteps int
	delay    time.Duration
	now      func() time.Time
}

// NewInterpreter creates an interpreter.
func NewInterpreter(st store.Store, exec *Executor, sender Sender, opts ...Option) *Interpreter {
	cfg := Opts{MaxSteps: DefaultMaxSteps, DefaultFlowDelay: DefaultFlowDelay, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Cache == nil {
		cfg.Cache = graph.NewCache()
	}
	if cfg.WelcomeLock == nil {
		cfg.WelcomeLock = NewMemoryWelcomeLock(DefaultWelcomeCooldown)
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Interpreter{
		store:    st,
		exec:     exec,
		sender:   sender,
		queue:    NewSerialQueue(),
		cache:    cfg.Cache,
		lock:     cfg.WelcomeLock,
		maxSteps: cfg.MaxSteps,
		delay:    cfg.DefaultFlowDelay,
		now:      cfg.Now,
	}
}

func contactKey(tenantID, contactID string) string {
	return tenantID + "|" + contactID
}

// OnInboundMessage handles a message from a contact. Messages of one contact are processed
// one at a time in arrival order. A message id seen before returns models.ErrDuplicateInbound.
func (i *Interpreter) OnInboundMessage(ctx context.Context, tenantID, contactID string, payload models.InboundPayload) error {
	if tenantID == "" {
		return models.ErrEmptyTenant
	}
	if contactID == "" {
		return models.ErrEmptyContact
	}
	key := contactKey(tenantID, contactID)
	if payload.MessageID != "" {
		first, err := i.store.RecordInbound(payload.MessageID, key)
		if err != nil {
			return fmt.Errorf("record inbound: %w", err)
		}
		if !first {
			slog.Debug("Interpreter.OnInboundMessage: duplicate message ignored", "tenant", tenantID, "contact", contactID, "message_id", payload.MessageID)
			return models.ErrDuplicateInbound
		}
	}
	if payload.Time.IsZero() {
		payload.Time = i.now()
	}

	err := i.queue.Do(ctx, key, func() error {
		return i.handleInbound(ctx, tenantID, contactID, payload)
	})
	if payload.MessageID != "" {
		if merr := i.store.MarkProcessed(payload.MessageID); merr != nil {
			slog.Warn("Interpreter.OnInboundMessage: mark processed failed", "message_id", payload.MessageID, "error", merr)
		}
	}
	return err
}

func (i *Interpreter) handleInbound(ctx context.Context, tenantID, contactID string, payload models.InboundPayload) error {
	active, err := i.store.GetActiveSession(tenantID, contactID)
	if err != nil {
		return err
	}

	trigger, err := i.matchTrigger(tenantID, payload.Body)
	if err != nil {
		return err
	}
	if trigger != nil {
		slog.Info("Interpreter.OnInboundMessage: phrase trigger matched", "tenant", tenantID, "contact", contactID, "flow_id", trigger.FlowID, "trigger_id", trigger.ID)
		if active != nil {
			if err := i.supersede(active, "replaced by phrase trigger "+trigger.ID); err != nil {
				return err
			}
		}
		return i.begin(ctx, tenantID, contactID, trigger.FlowID, &payload)
	}

	if active != nil {
		return i.resume(ctx, active, payload)
	}
	return i.routeNew(ctx, tenantID, contactID, payload)
}

func (i *Interpreter) matchTrigger(tenantID, body string) (*models.FlowTrigger, error) {
	triggers, err := i.store.ListTriggers(tenantID)
	if err != nil {
		return nil, err
	}
	for _, t := range triggers {
		if t.Active && t.Matches(body) {
			t := t
			return &t, nil
		}
	}
	return nil, nil
}

// routeNew picks the welcome or default flow for a contact without an active session.
func (i *Interpreter) routeNew(ctx context.Context, tenantID, contactID string, payload models.InboundPayload) error {
	settings, err := i.store.GetTenantSettings(tenantID)
	if err != nil {
		return err
	}
	if settings == nil {
		slog.Debug("Interpreter.routeNew: tenant has no flow settings", "tenant", tenantID)
		return nil
	}

	known, err := i.store.HasSessions(tenantID, contactID)
	if err != nil {
		return err
	}
	if !known && settings.WelcomeFlowID != "" {
		if !i.lock.TryLock(ctx, contactKey(tenantID, contactID)) {
			slog.Info("Interpreter.routeNew: welcome flow already starting elsewhere", "tenant", tenantID, "contact", contactID)
			return nil
		}
		return i.begin(ctx, tenantID, contactID, settings.WelcomeFlowID, &payload)
	}

	if settings.DefaultFlowID == "" {
		return nil
	}
	closure, err := i.store.GetTicketClosure(tenantID, contactID)
	if err != nil {
		return err
	}
	if closure != nil && i.now().Sub(closure.ClosedAt) < i.delay {
		slog.Debug("Interpreter.routeNew: default flow suppressed after recent ticket closure",
			"tenant", tenantID, "contact", contactID, "closed_at", closure.ClosedAt)
		return nil
	}
	return i.begin(ctx, tenantID, contactID, settings.DefaultFlowID, &payload)
}

func (i *Interpreter) resume(ctx context.Context, sess *models.Session, payload models.InboundPayload) error {
	def, err := i.loadFlow(sess.FlowID)
	if err != nil {
		return i.abort(sess, err)
	}
	sess.AppendHistory(models.RoleContact, payload.Body, payload.Time)
	sess.LastActivity = i.now()

	switch sess.Status {
	case models.SessionWaitingReply:
		return i.run(ctx, def, sess, Input{Resume: ResumeReply, Event: &payload, Now: i.now()})
	case models.SessionActive:
		// left mid-turn by a crash
		return i.run(ctx, def, sess, Input{Resume: ResumeNone, Event: &payload, Now: i.now()})
	default:
		// waiting on a timer: keep the message for AI history only
		return i.store.SaveSession(sess)
	}
}

// StartSession enrolls a contact into a flow, replacing any active session.
func (i *Interpreter) StartSession(ctx context.Context, tenantID, contactID, flowID string) (*models.Session, error) {
	if tenantID == "" {
		return nil, models.ErrEmptyTenant
	}
	if contactID == "" {
		return nil, models.ErrEmptyContact
	}
	var started *models.Session
	err := i.queue.Do(ctx, contactKey(tenantID, contactID), func() error {
		active, err := i.store.GetActiveSession(tenantID, contactID)
		if err != nil {
			return err
		}
		if active != nil {
			if err := i.supersede(active, "replaced by enrollment in flow "+flowID); err != nil {
				return err
			}
		}
		sess, err := i.newSession(tenantID, contactID, flowID)
		if err != nil {
			return err
		}
		started = sess
		return i.start(ctx, sess, nil)
	})
	return started, err
}

func (i *Interpreter) begin(ctx context.Context, tenantID, contactID, flowID string, event *models.InboundPayload) error {
	sess, err := i.newSession(tenantID, contactID, flowID)
	if err != nil {
		return err
	}
	if event != nil {
		sess.AppendHistory(models.RoleContact, event.Body, event.Time)
	}
	return i.start(ctx, sess, event)
}

func (i *Interpreter) newSession(tenantID, contactID, flowID string) (*models.Session, error) {
	def, err := i.loadFlow(flowID)
	if err != nil {
		return nil, err
	}
	if def.TenantID() != "" && def.TenantID() != tenantID {
		return nil, fmt.Errorf("flow %s belongs to tenant %s, not %s: %w", flowID, def.TenantID(), tenantID, models.ErrNotFound)
	}
	now := i.now()
	return &models.Session{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ContactID:    contactID,
		FlowID:       flowID,
		CurrentNode:  def.Start().NodeID(),
		Variables:    map[string]string{},
		Status:       models.SessionActive,
		LastActivity: now,
		CreatedAt:    now,
	}, nil
}

func (i *Interpreter) start(ctx context.Context, sess *models.Session, event *models.InboundPayload) error {
	def, err := i.loadFlow(sess.FlowID)
	if err != nil {
		return err
	}
	slog.Info("Interpreter.start: session started", "session_id", sess.ID, "tenant", sess.TenantID, "contact", sess.ContactID, "flow_id", sess.FlowID)
	return i.run(ctx, def, sess, Input{Resume: ResumeNone, Event: event, Now: i.now()})
}

// Wake resumes a session whose timer elapsed. Sessions no longer waiting on a timer are
// left alone.
func (i *Interpreter) Wake(ctx context.Context, sessionID string) error {
	sess, err := i.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		slog.Debug("Interpreter.Wake: session not found", "session_id", sessionID)
		return nil
	}
	return i.queue.Do(ctx, contactKey(sess.TenantID, sess.ContactID), func() error {
		// re-read inside the queue: an earlier task may have moved or ended the session
		sess, err := i.store.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess == nil || sess.Status != models.SessionWaitingTimer {
			slog.Debug("Interpreter.Wake: session no longer waiting on a timer", "session_id", sessionID)
			return nil
		}
		now := i.now()
		if sess.WakeAt != nil && now.Before(*sess.WakeAt) {
			return fmt.Errorf("%w: session %s wakes at %s", errWokeEarly, sessionID, sess.WakeAt.Format(time.RFC3339))
		}
		def, err := i.loadFlow(sess.FlowID)
		if err != nil {
			return i.abort(sess, err)
		}
		return i.run(ctx, def, sess, Input{Resume: ResumeTimer, Now: now})
	})
}

// CloseTicket completes the contact's active session and records the closure time used by
// the default-flow rule.
func (i *Interpreter) CloseTicket(ctx context.Context, tenantID, contactID string) error {
	if tenantID == "" {
		return models.ErrEmptyTenant
	}
	if contactID == "" {
		return models.ErrEmptyContact
	}
	return i.queue.Do(ctx, contactKey(tenantID, contactID), func() error {
		active, err := i.store.GetActiveSession(tenantID, contactID)
		if err != nil {
			return err
		}
		if active != nil {
			active.Status = models.SessionCompleted
			active.WakeAt = nil
			if err := i.store.SaveSession(active); err != nil {
				return err
			}
		}
		return i.store.RecordTicketClosure(models.TicketClosure{TenantID: tenantID, ContactID: contactID, ClosedAt: i.now()})
	})
}

// run executes steps until the session suspends or terminates. The session is always
// persisted in a resting state before run returns.
func (i *Interpreter) run(ctx context.Context, def *graph.Definition, sess *models.Session, in Input) error {
	for steps := 0; ; steps++ {
		if steps >= i.maxSteps {
			return i.abort(sess, &models.FlowRuntimeError{
				SessionID: sess.ID, NodeID: sess.CurrentNode,
				Reason: fmt.Sprintf("turn exceeded %d steps without suspending", i.maxSteps),
			})
		}
		node, ok := def.Node(sess.CurrentNode)
		if !ok {
			return i.abort(sess, &models.FlowRuntimeError{
				SessionID: sess.ID, NodeID: sess.CurrentNode, Reason: "node no longer exists in flow " + def.ID(),
			})
		}

		sess.Status = models.SessionActive
		res := i.exec.Execute(ctx, def, node, sess, in)
		slog.Debug("Interpreter.run: step", "session_id", sess.ID, "node_id", node.NodeID(), "type", node.Type(), "result", res.Kind)

		for _, action := range res.Actions {
			if _, err := i.sender.Send(ctx, sess.TenantID, sess.ContactID, action, dispatch.Meta{
				SessionID: sess.ID, NodeID: node.NodeID(), ContactID: sess.ContactID,
			}); err != nil {
				return i.abort(sess, err)
			}
			sess.AppendHistory(models.RoleAgent, action.Summary(), i.now())
		}
		sess.Bind(res.Bindings)
		sess.LastActivity = i.now()

		switch res.Kind {
		case StepAdvance:
			sess.CurrentNode = res.Next
			sess.RetryCount = 0
			sess.WakeAt = nil
			in = Input{Resume: ResumeNone, Event: in.Event, Now: i.now()}
			continue

		case StepSuspendReply:
			sess.Status = models.SessionWaitingReply
			sess.RetryCount = res.RetryCount
			sess.WakeAt = nil
			return i.store.SaveSession(sess)

		case StepSuspendTimer:
			at := res.WakeAt
			sess.Status = models.SessionWaitingTimer
			sess.WakeAt = &at
			if err := i.store.SaveSession(sess); err != nil {
				return err
			}
			_, err := i.scheduleWake(sess)
			return err

		case StepTerminate:
			if res.Outcome == models.SessionAborted {
				return i.abort(sess, res.Err)
			}
			sess.Status = models.SessionCompleted
			sess.WakeAt = nil
			slog.Info("Interpreter.run: session completed", "session_id", sess.ID, "node_id", sess.CurrentNode)
			return i.store.SaveSession(sess)

		default:
			return i.abort(sess, fmt.Errorf("executor returned unknown step kind %d", res.Kind))
		}
	}
}

// abort ends the session and returns cause so the caller can surface it.
func (i *Interpreter) abort(sess *models.Session, cause error) error {
	if cause == nil {
		cause = &models.FlowRuntimeError{SessionID: sess.ID, NodeID: sess.CurrentNode, Reason: "aborted"}
	}
	sess.Status = models.SessionAborted
	sess.WakeAt = nil
	sess.LastError = cause.Error()
	d := models.Diagnose(cause)
	slog.Warn("Interpreter: session aborted", "session_id", sess.ID, "tenant", sess.TenantID, "contact", sess.ContactID,
		"node_id", d.NodeID, "kind", d.Kind, "error", cause)
	if err := i.store.SaveSession(sess); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (i *Interpreter) supersede(sess *models.Session, reason string) error {
	sess.Status = models.SessionCompleted
	sess.WakeAt = nil
	sess.LastError = reason
	slog.Info("Interpreter: session superseded", "session_id", sess.ID, "reason", reason)
	return i.store.SaveSession(sess)
}

func (i *Interpreter) loadFlow(flowID string) (*graph.Definition, error) {
	stored, err := i.store.GetFlow(flowID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("flow %s: %w", flowID, models.ErrNotFound)
	}
	return i.cache.Get(flowID, []byte(stored.Document))
}

func wakeDedupeKey(sess *models.Session) string {
	return "wake:" + sess.ID + ":" + sess.CurrentNode + ":" + strconv.FormatInt(sess.WakeAt.UnixNano(), 10)
}

func wakeInfo(sess *models.Session) (recovery.TimerRecoveryInfo, error) {
	payload, err := json.Marshal(SessionWakePayload{SessionID: sess.ID})
	if err != nil {
		return recovery.TimerRecoveryInfo{}, err
	}
	return recovery.TimerRecoveryInfo{
		SessionID:   sess.ID,
		NodeID:      sess.CurrentNode,
		WakeAt:      *sess.WakeAt,
		JobKind:     JobKindSessionWake,
		PayloadJSON: string(payload),
		DedupeKey:   wakeDedupeKey(sess),
	}, nil
}

func (i *Interpreter) scheduleWake(sess *models.Session) (string, error) {
	info, err := wakeInfo(sess)
	if err != nil {
		return "", err
	}
	id, err := i.store.EnqueueJob(info.JobKind, info.WakeAt, info.PayloadJSON, info.DedupeKey)
	if err != nil {
		return "", fmt.Errorf("schedule wake for session %s: %w", sess.ID, err)
	}
	slog.Debug("Interpreter.scheduleWake", "session_id", sess.ID, "node_id", sess.CurrentNode, "wakeAt", info.WakeAt, "job_id", id)
	return id, nil
}

// RecoverState re-arms wake jobs for every session waiting on a timer.
func (i *Interpreter) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	sessions, err := registry.GetStore().ListTimerSessions()
	if err != nil {
		return err
	}
	for idx := range sessions {
		sess := &sessions[idx]
		if sess.WakeAt == nil {
			continue
		}
		info, err := wakeInfo(sess)
		if err != nil {
			return err
		}
		if _, err := registry.RecoverTimer(info); err != nil {
			return err
		}
	}
	slog.Info("Interpreter.RecoverState: timers re-armed", "sessions", len(sessions))
	return nil
}

// GetSession returns a session by id.
func (i *Interpreter) GetSession(id string) (*models.Session, error) {
	return i.store.GetSession(id)
}

// ListSessions returns every session of a contact.
func (i *Interpreter) ListSessions(tenantID, contactID string) ([]models.Session, error) {
	return i.store.ListSessions(tenantID, contactID)
}

var _ recovery.Recoverable = (*Interpreter)(nil)
