package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/dispatch"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/recovery"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
	"github.com/go-redis/redis/v8"
)

const greetFlowDoc = `{
  "id": "greet", "tenantId": "t1",
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "hi", "type": "message", "data": {"items": [{"text": "default"}]}}
  ],
  "edges": [{"source": "start", "target": "hi"}]
}`

const loopFlowDoc = `{
  "id": "loop", "tenantId": "t1",
  "nodes": [
    {"id": "start", "type": "start"},
    {"id": "a", "type": "message", "data": {"items": [{"text": "ping"}]}},
    {"id": "b", "type": "message", "data": {"items": [{"text": "pong"}]}}
  ],
  "edges": [
    {"source": "start", "target": "a"},
    {"source": "a", "target": "b"},
    {"source": "b", "target": "a"}
  ]
}`

func newTestStore(t *testing.T) *store.SQLiteStore {
	return testutil.NewSQLiteStore(t, "flow")
}

type sentMessage struct {
	tenant, target string
	payload        models.Payload
	meta           dispatch.Meta
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) Send(ctx context.Context, tenantID, target string, payload models.Payload, meta dispatch.Meta) (*models.DispatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.sent = append(r.sent, sentMessage{tenant: tenantID, target: target, payload: payload, meta: meta})
	return &models.DispatchRecord{ID: "d", Outcome: models.DispatchSent}, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.payload.Text)
	}
	return out
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *store.SQLiteStore
	sender *recordingSender
	clock  *testClock
	interp *Interpreter
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st := newTestStore(t)
	for id, doc := range map[string]string{"menu": menuFlowDoc, "wait": waitFlowDoc, "greet": greetFlowDoc, "loop": loopFlowDoc} {
		if err := st.SaveFlow(models.StoredFlow{ID: id, TenantID: "t1", Name: id, Document: doc}); err != nil {
			t.Fatalf("SaveFlow failed: %v", err)
		}
	}
	h := &harness{
		store:  st,
		sender: &recordingSender{},
		clock:  &testClock{now: time.Now().UTC().Add(-time.Hour).Truncate(time.Second)},
	}
	opts = append([]Option{WithClock(h.clock.Now)}, opts...)
	h.interp = NewInterpreter(st, NewExecutor(), h.sender, opts...)
	return h
}

func (h *harness) inbound(t *testing.T, id, body string) error {
	t.Helper()
	return h.interp.OnInboundMessage(context.Background(), "t1", "c1", models.InboundPayload{MessageID: id, From: "c1", Body: body})
}

func (h *harness) active(t *testing.T) *models.Session {
	t.Helper()
	sess, err := h.store.GetActiveSession("t1", "c1")
	if err != nil {
		t.Fatalf("GetActiveSession failed: %v", err)
	}
	return sess
}

func equalTexts(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestInterpreter_WelcomeFlowConversation(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SaveTenantSettings(models.TenantSettings{TenantID: "t1", WelcomeFlowID: "menu"}); err != nil {
		t.Fatalf("SaveTenantSettings failed: %v", err)
	}

	if err := h.inbound(t, "m1", "hi"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	texts := h.sender.texts()
	if len(texts) != 2 || texts[0] != "Hi c1" {
		t.Fatalf("expected greeting and menu, got %q", texts)
	}
	sess := h.active(t)
	if sess == nil || sess.CurrentNode != "menu" || sess.Status != models.SessionWaitingReply {
		t.Fatalf("expected session waiting at menu, got %+v", sess)
	}

	h.sender.reset()
	if err := h.inbound(t, "m2", "9"); err != nil {
		t.Fatalf("invalid choice failed: %v", err)
	}
	if texts := h.sender.texts(); len(texts) != 2 || texts[0] != "Invalid option" {
		t.Fatalf("expected re-prompt, got %q", texts)
	}
	if sess := h.active(t); sess.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", sess.RetryCount)
	}

	h.sender.reset()
	if err := h.inbound(t, "m3", "2"); err != nil {
		t.Fatalf("menu choice failed: %v", err)
	}
	if texts := h.sender.texts(); !equalTexts(texts, []string{"Age?"}) {
		t.Fatalf("expected question prompt, got %q", texts)
	}
	if sess := h.active(t); sess.CurrentNode != "ask" || sess.RetryCount != 0 {
		t.Fatalf("expected session at ask with reset retries, got %+v", sess)
	}

	h.sender.reset()
	if err := h.inbound(t, "m4", "20"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if texts := h.sender.texts(); !equalTexts(texts, []string{"adult"}) {
		t.Fatalf("expected adult branch, got %q", texts)
	}
	if sess := h.active(t); sess != nil {
		t.Fatalf("session should be completed, still active: %+v", sess)
	}
	sessions, err := h.interp.ListSessions("t1", "c1")
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected one session, got %d (%v)", len(sessions), err)
	}
	if sessions[0].Status != models.SessionCompleted || sessions[0].Variables["age"] != "20" {
		t.Errorf("unexpected final session %+v", sessions[0])
	}
	if len(sessions[0].History) == 0 {
		t.Error("expected conversation history to be recorded")
	}
}

func TestInterpreter_DuplicateMessageIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SaveTenantSettings(models.TenantSettings{TenantID: "t1", WelcomeFlowID: "menu"}); err != nil {
		t.Fatalf("SaveTenantSettings failed: %v", err)
	}
	if err := h.inbound(t, "m1", "hi"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	sent := len(h.sender.texts())

	err := h.inbound(t, "m1", "hi")
	if !errors.Is(err, models.ErrDuplicateInbound) {
		t.Fatalf("expected ErrDuplicateInbound, got %v", err)
	}
	if len(h.sender.texts()) != sent {
		t.Error("duplicate message should not produce output")
	}
}

func TestInterpreter_ValidatesIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.interp.OnInboundMessage(ctx, "", "c1", models.InboundPayload{Body: "x"}); !errors.Is(err, models.ErrEmptyTenant) {
		t.Errorf("expected ErrEmptyTenant, got %v", err)
	}
	if err := h.interp.OnInboundMessage(ctx, "t1", "", models.InboundPayload{Body: "x"}); !errors.Is(err, models.ErrEmptyContact) {
		t.Errorf("expected ErrEmptyContact, got %v", err)
	}
}

func TestInterpreter_WelcomeLockHeldDropsMessage(t *testing.T) {
	lock := NewMemoryWelcomeLock(time.Minute)
	h := newHarness(t, WithWelcomeLock(lock))
	if err := h.store.SaveTenantSettings(models.TenantSettings{TenantID: "t1", WelcomeFlowID: "menu"}); err != nil {
		t.Fatalf("SaveTenantSettings failed: %v", err)
	}
	if !lock.TryLock(context.Background(), "t1|c1") {
		t.Fatal("expected to take the lock")
	}

	if err := h.inbound(t, "m1", "hi"); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	if texts := h.sender.texts(); len(texts) != 0 {
		t.Fatalf("expected no output while lock is held, got %q", texts)
	}
	if sess := h.active(t); sess != nil {
		t.Fatalf("expected no session, got %+v", sess)
	}
}

func TestInterpreter_DefaultFlowWaitsAfterTicketClosure(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SaveTenantSettings(models.TenantSettings{TenantID: "t1", DefaultFlowID: "greet"}); err != nil {
		t.Fatalf("SaveTenantSettings failed: %v", err)
	}

	// no closure recorded: the default flow runs
	if err := h.inbound(t, "m1", "hello"); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	if texts := h.sender.texts(); !equalTexts(texts, []string{"default"}) {
		t.Fatalf("expected default flow output, got %q", texts)
	}

	h.sender.reset()
	if err := h.interp.CloseTicket(context.Background(), "t1", "c1"); err != nil {
		t.Fatalf("CloseTicket failed: %v", err)
	}
	h.clock.Advance(time.Hour)
	if err := h.inbound(t, "m2", "hello again"); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	if texts := h.sender.texts(); len(texts) != 0 {
		t.Fatalf("default flow must not run within 6h of closure, got %q", texts)
	}

	h.clock.Advance(5 * time.Hour)
	if err := h.inbound(t, "m3", "anyone?"); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	if texts := h.sender.texts(); !equalTexts(texts, []string{"default"}) {
		t.Fatalf("default flow should run 6h after closure, got %q", texts)
	}
}

func TestInterpreter_PhraseTriggerSupersedesActiveSession(t *testing.T) {
	h := newHarness(t)
	if err := h.store.SaveTenantSettings(models.TenantSettings{TenantID: "t1", WelcomeFlowID: "menu"}); err != nil {
		t.Fatalf("SaveTenantSettings failed: %v", err)
	}
	if err := h.store.SaveTrigger(models.FlowTrigger{ID: "tr1", TenantID: "t1", FlowID: "greet", Phrase: "promo", Active: true}); err != nil {
		t.Fatalf("SaveTrigger failed: %v", err)
	}
	if err := h.inbound(t, "m1", "hi"); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	old := h.active(t)
	if old == nil {
		t.Fatal("expected welcome session")
	}

	h.sender.reset()
	if err := h.inbound(t, "m2", "  PROMO "); err != nil {
		t.Fatalf("trigger message failed: %v", err)
	}
	if texts := h.sender.texts(); !equalTexts(texts, []string{"default"}) {
		t.Fatalf("expected triggered flow output, got %q", texts)
	}
	prev, err := h.interp.GetSession(old.ID)
	if err != nil || prev == nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if prev.Status != models.SessionCompleted {
		t.Errorf("superseded session should be completed, got %s", prev.Status)
	}
	sessions, _ := h.interp.ListSessions("t1", "c1")
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestInterpreter_IntervalWakesThroughJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.interp.StartSession(ctx, "t1", "c1", "wait")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	got, _ := h.interp.GetSession(sess.ID)
	if got.Status != models.SessionWaitingTimer || got.WakeAt == nil {
		t.Fatalf("expected waiting_timer with wake time, got %+v", got)
	}

	// messages during the pause are kept but produce no output
	if err := h.inbound(t, "m1", "still there?"); err != nil {
		t.Fatalf("inbound during pause failed: %v", err)
	}
	if texts := h.sender.texts(); len(texts) != 0 {
		t.Fatalf("expected no output during pause, got %q", texts)
	}

	if err := h.interp.Wake(ctx, sess.ID); !errors.Is(err, errWokeEarly) {
		t.Fatalf("early wake should be refused, got %v", err)
	}

	h.clock.Advance(31 * time.Second)
	runner := store.NewJobRunner(h.store, time.Millisecond)
	RegisterJobHandlers(runner, h.interp)
	if n := runner.RunOnce(ctx); n != 1 {
		t.Fatalf("expected one wake job, ran %d", n)
	}
	if texts := h.sender.texts(); !equalTexts(texts, []string{"done"}) {
		t.Fatalf("expected output after wake, got %q", texts)
	}
	got, _ = h.interp.GetSession(sess.ID)
	if got.Status != models.SessionCompleted {
		t.Errorf("expected completed session, got %s", got.Status)
	}

	// a second wake is a no-op
	if err := h.interp.Wake(ctx, sess.ID); err != nil {
		t.Errorf("repeated wake should be ignored, got %v", err)
	}
}

func TestInterpreter_StepLimitAborts(t *testing.T) {
	h := newHarness(t, WithMaxSteps(5))

	_, err := h.interp.StartSession(context.Background(), "t1", "c1", "loop")
	var fe *models.FlowRuntimeError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FlowRuntimeError, got %v", err)
	}
	sessions, _ := h.interp.ListSessions("t1", "c1")
	if len(sessions) != 1 || sessions[0].Status != models.SessionAborted || sessions[0].LastError == "" {
		t.Fatalf("expected aborted session with error, got %+v", sessions)
	}
}

func TestInterpreter_SendFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.sender.err = &models.CapabilityError{Capability: dispatch.CapabilityChannelSend, NodeID: "hi", Err: errors.New("offline")}

	_, err := h.interp.StartSession(context.Background(), "t1", "c1", "greet")
	var ce *models.CapabilityError
	if !errors.As(err, &ce) || ce.Capability != dispatch.CapabilityChannelSend {
		t.Fatalf("expected ChannelSend capability error, got %v", err)
	}
	if d := models.Diagnose(err); d.NodeID != "hi" {
		t.Errorf("diagnostic should name node hi, got %+v", d)
	}
	sessions, _ := h.interp.ListSessions("t1", "c1")
	if len(sessions) != 1 || sessions[0].Status != models.SessionAborted {
		t.Fatalf("expected aborted session, got %+v", sessions)
	}
}

func TestInterpreter_StartSessionRejectsForeignFlow(t *testing.T) {
	h := newHarness(t)
	if _, err := h.interp.StartSession(context.Background(), "t2", "c1", "greet"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another tenant's flow, got %v", err)
	}
	if _, err := h.interp.StartSession(context.Background(), "t1", "c1", "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown flow, got %v", err)
	}
}

func TestInterpreter_RecoverStateRearmsTimers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.interp.StartSession(ctx, "t1", "c1", "wait")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	var infos []recovery.TimerRecoveryInfo
	registry := recovery.NewRecoveryRegistry(h.store)
	registry.RegisterTimerRecovery(func(info recovery.TimerRecoveryInfo) (string, error) {
		infos = append(infos, info)
		return "job", nil
	})
	if err := h.interp.RecoverState(ctx, registry); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	if len(infos) != 1 || infos[0].SessionID != sess.ID || infos[0].JobKind != JobKindSessionWake {
		t.Fatalf("unexpected recovered timers %+v", infos)
	}
}

func TestSerialQueue_OrdersTasksPerKey(t *testing.T) {
	q := NewSerialQueue()
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Do(ctx, "k", func() error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		})
	}()
	<-started

	for i := 2; i <= 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(ctx, "k", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// let each task register its place before the next
		time.Sleep(20 * time.Millisecond)
	}

	// another key is not blocked
	if err := q.Do(ctx, "other", func() error { return nil }); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}

	close(release)
	wg.Wait()
	if len(order) != 4 || order[0] != 1 || order[1] != 2 || order[2] != 3 || order[3] != 4 {
		t.Fatalf("tasks ran out of order: %v", order)
	}
	if q.Pending("k") {
		t.Error("queue should be empty")
	}
}

func TestSerialQueue_CanceledTaskIsSkipped(t *testing.T) {
	q := NewSerialQueue()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := q.Do(ctx, "k", func() error { ran = true; return nil })
	if !errors.Is(err, context.Canceled) || ran {
		t.Fatalf("canceled task should be skipped, err=%v ran=%v", err, ran)
	}

	close(release)
	done := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue stalled after a canceled task")
	}
}

func TestMemoryWelcomeLock_Expires(t *testing.T) {
	lock := NewMemoryWelcomeLock(8 * time.Second)
	now := time.Now()
	lock.now = func() time.Time { return now }
	ctx := context.Background()

	if !lock.TryLock(ctx, "t1|c1") {
		t.Fatal("first lock should succeed")
	}
	if lock.TryLock(ctx, "t1|c1") {
		t.Fatal("second lock within ttl should fail")
	}
	if !lock.TryLock(ctx, "t1|c2") {
		t.Fatal("other contact should not be blocked")
	}
	now = now.Add(9 * time.Second)
	if !lock.TryLock(ctx, "t1|c1") {
		t.Fatal("lock should be free after ttl")
	}
}

func TestRedisWelcomeLock_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	lock := NewRedisWelcomeLock(client, time.Second)
	if !lock.TryLock(context.Background(), "t1|c1") {
		t.Fatal("unreachable redis should not block the welcome flow")
	}
}

func TestStoreAssigner_RecordsAssignment(t *testing.T) {
	st := newTestStore(t)
	a := NewStoreAssigner(st)
	if err := a.AssignToQueue(context.Background(), "t1", "c1", "q1", ""); err != nil {
		t.Fatalf("AssignToQueue failed: %v", err)
	}
	list, err := st.ListAssignments("t1", "c1")
	if err != nil || len(list) != 1 || list[0].QueueID != "q1" {
		t.Fatalf("expected one assignment to q1, got %+v (%v)", list, err)
	}
}
