package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/dispatch"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	return testutil.NewSQLiteStore(t, "campaign")
}

type channel struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]bool
}

func (c *channel) Send(ctx context.Context, tenantID, target string, payload models.Payload) (models.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFor[target] {
		return models.Receipt{}, fmt.Errorf("%w: number not on whatsapp", models.ErrPermanent)
	}
	c.sent = append(c.sent, target)
	return models.Receipt{To: target, Status: models.MessageStatusSent}, nil
}

func (c *channel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type enrollments struct {
	mu    sync.Mutex
	calls []string
}

func (e *enrollments) StartSession(ctx context.Context, tenantID, contactID, flowID string) (*models.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, tenantID+"/"+contactID+"/"+flowID)
	return &models.Session{ID: "s", TenantID: tenantID, ContactID: contactID, FlowID: flowID}, nil
}

type fixture struct {
	store *store.SQLiteStore
	ch    *channel
	now   time.Time
	sched *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: newTestStore(t), ch: &channel{}, now: monday}
	list := []models.Contact{
		{ID: "a", Name: "Ana", Number: "5511900000001"},
		{ID: "b", Name: "Bruno", Number: "5511900000002"},
		{ID: "c", Name: "Carla", Number: "5511900000003"},
	}
	if err := f.store.ReplaceContactList("t1", "list", list); err != nil {
		t.Fatalf("ReplaceContactList failed: %v", err)
	}
	pipe := dispatch.NewPipeline(f.ch, dispatch.NewRegistry(dispatch.WithRate(1000), dispatch.WithBurst(100)), f.store,
		dispatch.WithPolicy(dispatch.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	opts = append([]Option{WithClock(func() time.Time { return f.now }), WithRand(util.NewSource(11))}, opts...)
	f.sched = NewScheduler(f.store, NewStoreContacts(f.store), pipe, opts...)
	return f
}

func (f *fixture) create(t *testing.T, c *models.Campaign) *models.Campaign {
	t.Helper()
	created, err := f.sched.Create(context.Background(), c)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.sched.Start(context.Background(), created.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return created
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
}

func (f *fixture) status(t *testing.T, id string) models.CampaignStatus {
	t.Helper()
	c, err := f.sched.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return c.Status
}

func jitterCampaign() *models.Campaign {
	return &models.Campaign{
		TenantID:      "t1",
		Name:          "promo",
		Messages:      []string{"Hi {name}"},
		ContactListID: "list",
		Schedule:      models.CampaignSchedule{StartAt: monday, MinIntervalSec: 5, MaxIntervalSec: 10},
	}
}

func TestScheduler_PacedCampaignLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, jitterCampaign())
	if got := f.status(t, c.ID); got != models.CampaignScheduled {
		t.Fatalf("expected scheduled, got %s", got)
	}

	f.tick(t)
	if f.ch.count() != 1 {
		t.Fatalf("only the first send is due at start, sent %d", f.ch.count())
	}
	if got := f.status(t, c.ID); got != models.CampaignInProgress {
		t.Fatalf("expected in_progress after first send, got %s", got)
	}

	recs, err := f.sched.Dispatches(c.ID)
	if err != nil || len(recs) != 3 {
		t.Fatalf("expected 3 dispatch records, got %d (%v)", len(recs), err)
	}
	for i := 1; i < len(recs); i++ {
		gap := recs[i].SendAt.Sub(recs[i-1].SendAt)
		if gap < 5*time.Second || gap > 10*time.Second {
			t.Errorf("gap %d is %v, want within [5s,10s]", i, gap)
		}
	}

	f.now = f.now.Add(30 * time.Second)
	f.tick(t)
	if f.ch.count() != 3 {
		t.Fatalf("expected all 3 contacts sent, got %d", f.ch.count())
	}
	if got := f.status(t, c.ID); got != models.CampaignFinished {
		t.Fatalf("expected finished, got %s", got)
	}
}

func TestScheduler_LateFirstTickKeepsPacing(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, jitterCampaign())

	late := monday.Add(time.Hour)
	f.now = late
	f.tick(t)
	if f.ch.count() != 1 {
		t.Fatalf("a late tick should send only the first contact, sent %d", f.ch.count())
	}

	recs, err := f.sched.Dispatches(c.ID)
	if err != nil || len(recs) != 3 {
		t.Fatalf("expected 3 dispatch records, got %d (%v)", len(recs), err)
	}
	if !recs[0].SendAt.Equal(late) {
		t.Errorf("first send planned at %v, want %v", recs[0].SendAt, late)
	}
	for i := 1; i < len(recs); i++ {
		gap := recs[i].SendAt.Sub(recs[i-1].SendAt)
		if gap < 5*time.Second || gap > 10*time.Second {
			t.Errorf("gap %d is %v, want within [5s,10s]", i, gap)
		}
	}

	f.now = late.Add(30 * time.Second)
	f.tick(t)
	if f.ch.count() != 3 {
		t.Fatalf("expected all 3 contacts sent, got %d", f.ch.count())
	}
}

func TestScheduler_RestartNeverResendsSentContacts(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, jitterCampaign())
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	if f.ch.count() != 3 {
		t.Fatalf("expected 3 sends, got %d", f.ch.count())
	}

	if _, err := f.sched.Restart(context.Background(), c.ID); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	if f.ch.count() != 3 {
		t.Fatalf("restart re-sent to contacts already reached: %d sends", f.ch.count())
	}
	if got := f.status(t, c.ID); got != models.CampaignFinished {
		t.Errorf("expected finished, got %s", got)
	}
}

func TestScheduler_StopDiscardsRemainingSends(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, jitterCampaign())
	f.tick(t)

	if _, err := f.sched.Stop(context.Background(), c.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	if f.ch.count() != 1 {
		t.Fatalf("no sends expected after stop, got %d", f.ch.count())
	}
	canceled, err := f.store.CountDispatches(c.ID, models.DispatchCanceled)
	if err != nil || canceled != 2 {
		t.Fatalf("expected 2 canceled records, got %d (%v)", canceled, err)
	}

	// restart picks up only the contacts not reached yet
	if _, err := f.sched.Restart(context.Background(), c.ID); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	if f.ch.count() != 3 {
		t.Fatalf("expected the 2 remaining contacts to be sent, total %d", f.ch.count())
	}
	seen := map[string]int{}
	for _, target := range f.ch.sent {
		seen[target]++
	}
	for target, n := range seen {
		if n != 1 {
			t.Errorf("%s received %d messages", target, n)
		}
	}
}

func TestScheduler_RestartWhileRunningConflicts(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, jitterCampaign())
	f.tick(t)

	_, err := f.sched.Restart(context.Background(), c.ID)
	var conflict *models.SchedulingConflict
	if !errors.As(err, &conflict) || conflict.Status != models.CampaignInProgress {
		t.Fatalf("expected SchedulingConflict for in_progress, got %v", err)
	}
	if _, err := f.sched.Start(context.Background(), c.ID); !errors.As(err, &conflict) {
		t.Fatalf("starting a running campaign should conflict, got %v", err)
	}
}

func TestScheduler_FailureIsolatedPerContact(t *testing.T) {
	f := newFixture(t)
	f.ch.failFor = map[string]bool{"5511900000002": true}
	c := f.create(t, jitterCampaign())
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)

	if f.ch.count() != 2 {
		t.Fatalf("expected the other 2 contacts to be sent, got %d", f.ch.count())
	}
	failed, _ := f.store.CountDispatches(c.ID, models.DispatchFailed)
	if failed != 1 {
		t.Errorf("expected 1 failed record, got %d", failed)
	}
	if got := f.status(t, c.ID); got != models.CampaignFinished {
		t.Errorf("expected finished, got %s", got)
	}
}

func TestScheduler_ConfirmationEnrollsContacts(t *testing.T) {
	enr := &enrollments{}
	f := newFixture(t, WithEnroller(enr))
	if err := f.store.SaveFlow(models.StoredFlow{ID: "confirm", TenantID: "t1", Name: "confirm", Document: "{}"}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}
	camp := jitterCampaign()
	camp.ConfirmationFlowID = "confirm"
	f.create(t, camp)
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)

	if len(enr.calls) != 3 || enr.calls[0] != "t1/5511900000001/confirm" {
		t.Fatalf("unexpected enrollments %v", enr.calls)
	}
}

func TestScheduler_RecurringCampaign(t *testing.T) {
	f := newFixture(t)
	camp := jitterCampaign()
	camp.Schedule.Recurrence = &models.Recurrence{Every: 1, Unit: models.UnitDays, Count: 2}
	c := f.create(t, camp)
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	if f.ch.count() != 3 {
		t.Fatalf("first occurrence should reach 3 contacts, got %d", f.ch.count())
	}
	got, _ := f.sched.Get(c.ID)
	if got.Occurrence != 2 || got.NextRunAt == nil || !got.NextRunAt.Equal(monday.AddDate(0, 0, 1)) {
		t.Fatalf("expected occurrence 2 tomorrow, got %d at %v", got.Occurrence, got.NextRunAt)
	}

	f.now = monday.AddDate(0, 0, 1)
	f.tick(t)
	f.now = f.now.Add(time.Minute)
	f.tick(t)
	if f.ch.count() != 6 {
		t.Fatalf("second occurrence should reach everyone again, got %d", f.ch.count())
	}
	if s := f.status(t, c.ID); s != models.CampaignFinished {
		t.Errorf("expected finished after count reached, got %s", s)
	}
}

func TestScheduler_CreateValidates(t *testing.T) {
	f := newFixture(t)
	bad := jitterCampaign()
	bad.Messages = nil
	if _, err := f.sched.Create(context.Background(), bad); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("expected ErrInvalidCampaign for missing messages, got %v", err)
	}

	tooMany := jitterCampaign()
	tooMany.Messages = []string{"1", "2", "3", "4", "5", "6"}
	if _, err := f.sched.Create(context.Background(), tooMany); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("expected ErrInvalidCampaign for 6 variants, got %v", err)
	}

	badCron := jitterCampaign()
	badCron.Schedule.Recurrence = &models.Recurrence{Cron: "whenever"}
	if _, err := f.sched.Create(context.Background(), badCron); !errors.Is(err, ErrInvalidCampaign) {
		t.Errorf("expected ErrInvalidCampaign for bad cron, got %v", err)
	}

	ok, err := f.sched.Create(context.Background(), jitterCampaign())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ok.Status != models.CampaignInactive || ok.Schedule.BusinessDays != models.ShiftNormal || ok.Schedule.Timezone != models.DefaultTimezone {
		t.Errorf("defaults not applied: %+v", ok)
	}
	if _, err := f.sched.Get("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
