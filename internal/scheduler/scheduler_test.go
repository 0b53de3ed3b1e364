package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("campaign-tick", DefaultCampaignTick, func() {}); err != nil {
		t.Errorf("Expected no error adding descriptor job, got %v", err)
	}
	if err := s.AddJob("hourly", "0 * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding cron job, got %v", err)
	}
	if err := s.AddJob("bad", "not a spec", func() {}); err == nil {
		t.Error("Expected error for invalid spec")
	}
	if jobs := s.Jobs(); len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %v", jobs)
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	s := NewScheduler(WithVerboseLogging())
	var runs atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func() { runs.Add(1) }); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler()
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	err := s.AddJob("slow", "@every 1s", func() {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		<-release
		active.Add(-1)
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.Start()
	time.Sleep(2500 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Errorf("expected no overlapping runs, max concurrent = %d", maxActive.Load())
	}
}
