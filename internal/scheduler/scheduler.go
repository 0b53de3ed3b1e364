// Package scheduler runs FlowPipe's periodic drivers on cron specs.
//
// Jobs never overlap themselves: a tick that is still running when the next one is due
// causes that next tick to be skipped.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultCampaignTick is the default spec of the campaign driver.
const DefaultCampaignTick = "@every 10s"

// Opts holds configuration for the scheduler.
type Opts struct {
	Verbose bool
}

// Option configures the scheduler.
type Option func(*Opts)

// WithVerboseLogging logs every job start and finish at debug level.
func WithVerboseLogging() Option {
	return func(o *Opts) { o.Verbose = true }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron  *cron.Cron
	names map[cron.EntryID]string
}

// slogWriter adapts slog to the log.Logger cron expects.
type slogWriter struct{}

func (slogWriter) Write(p []byte) (int, error) {
	slog.Debug("cron: " + strings.TrimSpace(string(p)))
	return len(p), nil
}

// NewScheduler creates a scheduler accepting standard 5-field specs and descriptors such as
// "@every 10s". It does not run jobs until Start.
func NewScheduler(opts ...Option) *Scheduler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	std := log.New(slogWriter{}, "", 0)
	logger := cron.PrintfLogger(std)
	if cfg.Verbose {
		logger = cron.VerbosePrintfLogger(std)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, names: make(map[cron.EntryID]string)}
}

// AddJob schedules task under name using spec. It returns an error if spec is invalid.
func (s *Scheduler) AddJob(name, spec string, task func()) error {
	id, err := s.cron.AddFunc(spec, task)
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, spec, err)
	}
	s.names[id] = name
	slog.Info("Scheduler.AddJob: job scheduled", "job", name, "spec", spec)
	return nil
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	entries := s.cron.Entries()
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.names[e.ID])
	}
	return out
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}
