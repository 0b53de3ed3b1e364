package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultDispatchStaleAfter is how long a dispatch may stay in flight before it is
// considered abandoned by a crashed process.
const DefaultDispatchStaleAfter = 2 * time.Minute

// TimerRecoveryHandler returns the timer recovery callback: each pending wake is re-armed
// as a durable job. The job's dedupe key keeps repeated recoveries from stacking wakes.
func TimerRecoveryHandler(jobs store.JobRepo) func(TimerRecoveryInfo) (string, error) {
	return func(info TimerRecoveryInfo) (string, error) {
		slog.Info("Recovering timer", "session_id", info.SessionID, "node_id", info.NodeID, "wakeAt", info.WakeAt)
		id, err := jobs.EnqueueJob(info.JobKind, info.WakeAt, info.PayloadJSON, info.DedupeKey)
		if err != nil {
			return "", fmt.Errorf("failed to re-arm timer for session %s: %w", info.SessionID, err)
		}
		return id, nil
	}
}

// JobRecovery requeues durable jobs that were running when the process stopped.
type JobRecovery struct {
	Runner *store.JobRunner
}

func (j JobRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return j.Runner.RecoverStaleJobs()
}

// DispatchRecovery returns campaign dispatches stuck in flight to pending so the next
// campaign tick retries them.
type DispatchRecovery struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

func (d DispatchRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	stale := d.StaleAfter
	if stale <= 0 {
		stale = DefaultDispatchStaleAfter
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	n, err := registry.GetStore().RequeueStaleDispatches(now().Add(-stale))
	if err != nil {
		return fmt.Errorf("requeue stale dispatches: %w", err)
	}
	slog.Info("DispatchRecovery.RecoverState: requeued in-flight dispatches", "count", n)
	return nil
}
