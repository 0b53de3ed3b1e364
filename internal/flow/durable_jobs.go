package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/store"
)

// JobKindSessionWake resumes a session parked on an interval node.
const JobKindSessionWake = "session_wake"

// SessionWakePayload is the JSON payload for session_wake jobs.
type SessionWakePayload struct {
	SessionID string `json:"session_id"`
}

// RegisterJobHandlers registers the flow job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, interp *Interpreter) {
	runner.RegisterHandler(JobKindSessionWake, makeSessionWakeHandler(interp))
}

func makeSessionWakeHandler(interp *Interpreter) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p SessionWakePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid session_wake payload: %w", err)
		}
		if p.SessionID == "" {
			return fmt.Errorf("session_wake payload has no session_id")
		}
		slog.Info("JobHandler.session_wake: executing", "session_id", p.SessionID)

		// Wake is idempotent: a session that already moved on is skipped
		return interp.Wake(ctx, p.SessionID)
	}
}
