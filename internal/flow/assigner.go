package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/google/uuid"
)

// AssignmentRecorder persists queue assignments. store.Store satisfies it.
type AssignmentRecorder interface {
	RecordAssignment(a models.QueueAssignment) error
}

// StoreAssigner implements AssignToQueue by recording the hand-off durably; the ticket
// subsystem picks assignments up from there.
type StoreAssigner struct {
	repo AssignmentRecorder
	now  func() time.Time
}

// NewStoreAssigner creates an assigner backed by repo.
func NewStoreAssigner(repo AssignmentRecorder) *StoreAssigner {
	return &StoreAssigner{repo: repo, now: time.Now}
}

func (a *StoreAssigner) AssignToQueue(ctx context.Context, tenantID, contactID, queueID, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	qa := models.QueueAssignment{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ContactID:    contactID,
		QueueID:      queueID,
		ConnectionID: connectionID,
		CreatedAt:    a.now(),
	}
	if err := a.repo.RecordAssignment(qa); err != nil {
		return fmt.Errorf("record queue assignment: %w", err)
	}
	slog.Info("StoreAssigner.AssignToQueue", "tenant", tenantID, "contact", contactID, "queue", queueID, "connection", connectionID)
	return nil
}

var _ Assigner = (*StoreAssigner)(nil)
