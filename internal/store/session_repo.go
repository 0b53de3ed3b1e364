package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const sessionColumns = `id, tenant_id, contact_id, flow_id, current_node, variables, wake_at, status, retry_count, history, last_error, last_activity, created_at, updated_at`

func scanSession(row scanner) (models.Session, error) {
	var sess models.Session
	var variables, history string
	var status string
	var lastError sql.NullString
	var wakeAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.ContactID, &sess.FlowID, &sess.CurrentNode, &variables, &wakeAt,
		&status, &sess.RetryCount, &history, &lastError, &sess.LastActivity, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return sess, err
	}
	sess.Status = models.SessionStatus(status)
	sess.WakeAt = timePtr(wakeAt)
	sess.LastError = lastError.String
	if err := fromJSON(variables, &sess.Variables); err != nil {
		return sess, err
	}
	if err := fromJSON(history, &sess.History); err != nil {
		return sess, err
	}
	return sess, nil
}

// SaveSession inserts or updates a session. UpdatedAt is refreshed.
func (s *sqlStore) SaveSession(sess *models.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = now
	}
	sess.UpdatedAt = now
	variables, err := toJSON(sess.Variables)
	if err != nil {
		return err
	}
	history, err := toJSON(sess.History)
	if err != nil {
		return err
	}
	_, err = s.exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (`+placeholders(14)+`)
		 ON CONFLICT (id) DO UPDATE SET current_node = excluded.current_node, variables = excluded.variables,
		 wake_at = excluded.wake_at, status = excluded.status, retry_count = excluded.retry_count,
		 history = excluded.history, last_error = excluded.last_error, last_activity = excluded.last_activity,
		 updated_at = excluded.updated_at`,
		sess.ID, sess.TenantID, sess.ContactID, sess.FlowID, sess.CurrentNode, variables, nullableTime(sess.WakeAt),
		string(sess.Status), sess.RetryCount, history, nilIfEmpty(sess.LastError), utc(sess.LastActivity),
		utc(sess.CreatedAt), now,
	)
	if err != nil {
		slog.Error(s.name+".SaveSession failed", "error", err, "session_id", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug(s.name+".SaveSession succeeded", "session_id", sess.ID, "status", sess.Status, "node", sess.CurrentNode)
	return nil
}

func (s *sqlStore) GetSession(id string) (*models.Session, error) {
	sess, err := scanSession(s.queryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *sqlStore) GetActiveSession(tenantID, contactID string) (*models.Session, error) {
	sess, err := scanSession(s.queryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND contact_id = ? AND status NOT IN (?, ?)
		 ORDER BY updated_at DESC LIMIT 1`,
		tenantID, contactID, string(models.SessionCompleted), string(models.SessionAborted),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return &sess, nil
}

func (s *sqlStore) HasSessions(tenantID, contactID string) (bool, error) {
	var n int
	if err := s.queryRow(
		`SELECT COUNT(*) FROM sessions WHERE tenant_id = ? AND contact_id = ?`, tenantID, contactID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) ListSessions(tenantID, contactID string) ([]models.Session, error) {
	return s.listSessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND contact_id = ? ORDER BY created_at`,
		tenantID, contactID,
	)
}

func (s *sqlStore) ListTimerSessions() ([]models.Session, error) {
	return s.listSessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY wake_at`,
		string(models.SessionWaitingTimer),
	)
}

func (s *sqlStore) listSessions(query string, args ...interface{}) ([]models.Session, error) {
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
