package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/oklog/ulid/v2"
)

const dispatchColumns = `id, tenant_id, target, payload, source, campaign_id, session_id, node_id, contact_id, dedupe_key, attempts, outcome, send_at, last_error, locked_at, sent_at, created_at, updated_at`

func scanDispatch(row scanner) (models.DispatchRecord, error) {
	var r models.DispatchRecord
	var payload, source, outcome string
	var campaignID, sessionID, nodeID, contactID, dedupeKey, lastError sql.NullString
	var lockedAt, sentAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Target, &payload, &source, &campaignID, &sessionID, &nodeID, &contactID, &dedupeKey,
		&r.Attempts, &outcome, &r.SendAt, &lastError, &lockedAt, &sentAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.Source = models.DispatchSource(source)
	r.Outcome = models.DispatchOutcome(outcome)
	r.CampaignID, r.SessionID, r.NodeID = campaignID.String, sessionID.String, nodeID.String
	r.ContactID, r.DedupeKey, r.LastError = contactID.String, dedupeKey.String, lastError.String
	r.LockedAt = timePtr(lockedAt)
	r.SentAt = timePtr(sentAt)
	if err := fromJSON(payload, &r.Payload); err != nil {
		return r, err
	}
	return r, nil
}

// CreateDispatch inserts a dispatch record, assigning a time-ordered id when rec.ID is empty.
func (s *sqlStore) CreateDispatch(rec *models.DispatchRecord) (bool, error) {
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Outcome == "" {
		rec.Outcome = models.DispatchPending
	}
	if rec.SendAt.IsZero() {
		rec.SendAt = now
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	payload, err := toJSON(rec.Payload)
	if err != nil {
		return false, err
	}
	res, err := s.exec(
		`INSERT INTO dispatch_records (`+dispatchColumns+`) VALUES (`+placeholders(18)+`)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		rec.ID, rec.TenantID, rec.Target, payload, string(rec.Source), nilIfEmpty(rec.CampaignID),
		nilIfEmpty(rec.SessionID), nilIfEmpty(rec.NodeID), nilIfEmpty(rec.ContactID), nilIfEmpty(rec.DedupeKey),
		rec.Attempts, string(rec.Outcome), utc(rec.SendAt), nilIfEmpty(rec.LastError), nullableTime(rec.LockedAt),
		nullableTime(rec.SentAt), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create dispatch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug(s.name+".CreateDispatch: dedupe hit", "dedupeKey", rec.DedupeKey)
		return false, nil
	}
	return true, nil
}

func (s *sqlStore) GetDispatch(id string) (*models.DispatchRecord, error) {
	r, err := scanDispatch(s.queryRow(`SELECT `+dispatchColumns+` FROM dispatch_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch %s: %w", id, err)
	}
	return &r, nil
}

// ClaimDueDispatches marks up to limit pending records of a campaign whose send time has
// passed as sending and returns them ordered by send time, then id.
func (s *sqlStore) ClaimDueDispatches(campaignID string, now time.Time, limit int) ([]models.DispatchRecord, error) {
	now = utc(now)
	rows, err := s.query(
		`SELECT `+dispatchColumns+` FROM dispatch_records WHERE campaign_id = ? AND outcome = 'pending' AND send_at <= ?
		 ORDER BY send_at ASC, id ASC LIMIT ?`,
		campaignID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due dispatches query failed: %w", err)
	}
	var due []models.DispatchRecord
	for rows.Next() {
		r, err := scanDispatch(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan dispatch failed: %w", err)
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim due dispatches iteration failed: %w", err)
	}
	rows.Close()

	claimed := due[:0]
	for _, r := range due {
		res, err := s.exec(
			`UPDATE dispatch_records SET outcome = 'sending', locked_at = ?, updated_at = ? WHERE id = ? AND outcome = 'pending'`,
			now, now, r.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark dispatch sending failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		r.Outcome = models.DispatchSending
		locked := now
		r.LockedAt = &locked
		claimed = append(claimed, r)
	}
	return claimed, nil
}

func (s *sqlStore) MarkDispatchSending(id string, now time.Time) error {
	_, err := s.exec(
		`UPDATE dispatch_records SET outcome = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
		utc(now), utc(now), id,
	)
	if err != nil {
		return fmt.Errorf("mark dispatch sending failed: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkDispatchSent(id string, attempts int, at time.Time) error {
	_, err := s.exec(
		`UPDATE dispatch_records SET outcome = 'sent', attempts = ?, sent_at = ?, last_error = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		attempts, utc(at), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark dispatch sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkDispatchFailed(id string, attempts int, errMsg string) error {
	_, err := s.exec(
		`UPDATE dispatch_records SET outcome = 'failed', attempts = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		attempts, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark dispatch failed failed: %w", err)
	}
	return nil
}

// CancelDispatch discards one record that has not been sent.
func (s *sqlStore) CancelDispatch(id string) error {
	_, err := s.exec(
		`UPDATE dispatch_records SET outcome = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ? AND outcome IN ('pending', 'sending')`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel dispatch failed: %w", err)
	}
	return nil
}

// CancelPendingDispatches discards sends of a campaign that have not started.
func (s *sqlStore) CancelPendingDispatches(campaignID string) (int, error) {
	res, err := s.exec(
		`UPDATE dispatch_records SET outcome = 'canceled', updated_at = ? WHERE campaign_id = ? AND outcome = 'pending'`,
		time.Now().UTC(), campaignID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending dispatches failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteUnsentDispatches removes every record of a campaign that did not end in sent.
func (s *sqlStore) DeleteUnsentDispatches(campaignID string) (int, error) {
	res, err := s.exec(
		`DELETE FROM dispatch_records WHERE campaign_id = ? AND outcome IN ('pending', 'failed', 'canceled')`,
		campaignID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete unsent dispatches failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountDispatches counts campaign records in the given outcomes, or all records when none are given.
func (s *sqlStore) CountDispatches(campaignID string, outcomes ...models.DispatchOutcome) (int, error) {
	query := `SELECT COUNT(*) FROM dispatch_records WHERE campaign_id = ?`
	args := []interface{}{campaignID}
	if len(outcomes) > 0 {
		query += ` AND outcome IN (` + placeholders(len(outcomes)) + `)`
		for _, o := range outcomes {
			args = append(args, string(o))
		}
	}
	var n int
	if err := s.queryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dispatches failed: %w", err)
	}
	return n, nil
}

// SentContacts returns the contact ids of a campaign with a sent record.
func (s *sqlStore) SentContacts(campaignID string) (map[string]bool, error) {
	rows, err := s.query(
		`SELECT DISTINCT contact_id FROM dispatch_records WHERE campaign_id = ? AND outcome = 'sent' AND contact_id IS NOT NULL`,
		campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("sent contacts query failed: %w", err)
	}
	defer rows.Close()
	sent := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sent contact failed: %w", err)
		}
		sent[id] = true
	}
	return sent, rows.Err()
}

func (s *sqlStore) ListDispatches(campaignID string) ([]models.DispatchRecord, error) {
	rows, err := s.query(
		`SELECT `+dispatchColumns+` FROM dispatch_records WHERE campaign_id = ? ORDER BY send_at ASC, id ASC`, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dispatches failed: %w", err)
	}
	defer rows.Close()
	var out []models.DispatchRecord
	for rows.Next() {
		r, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequeueStaleDispatches returns campaign records stuck in sending back to pending (crash recovery).
func (s *sqlStore) RequeueStaleDispatches(staleBefore time.Time) (int, error) {
	res, err := s.exec(
		`UPDATE dispatch_records SET outcome = 'pending', locked_at = NULL, updated_at = ?
		 WHERE outcome = 'sending' AND campaign_id IS NOT NULL AND locked_at < ?`,
		time.Now().UTC(), utc(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale dispatches failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleDispatches", "requeued", n)
	}
	return int(n), nil
}
