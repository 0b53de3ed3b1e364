package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (s *sqlStore) SaveFlow(f models.StoredFlow) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	_, err := s.exec(
		`INSERT INTO flows (id, tenant_id, name, document, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name,
		 document = excluded.document, updated_at = excluded.updated_at`,
		f.ID, f.TenantID, f.Name, f.Document, utc(f.CreatedAt), now,
	)
	if err != nil {
		slog.Error(s.name+".SaveFlow failed", "error", err, "flow_id", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug(s.name+".SaveFlow succeeded", "flow_id", f.ID, "tenant", f.TenantID)
	return nil
}

func (s *sqlStore) GetFlow(id string) (*models.StoredFlow, error) {
	var f models.StoredFlow
	err := s.queryRow(
		`SELECT id, tenant_id, name, document, created_at, updated_at FROM flows WHERE id = ?`, id,
	).Scan(&f.ID, &f.TenantID, &f.Name, &f.Document, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *sqlStore) ListFlows(tenantID string) ([]models.StoredFlow, error) {
	rows, err := s.query(
		`SELECT id, tenant_id, name, document, created_at, updated_at FROM flows WHERE tenant_id = ? ORDER BY id`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()
	var flows []models.StoredFlow
	for rows.Next() {
		var f models.StoredFlow
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Name, &f.Document, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *sqlStore) SaveTenantSettings(ts models.TenantSettings) error {
	_, err := s.exec(
		`INSERT INTO tenant_settings (tenant_id, welcome_flow_id, default_flow_id, timezone, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET welcome_flow_id = excluded.welcome_flow_id,
		 default_flow_id = excluded.default_flow_id, timezone = excluded.timezone, updated_at = excluded.updated_at`,
		ts.TenantID, nilIfEmpty(ts.WelcomeFlowID), nilIfEmpty(ts.DefaultFlowID), nilIfEmpty(ts.Timezone), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save tenant settings %s: %w", ts.TenantID, err)
	}
	return nil
}

func (s *sqlStore) GetTenantSettings(tenantID string) (*models.TenantSettings, error) {
	var ts models.TenantSettings
	var welcome, def, tz sql.NullString
	err := s.queryRow(
		`SELECT tenant_id, welcome_flow_id, default_flow_id, timezone, updated_at FROM tenant_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&ts.TenantID, &welcome, &def, &tz, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings %s: %w", tenantID, err)
	}
	ts.WelcomeFlowID = welcome.String
	ts.DefaultFlowID = def.String
	ts.Timezone = tz.String
	return &ts, nil
}

func (s *sqlStore) SaveTrigger(t models.FlowTrigger) error {
	if t.MatchType == "" {
		t.MatchType = models.MatchExact
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.exec(
		`INSERT INTO flow_triggers (id, tenant_id, flow_id, phrase, match_type, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET flow_id = excluded.flow_id, phrase = excluded.phrase,
		 match_type = excluded.match_type, active = excluded.active`,
		t.ID, t.TenantID, t.FlowID, t.Phrase, string(t.MatchType), t.Active, utc(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger %s: %w", t.ID, err)
	}
	return nil
}

func (s *sqlStore) ListTriggers(tenantID string) ([]models.FlowTrigger, error) {
	rows, err := s.query(
		`SELECT id, tenant_id, flow_id, phrase, match_type, active, created_at FROM flow_triggers
		 WHERE tenant_id = ? ORDER BY created_at, id`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()
	var triggers []models.FlowTrigger
	for rows.Next() {
		var t models.FlowTrigger
		var mt string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.FlowID, &t.Phrase, &mt, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger row: %w", err)
		}
		t.MatchType = models.MatchType(mt)
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *sqlStore) RecordTicketClosure(c models.TicketClosure) error {
	_, err := s.exec(
		`INSERT INTO ticket_closures (tenant_id, contact_id, closed_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, contact_id) DO UPDATE SET closed_at = excluded.closed_at`,
		c.TenantID, c.ContactID, utc(c.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record ticket closure: %w", err)
	}
	return nil
}

func (s *sqlStore) GetTicketClosure(tenantID, contactID string) (*models.TicketClosure, error) {
	c := models.TicketClosure{TenantID: tenantID, ContactID: contactID}
	err := s.queryRow(
		`SELECT closed_at FROM ticket_closures WHERE tenant_id = ? AND contact_id = ?`, tenantID, contactID,
	).Scan(&c.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket closure: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) RecordAssignment(a models.QueueAssignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.exec(
		`INSERT INTO queue_assignments (id, tenant_id, contact_id, queue_id, connection_id, session_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.ContactID, nilIfEmpty(a.QueueID), nilIfEmpty(a.ConnectionID), nilIfEmpty(a.SessionID), utc(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record queue assignment: %w", err)
	}
	return nil
}

func (s *sqlStore) ListAssignments(tenantID, contactID string) ([]models.QueueAssignment, error) {
	rows, err := s.query(
		`SELECT id, tenant_id, contact_id, queue_id, connection_id, session_id, created_at FROM queue_assignments
		 WHERE tenant_id = ? AND contact_id = ? ORDER BY created_at`, tenantID, contactID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()
	var out []models.QueueAssignment
	for rows.Next() {
		var a models.QueueAssignment
		var queue, conn, sess sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ContactID, &queue, &conn, &sess, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment row: %w", err)
		}
		a.QueueID, a.ConnectionID, a.SessionID = queue.String, conn.String, sess.String
		out = append(out, a)
	}
	return out, rows.Err()
}
