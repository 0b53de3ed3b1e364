package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const campaignColumns = `id, tenant_id, name, messages, confirmation, confirmation_messages, contact_list_id, schedule, confirmation_flow_id, status, occurrence, next_run_at, planned, last_error, created_at, updated_at`

func scanCampaign(row scanner) (models.Campaign, error) {
	var c models.Campaign
	var messages, confirmations, schedule, status string
	var confirmationFlow, lastError sql.NullString
	var nextRunAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &messages, &c.Confirmation, &confirmations, &c.ContactListID, &schedule,
		&confirmationFlow, &status, &c.Occurrence, &nextRunAt, &c.Planned, &lastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	c.Status = models.CampaignStatus(status)
	c.ConfirmationFlowID = confirmationFlow.String
	c.LastError = lastError.String
	c.NextRunAt = timePtr(nextRunAt)
	if err := fromJSON(messages, &c.Messages); err != nil {
		return c, err
	}
	if err := fromJSON(confirmations, &c.ConfirmationMessages); err != nil {
		return c, err
	}
	if err := fromJSON(schedule, &c.Schedule); err != nil {
		return c, err
	}
	return c, nil
}

// SaveCampaign inserts or updates a campaign. UpdatedAt is refreshed.
func (s *sqlStore) SaveCampaign(c *models.Campaign) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	messages, err := toJSON(c.Messages)
	if err != nil {
		return err
	}
	confirmations, err := toJSON(c.ConfirmationMessages)
	if err != nil {
		return err
	}
	schedule, err := toJSON(c.Schedule)
	if err != nil {
		return err
	}
	_, err = s.exec(
		`INSERT INTO campaigns (`+campaignColumns+`) VALUES (`+placeholders(16)+`)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, messages = excluded.messages,
		 confirmation = excluded.confirmation, confirmation_messages = excluded.confirmation_messages,
		 contact_list_id = excluded.contact_list_id, schedule = excluded.schedule,
		 confirmation_flow_id = excluded.confirmation_flow_id, status = excluded.status,
		 occurrence = excluded.occurrence, next_run_at = excluded.next_run_at, planned = excluded.planned,
		 last_error = excluded.last_error, updated_at = excluded.updated_at`,
		c.ID, c.TenantID, c.Name, messages, c.Confirmation, confirmations, c.ContactListID, schedule,
		nilIfEmpty(c.ConfirmationFlowID), string(c.Status), c.Occurrence, nullableTime(c.NextRunAt), c.Planned,
		nilIfEmpty(c.LastError), utc(c.CreatedAt), now,
	)
	if err != nil {
		slog.Error(s.name+".SaveCampaign failed", "error", err, "campaign_id", c.ID)
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	slog.Debug(s.name+".SaveCampaign succeeded", "campaign_id", c.ID, "status", c.Status)
	return nil
}

func (s *sqlStore) GetCampaign(id string) (*models.Campaign, error) {
	c, err := scanCampaign(s.queryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

// ListCampaigns returns campaigns in any of the given statuses, or all campaigns when none are given.
func (s *sqlStore) ListCampaigns(statuses ...models.CampaignStatus) ([]models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()
	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
