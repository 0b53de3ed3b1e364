package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DedupRepo deduplicates inbound channel messages by message id.
type DedupRepo interface {
	// IsDuplicate reports whether a message ID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records a message. Returns false if it was already recorded.
	RecordInbound(messageID, contactKey string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}

func (s *sqlStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.queryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(messageID, contactKey string) (bool, error) {
	res, err := s.exec(
		`INSERT INTO inbound_dedup (message_id, contact_key, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, contactKey, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	_, err := s.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
