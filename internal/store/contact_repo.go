package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ReplaceContactList swaps the entries of a contact list, preserving the given order.
func (s *sqlStore) ReplaceContactList(tenantID, listID string, contacts []models.Contact) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin contact list replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.q(`DELETE FROM contact_list_items WHERE list_id = ?`), listID); err != nil {
		return fmt.Errorf("clear contact list %s: %w", listID, err)
	}
	insert := s.q(`INSERT INTO contact_list_items (list_id, position, tenant_id, contact_id, name, number, email, opted_out, fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, c := range contacts {
		fields, err := toJSON(c.Fields)
		if err != nil {
			return err
		}
		id := c.ID
		if id == "" {
			id = c.Number
		}
		if _, err := tx.Exec(insert, listID, i, tenantID, id, c.Name, c.Number, nilIfEmpty(c.Email), c.OptedOut, fields); err != nil {
			return fmt.Errorf("insert contact %d of list %s: %w", i, listID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit contact list %s: %w", listID, err)
	}
	return nil
}

// ListContacts returns the contacts of a list in their stored order.
func (s *sqlStore) ListContacts(listID string) ([]models.Contact, error) {
	rows, err := s.query(
		`SELECT contact_id, name, number, email, opted_out, fields FROM contact_list_items WHERE list_id = ? ORDER BY position`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts failed: %w", err)
	}
	defer rows.Close()
	var out []models.Contact
	for rows.Next() {
		var c models.Contact
		var email sql.NullString
		var fields string
		if err := rows.Scan(&c.ID, &c.Name, &c.Number, &email, &c.OptedOut, &fields); err != nil {
			return nil, fmt.Errorf("scan contact failed: %w", err)
		}
		c.Email = email.String
		if err := fromJSON(fields, &c.Fields); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
