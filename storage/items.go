package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tzabx/clipberry/models"
)

// SaveItem persists a replicated clipboard item. Saving the same
// (origin, sequence) twice is an idempotent overwrite; items are immutable so
// the row content cannot actually change.
func (s *Store) SaveItem(item models.ClipboardItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO items (
			origin_device_id,
			sequence,
			content_type,
			content_hash,
			payload,
			signature,
			created_at,
			received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_device_id, sequence) DO NOTHING`,
		item.OriginDeviceID,
		item.Sequence,
		string(item.ContentType),
		item.ContentHash,
		item.Payload,
		item.Signature,
		item.CreatedAt,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.Key(), err)
	}

	return nil
}

// LoadRecentItems returns the most recently received items, newest first.
func (s *Store) LoadRecentItems(limit int) ([]models.ClipboardItem, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT origin_device_id, sequence, content_type, content_hash, payload, signature, created_at
		FROM items
		ORDER BY received_at DESC, origin_device_id, sequence
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// LoadItemsSince returns stored items for one origin with sequence strictly
// greater than fromSequence, oldest first. Used to answer resync requests.
func (s *Store) LoadItemsSince(originDeviceID string, fromSequence uint64, limit int) ([]models.ClipboardItem, error) {
	if originDeviceID == "" {
		return nil, errors.New("origin_device_id is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT origin_device_id, sequence, content_type, content_hash, payload, signature, created_at
		FROM items
		WHERE origin_device_id = ? AND sequence > ?
		ORDER BY sequence
		LIMIT ?`,
		originDeviceID,
		fromSequence,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query items since %s:%d: %w", originDeviceID, fromSequence, err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// LastSequence returns the highest stored sequence for an origin device, or 0.
func (s *Store) LastSequence(originDeviceID string) (uint64, error) {
	if originDeviceID == "" {
		return 0, errors.New("origin_device_id is required")
	}

	var sequence sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT MAX(sequence) FROM items WHERE origin_device_id = ?`,
		originDeviceID,
	).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("query last sequence for %q: %w", originDeviceID, err)
	}

	if !sequence.Valid {
		return 0, nil
	}
	return uint64(sequence.Int64), nil
}

func collectItems(rows *sql.Rows) ([]models.ClipboardItem, error) {
	var items []models.ClipboardItem
	for rows.Next() {
		var item models.ClipboardItem
		var contentType string
		if err := rows.Scan(
			&item.OriginDeviceID,
			&item.Sequence,
			&contentType,
			&item.ContentHash,
			&item.Payload,
			&item.Signature,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		item.ContentType = models.ContentType(contentType)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}
