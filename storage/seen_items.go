package storage

import (
	"errors"
	"fmt"
)

// InsertSeenItem records an item identity used for duplicate suppression
// across restarts.
func (s *Store) InsertSeenItem(originDeviceID string, sequence uint64, contentHash string, receivedAt int64) error {
	if originDeviceID == "" {
		return errors.New("origin_device_id is required")
	}
	if sequence == 0 {
		return errors.New("sequence must be > 0")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_items (origin_device_id, sequence, content_hash, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(origin_device_id, sequence) DO UPDATE SET received_at = excluded.received_at`,
		originDeviceID,
		sequence,
		contentHash,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen item %s:%d: %w", originDeviceID, sequence, err)
	}

	return nil
}

// HasSeenItem returns true if an item identity has already been processed.
func (s *Store) HasSeenItem(originDeviceID string, sequence uint64) (bool, error) {
	if originDeviceID == "" {
		return false, errors.New("origin_device_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_items WHERE origin_device_id = ? AND sequence = ?)`,
		originDeviceID,
		sequence,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen item %s:%d: %w", originDeviceID, sequence, err)
	}

	return exists == 1, nil
}

// LastSeenSequence returns the highest seen sequence for an origin, or 0.
func (s *Store) LastSeenSequence(originDeviceID string) (uint64, error) {
	if originDeviceID == "" {
		return 0, errors.New("origin_device_id is required")
	}

	var sequence int64
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM seen_items WHERE origin_device_id = ?`,
		originDeviceID,
	).Scan(&sequence); err != nil {
		return 0, fmt.Errorf("query last seen sequence for %q: %w", originDeviceID, err)
	}

	return uint64(sequence), nil
}

// PruneSeenItems removes seen_items rows older than the cutoff timestamp.
func (s *Store) PruneSeenItems(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_items WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen items: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen item prune: %w", err)
	}

	return rowsAffected, nil
}
