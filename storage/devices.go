package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tzabx/clipberry/trust"
)

// SaveDevice inserts or updates a device trust record. Trust transition
// validation happens in the trust store; this layer only persists.
func (s *Store) SaveDevice(device trust.Device) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.TrustState == "" {
		return errors.New("trust_state is required")
	}
	if device.AddedAt == 0 {
		device.AddedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			display_name,
			public_key,
			cert_fingerprint,
			trust_state,
			added_at,
			last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = excluded.public_key,
			cert_fingerprint = excluded.cert_fingerprint,
			trust_state = excluded.trust_state,
			last_seen_at = excluded.last_seen_at`,
		device.DeviceID,
		device.DisplayName,
		device.PublicKey,
		device.CertFingerprint,
		string(device.TrustState),
		device.AddedAt,
		device.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetDevice returns one device trust record.
func (s *Store) GetDevice(deviceID string) (trust.Device, error) {
	if deviceID == "" {
		return trust.Device{}, errors.New("device_id is required")
	}

	row := s.db.QueryRow(
		`SELECT device_id, display_name, public_key, cert_fingerprint, trust_state, added_at, last_seen_at
		FROM devices WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.Device{}, ErrNotFound
	}
	if err != nil {
		return trust.Device{}, fmt.Errorf("query device %q: %w", deviceID, err)
	}

	return device, nil
}

// LoadDevices returns all persisted device trust records.
func (s *Store) LoadDevices() ([]trust.Device, error) {
	rows, err := s.db.Query(
		`SELECT device_id, display_name, public_key, cert_fingerprint, trust_state, added_at, last_seen_at
		FROM devices ORDER BY device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []trust.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (trust.Device, error) {
	var device trust.Device
	var state string
	if err := row.Scan(
		&device.DeviceID,
		&device.DisplayName,
		&device.PublicKey,
		&device.CertFingerprint,
		&state,
		&device.AddedAt,
		&device.LastSeenAt,
	); err != nil {
		return trust.Device{}, err
	}
	device.TrustState = trust.State(state)
	return device, nil
}
