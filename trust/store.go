package trust

import (
	"fmt"
	"sort"
	"sync"
)

// Persister is the external storage adapter the store writes through. Every
// mutating operation calls it synchronously; an adapter failure fails the
// whole operation so the in-memory and persisted views never diverge.
type Persister interface {
	SaveDevice(Device) error
	LoadDevices() ([]Device, error)
}

// Store holds device identity records and their trust state. It is safe for
// concurrent use by the pairing protocol, secure channel, and sync engine.
type Store struct {
	mu        sync.RWMutex
	devices   map[string]Device
	persister Persister
}

// NewStore creates a store backed by the given persister and loads all
// previously saved device records.
func NewStore(persister Persister) (*Store, error) {
	store := &Store{
		devices:   make(map[string]Device),
		persister: persister,
	}

	devices, err := persister.LoadDevices()
	if err != nil {
		return nil, fmt.Errorf("load device records: %w", err)
	}
	for _, device := range devices {
		store.devices[device.DeviceID] = device
	}

	return store, nil
}

// Lookup returns the record for a device ID.
func (s *Store) Lookup(deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return device, nil
}

// Upsert inserts or updates a device record, enforcing the trust transition
// invariant against the currently stored state.
func (s *Store) Upsert(device Device) error {
	if device.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}
	if !validState(device.TrustState) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, device.TrustState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[device.DeviceID]; ok {
		if err := ValidateTransition(existing.TrustState, device.TrustState); err != nil {
			return err
		}
		if device.AddedAt == 0 {
			device.AddedAt = existing.AddedAt
		}
	}

	if err := s.persister.SaveDevice(device); err != nil {
		return fmt.Errorf("persist device %s: %w", device.DeviceID, err)
	}
	s.devices[device.DeviceID] = device
	return nil
}

// Revoke withdraws trust from a device. Reachable from any state; the record
// is kept, never deleted.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	device.TrustState = StateRevoked
	if err := s.persister.SaveDevice(device); err != nil {
		return fmt.Errorf("persist revoke for %s: %w", deviceID, err)
	}
	s.devices[deviceID] = device
	return nil
}

// MarkSeen updates a device's last-seen timestamp.
func (s *Store) MarkSeen(deviceID string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}

	device.LastSeenAt = at
	if err := s.persister.SaveDevice(device); err != nil {
		return fmt.Errorf("persist last seen for %s: %w", deviceID, err)
	}
	s.devices[deviceID] = device
	return nil
}

// ListTrusted returns all devices in state Trusted, ordered by device ID.
func (s *Store) ListTrusted() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	for _, device := range s.devices {
		if device.Trusted() {
			out = append(out, device)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// List returns all known devices, ordered by device ID.
func (s *Store) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
