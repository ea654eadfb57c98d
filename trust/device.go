package trust

import (
	"errors"
	"fmt"
)

// State is the trust lifecycle state of a known device.
type State string

const (
	// StateUntrusted marks a device seen on the network but never paired.
	StateUntrusted State = "untrusted"
	// StatePendingPairing marks a device inside an active pairing exchange.
	StatePendingPairing State = "pending_pairing"
	// StateTrusted marks a device allowed on the item-exchange channel.
	StateTrusted State = "trusted"
	// StateRevoked marks a device whose trust was explicitly withdrawn. The
	// record stays as an audit trail; only a fresh pairing leaves this state.
	StateRevoked State = "revoked"
)

var (
	// ErrInvalidTransition indicates a trust state change that would skip or
	// reverse the pairing lifecycle.
	ErrInvalidTransition = errors.New("trust: invalid state transition")
	// ErrNotFound indicates an unknown device ID.
	ErrNotFound = errors.New("trust: device not found")
)

// Device is the identity record for a remote device.
type Device struct {
	DeviceID        string `json:"device_id"`
	DisplayName     string `json:"display_name"`
	PublicKey       string `json:"public_key"`
	CertFingerprint string `json:"cert_fingerprint"`
	TrustState      State  `json:"trust_state"`
	AddedAt         int64  `json:"added_at"`
	LastSeenAt      int64  `json:"last_seen_at"`
}

// Trusted reports whether the device may use the item-exchange channel.
func (d Device) Trusted() bool {
	return d.TrustState == StateTrusted
}

func validState(state State) bool {
	switch state {
	case StateUntrusted, StatePendingPairing, StateTrusted, StateRevoked:
		return true
	default:
		return false
	}
}

// ValidateTransition enforces the forward-only trust lifecycle. Revoke is
// reachable from any state; a revoked device can only move back to
// PendingPairing via a fresh token exchange.
func ValidateTransition(from, to State) error {
	if !validState(from) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if !validState(to) {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if from == to {
		return nil
	}
	if to == StateRevoked {
		return nil
	}

	switch from {
	case StateUntrusted:
		if to == StatePendingPairing {
			return nil
		}
	case StatePendingPairing:
		if to == StateTrusted {
			return nil
		}
	case StateRevoked:
		if to == StatePendingPairing {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
