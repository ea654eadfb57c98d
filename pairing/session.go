package pairing

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a pairing session.
type State string

const (
	// StateIssued marks a session whose token exists but has not been presented.
	StateIssued State = "issued"
	// StateExchanged marks a session whose token was consumed and whose peer
	// identity material has been received.
	StateExchanged State = "exchanged"
	// StateCertVerified marks a session whose peer certificate fingerprint has
	// been confirmed against the received identity material.
	StateCertVerified State = "cert_verified"
	// StateCompleted marks a finished session; the peer is Trusted.
	StateCompleted State = "completed"
	// StateFailed marks an aborted session.
	StateFailed State = "failed"
	// StateExpired marks a session whose token outlived its TTL unused.
	StateExpired State = "expired"
)

// Session tracks one pairing attempt from token issue to completion.
type Session struct {
	ID                  string
	Token               string
	State               State
	PeerDeviceID        string
	PeerDisplayName     string
	PeerPublicKey       string
	PeerCertFingerprint string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	FailureReason       string
}

func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// validateAdvance enforces the forward-only session lifecycle. Failed and
// Expired are reachable from any non-terminal state.
func validateAdvance(from, to State) error {
	if from.terminal() {
		return fmt.Errorf("pairing: session already %s", from)
	}

	switch to {
	case StateExchanged:
		if from == StateIssued {
			return nil
		}
	case StateCertVerified:
		if from == StateExchanged {
			return nil
		}
	case StateCompleted:
		if from == StateCertVerified {
			return nil
		}
	case StateFailed, StateExpired:
		return nil
	}

	return fmt.Errorf("pairing: invalid session transition %s -> %s", from, to)
}
