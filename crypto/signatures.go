package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ErrInvalidIdentityKey indicates key material that is not a device
// identity key.
var ErrInvalidIdentityKey = errors.New("crypto: invalid identity key")

// Sign produces the device identity signature carried by clipboard items
// and channel hello messages.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIdentityKey, len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to sign")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify reports whether signature was produced over data by the device
// holding the pinned public key. Malformed keys or signatures verify as
// false; callers reject either way.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize ||
		len(data) == 0 ||
		len(signature) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(publicKey, data, signature)
}
