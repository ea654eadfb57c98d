package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a one-shot X25519 keypair for a
// provisional pairing session.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParsePublicKey parses raw X25519 public key bytes.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeSharedSecret performs the X25519 Diffie-Hellman computation.
func ComputeSharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey derives a 32-byte AES key from a shared secret using HKDF.
// Device IDs are sorted into the info string so both peers derive the same key
// regardless of which side initiated.
func DeriveSessionKey(sharedSecret []byte, localDeviceID, peerDeviceID string) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}

	ids := []string{localDeviceID, peerDeviceID}
	sort.Strings(ids)
	info := []byte("clipberry-pairing-v1|" + strings.Join(ids, "|"))

	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return key, nil
}
