package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// ErrInvalidSessionKey indicates key material that did not come from
// DeriveSessionKey.
var ErrInvalidSessionKey = errors.New("crypto: invalid session key")

func sessionAEAD(sessionKey []byte) (cipher.AEAD, error) {
	if len(sessionKey) != sessionKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSessionKey, len(sessionKey), sessionKeySize)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals a pairing frame with AES-256-GCM under a derived session
// key. The returned IV is the fresh nonce the peer needs to open the frame.
func Encrypt(sessionKey, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := sessionAEAD(sessionKey)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens a sealed pairing frame. Tampering with the ciphertext or
// nonce fails authentication.
func Decrypt(sessionKey, iv, ciphertext []byte) ([]byte, error) {
	aead, err := sessionAEAD(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d, want %d", len(iv), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed frame: %w", err)
	}

	return plaintext, nil
}
