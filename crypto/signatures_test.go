package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	data := []byte("clipboard item signing input")
	signature, err := Sign(privateKey, data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !Verify(publicKey, data, signature) {
		t.Fatalf("signature must verify with the signing device's key")
	}
	if Verify(publicKey, []byte("different input"), signature) {
		t.Fatalf("signature must not verify over different data")
	}

	otherPublic, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate second key: %v", err)
	}
	if Verify(otherPublic, data, signature) {
		t.Fatalf("signature must not verify with another device's key")
	}
}

func TestSignRejectsBadKey(t *testing.T) {
	if _, err := Sign(make(ed25519.PrivateKey, 5), []byte("data")); !errors.Is(err, ErrInvalidIdentityKey) {
		t.Fatalf("expected ErrInvalidIdentityKey, got %v", err)
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signature, err := Sign(privateKey, []byte("data"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if Verify(publicKey[:10], []byte("data"), signature) {
		t.Fatalf("truncated public key must not verify")
	}
	if Verify(publicKey, nil, signature) {
		t.Fatalf("empty data must not verify")
	}
	if Verify(publicKey, []byte("data"), signature[:10]) {
		t.Fatalf("truncated signature must not verify")
	}
}
