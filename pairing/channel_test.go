package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/tzabx/clipberry/trust"
)

func newTestIdentity(t *testing.T, name string) Identity {
	t.Helper()

	publicKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}

	return Identity{
		DeviceID:        name + "-device",
		DisplayName:     name,
		PublicKey:       publicKey,
		CertFingerprint: name + "-fingerprint",
	}
}

func startTestServer(t *testing.T, identity Identity) (*Server, *Manager, *trust.Store) {
	t.Helper()

	manager, store := newTestManager(t)
	server := NewServer(manager, identity)
	if err := server.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start pairing server: %v", err)
	}
	t.Cleanup(server.Close)

	return server, manager, store
}

func TestPairOverProvisionalChannel(t *testing.T) {
	responder := newTestIdentity(t, "responder")
	initiator := newTestIdentity(t, "initiator")

	server, respManager, respStore := startTestServer(t, responder)
	initManager, initStore := newTestManager(t)

	issued, err := respManager.IssueToken()
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Pair(ctx, server.Addr().String(), issued.Token, initiator, initManager)
	if err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	if session.State != StateCompleted {
		t.Fatalf("expected completed session, got %q", session.State)
	}

	pairedResponder, err := initStore.Lookup(responder.DeviceID)
	if err != nil {
		t.Fatalf("initiator lookup of responder failed: %v", err)
	}
	if !pairedResponder.Trusted() {
		t.Fatalf("initiator must trust responder, got %q", pairedResponder.TrustState)
	}
	if pairedResponder.CertFingerprint != responder.CertFingerprint {
		t.Fatalf("initiator pinned %q, want %q", pairedResponder.CertFingerprint, responder.CertFingerprint)
	}

	pairedInitiator, err := respStore.Lookup(initiator.DeviceID)
	if err != nil {
		t.Fatalf("responder lookup of initiator failed: %v", err)
	}
	if !pairedInitiator.Trusted() {
		t.Fatalf("responder must trust initiator, got %q", pairedInitiator.TrustState)
	}
	if pairedInitiator.CertFingerprint != initiator.CertFingerprint {
		t.Fatalf("responder pinned %q, want %q", pairedInitiator.CertFingerprint, initiator.CertFingerprint)
	}
}

func TestPairWrongTokenNeverTrusts(t *testing.T) {
	responder := newTestIdentity(t, "responder")
	initiator := newTestIdentity(t, "initiator")

	server, respManager, respStore := startTestServer(t, responder)
	initManager, initStore := newTestManager(t)

	if _, err := respManager.IssueToken(); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Pair(ctx, server.Addr().String(), "WRONGTOK", initiator, initManager)
	if !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}

	if _, err := respStore.Lookup(initiator.DeviceID); !errors.Is(err, trust.ErrNotFound) {
		t.Fatalf("responder must not record the peer, got %v", err)
	}
	if _, err := initStore.Lookup(responder.DeviceID); !errors.Is(err, trust.ErrNotFound) {
		t.Fatalf("initiator must not record the peer, got %v", err)
	}
}

func TestPairTokenIsSingleUseAcrossConnections(t *testing.T) {
	responder := newTestIdentity(t, "responder")
	first := newTestIdentity(t, "first")
	second := newTestIdentity(t, "second")

	server, respManager, _ := startTestServer(t, responder)
	firstManager, _ := newTestManager(t)
	secondManager, _ := newTestManager(t)

	issued, err := respManager.IssueToken()
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Pair(ctx, server.Addr().String(), issued.Token, first, firstManager); err != nil {
		t.Fatalf("first Pair failed: %v", err)
	}
	if _, err := Pair(ctx, server.Addr().String(), issued.Token, second, secondManager); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch for reused token, got %v", err)
	}
}
