package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tzabx/clipberry/storage"
	"github.com/tzabx/clipberry/trust"
)

const (
	tokenLength = 8
	// No I, O, 0 or 1, so a token read aloud cannot be mistyped.
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// DefaultTokenTTL bounds how long an issued token stays redeemable.
	DefaultTokenTTL = 5 * time.Minute

	sweepInterval = 30 * time.Second
)

var (
	// ErrTokenMismatch indicates a presented token that matches no issued session.
	ErrTokenMismatch = errors.New("pairing: token mismatch")
	// ErrTokenExpired indicates a token presented after its TTL.
	ErrTokenExpired = errors.New("pairing: token expired")
	// ErrAlreadyPaired indicates the peer device is already trusted.
	ErrAlreadyPaired = errors.New("pairing: device already paired")
	// ErrCertMismatch indicates a certificate fingerprint that does not match
	// the identity material received during the token exchange.
	ErrCertMismatch = errors.New("pairing: certificate fingerprint mismatch")
	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("pairing: session not found")
)

// PeerIdentity is the identity material a peer presents during pairing.
type PeerIdentity struct {
	DeviceID        string
	DisplayName     string
	PublicKey       string
	CertFingerprint string
}

// AuditLog receives pairing authorization failures.
type AuditLog interface {
	LogSecurityEvent(storage.SecurityEvent) error
}

// Manager owns pairing sessions and drives trust-state changes for peers that
// complete the token exchange. Tokens are single use; consuming one in
// Exchange invalidates it for every concurrent attempt.
type Manager struct {
	trustStore *trust.Store
	audit      AuditLog
	tokenTTL   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byToken  map[string]string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a pairing manager bound to a trust store. The audit log
// may be nil. A background sweeper expires stale sessions until Close.
func NewManager(trustStore *trust.Store, audit AuditLog) *Manager {
	m := &Manager{
		trustStore: trustStore,
		audit:      audit,
		tokenTTL:   DefaultTokenTTL,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		byToken:    make(map[string]string),
		stop:       make(chan struct{}),
	}

	go m.sweepLoop()
	return m
}

// Close stops the background session sweeper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// IssueToken creates a new session with a fresh single-use token for a peer
// to present within the TTL.
func (m *Manager) IssueToken() (Session, error) {
	token, err := generateToken()
	if err != nil {
		return Session{}, err
	}

	now := m.now()
	session := &Session{
		ID:        uuid.NewString(),
		Token:     token,
		State:     StateIssued,
		CreatedAt: now,
		ExpiresAt: now.Add(m.tokenTTL),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	m.byToken[token] = session.ID

	return *session, nil
}

// Begin creates the initiator-side session for a token obtained out of band.
// The token is not registered for redemption here; only the issuing side can
// consume it.
func (m *Manager) Begin(token string) Session {
	now := m.now()
	session := &Session{
		ID:        uuid.NewString(),
		Token:     NormalizeToken(token),
		State:     StateIssued,
		CreatedAt: now,
		ExpiresAt: now.Add(m.tokenTTL),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session

	return *session
}

// Exchange redeems a presented token and binds the presenting peer to the
// issued session. The token is consumed whether or not the exchange succeeds.
func (m *Manager) Exchange(token string, peer PeerIdentity) (Session, error) {
	token = NormalizeToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.byToken[token]
	if !ok {
		m.recordFailure("pairing_token_mismatch", peer.DeviceID, "unknown or consumed token presented")
		return Session{}, ErrTokenMismatch
	}
	delete(m.byToken, token)

	session := m.sessions[sessionID]
	if m.now().After(session.ExpiresAt) {
		session.State = StateExpired
		m.recordFailure("pairing_token_expired", peer.DeviceID, "token presented after TTL")
		return Session{}, fmt.Errorf("%w: session %s", ErrTokenExpired, session.ID)
	}

	if err := m.bindLocked(session, peer); err != nil {
		return Session{}, err
	}
	return *session, nil
}

// Bind attaches received peer identity material to an initiator-side session.
func (m *Manager) Bind(sessionID string, peer PeerIdentity) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if m.now().After(session.ExpiresAt) {
		session.State = StateExpired
		return Session{}, fmt.Errorf("%w: session %s", ErrTokenExpired, session.ID)
	}

	if err := m.bindLocked(session, peer); err != nil {
		return Session{}, err
	}
	return *session, nil
}

func (m *Manager) bindLocked(session *Session, peer PeerIdentity) error {
	if peer.DeviceID == "" {
		session.fail("peer device ID missing")
		return fmt.Errorf("pairing: peer device ID is required")
	}

	if existing, err := m.trustStore.Lookup(peer.DeviceID); err == nil && existing.Trusted() {
		session.fail("peer already trusted")
		m.recordFailure("pairing_already_paired", peer.DeviceID, "pairing attempted for trusted device")
		return fmt.Errorf("%w: %s", ErrAlreadyPaired, peer.DeviceID)
	}

	if err := validateAdvance(session.State, StateExchanged); err != nil {
		return err
	}

	now := m.now().UnixMilli()
	err := m.trustStore.Upsert(trust.Device{
		DeviceID:        peer.DeviceID,
		DisplayName:     peer.DisplayName,
		PublicKey:       peer.PublicKey,
		CertFingerprint: peer.CertFingerprint,
		TrustState:      trust.StatePendingPairing,
		AddedAt:         now,
		LastSeenAt:      now,
	})
	if err != nil {
		session.fail("trust record update failed")
		return fmt.Errorf("record pending peer %s: %w", peer.DeviceID, err)
	}

	session.PeerDeviceID = peer.DeviceID
	session.PeerDisplayName = peer.DisplayName
	session.PeerPublicKey = peer.PublicKey
	session.PeerCertFingerprint = peer.CertFingerprint
	session.State = StateExchanged
	return nil
}

// VerifyCert confirms the peer's presented certificate fingerprint against
// the identity material bound during the exchange.
func (m *Manager) VerifyCert(sessionID, presentedFingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := validateAdvance(session.State, StateCertVerified); err != nil {
		return err
	}

	if presentedFingerprint == "" || presentedFingerprint != session.PeerCertFingerprint {
		session.fail("certificate fingerprint mismatch")
		m.recordFailure("pairing_cert_mismatch", session.PeerDeviceID, "presented certificate does not match exchanged identity")
		return fmt.Errorf("%w: session %s", ErrCertMismatch, sessionID)
	}

	session.State = StateCertVerified
	return nil
}

// Complete promotes the session's peer to Trusted. Exactly one session can
// complete per peer; a concurrent attempt for an already-trusted device fails
// with ErrAlreadyPaired.
func (m *Manager) Complete(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := validateAdvance(session.State, StateCompleted); err != nil {
		return Session{}, err
	}

	if existing, err := m.trustStore.Lookup(session.PeerDeviceID); err == nil && existing.Trusted() {
		session.fail("peer already trusted")
		m.recordFailure("pairing_already_paired", session.PeerDeviceID, "concurrent pairing completed first")
		return Session{}, fmt.Errorf("%w: %s", ErrAlreadyPaired, session.PeerDeviceID)
	}

	now := m.now().UnixMilli()
	err := m.trustStore.Upsert(trust.Device{
		DeviceID:        session.PeerDeviceID,
		DisplayName:     session.PeerDisplayName,
		PublicKey:       session.PeerPublicKey,
		CertFingerprint: session.PeerCertFingerprint,
		TrustState:      trust.StateTrusted,
		LastSeenAt:      now,
	})
	if err != nil {
		session.fail("trust record update failed")
		return Session{}, fmt.Errorf("record trusted peer %s: %w", session.PeerDeviceID, err)
	}

	session.State = StateCompleted
	snapshot := *session
	m.destroyLocked(session.ID)
	return snapshot, nil
}

// Fail aborts a session. Terminal sessions are left untouched.
func (m *Manager) Fail(sessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	session.fail(reason)
}

// GetSession returns a snapshot of a session.
func (m *Manager) GetSession(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return *session, nil
}

func (s *Session) fail(reason string) {
	if s.State.terminal() {
		return
	}
	s.State = StateFailed
	s.FailureReason = reason
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep destroys sessions whose token outlived its TTL unused, along with
// failed and expired sessions kept around for inspection. Expiry is also
// checked at redemption time in Exchange and Bind.
func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		if session.State.terminal() {
			m.destroyLocked(id)
			continue
		}
		if now.After(session.ExpiresAt) {
			session.State = StateExpired
			m.destroyLocked(id)
		}
	}
}

func (m *Manager) destroyLocked(sessionID string) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	if m.byToken[session.Token] == sessionID {
		delete(m.byToken, session.Token)
	}
	delete(m.sessions, sessionID)
}

func (m *Manager) recordFailure(eventType, peerDeviceID, details string) {
	if m.audit == nil {
		return
	}

	err := m.audit.LogSecurityEvent(storage.SecurityEvent{
		EventType:    eventType,
		PeerDeviceID: peerDeviceID,
		Details:      details,
		Severity:     storage.SecuritySeverityWarning,
		Timestamp:    m.now().UnixMilli(),
	})
	if err != nil {
		log.Printf("pairing: record security event: %v", err)
	}
}

// NormalizeToken canonicalizes user-entered token text.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func generateToken() (string, error) {
	raw := make([]byte, tokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate pairing token: %w", err)
	}

	out := make([]byte, tokenLength)
	for i, b := range raw {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
