package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

const pairingTimeout = 30 * time.Second

// Identity is the local device's pairing material.
type Identity struct {
	DeviceID        string
	DisplayName     string
	PublicKey       ed25519.PublicKey
	CertFingerprint string
}

func (id Identity) payload() identityPayload {
	return identityPayload{
		DeviceID:        id.DeviceID,
		DisplayName:     id.DisplayName,
		PublicKey:       base64.StdEncoding.EncodeToString(id.PublicKey),
		CertFingerprint: id.CertFingerprint,
	}
}

// Server accepts provisional pairing connections and runs the responder side
// of the token exchange. The local user issues a token through the manager
// and reads it to the peer; the peer dials in and presents it.
type Server struct {
	manager  *Manager
	identity Identity

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a pairing server. Start begins accepting.
func NewServer(manager *Manager, identity Identity) *Server {
	return &Server{
		manager:  manager,
		identity: identity,
	}
}

// Start listens on the given address and accepts pairing connections until
// Close.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for pairing on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return errors.New("pairing: server closed")
	}
	s.listener = listener
	s.mu.Unlock()

	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting pairing connections.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Printf("pairing: accept: %v", err)
			}
			return
		}

		go s.handle(conn)
	}
}

// handle runs one responder exchange. The whole conversation is bounded by a
// single deadline so a stalled peer cannot hold the session open.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(pairingTimeout)); err != nil {
		log.Printf("pairing: set deadline: %v", err)
		return
	}

	sessionKey, peerDeviceID, err := negotiateSessionKey(conn, s.identity.DeviceID, false)
	if err != nil {
		log.Printf("pairing: key exchange with %s: %v", conn.RemoteAddr(), err)
		return
	}
	ch := &secureChannel{conn: conn, key: sessionKey}

	var req tokenPayload
	if err := ch.recvSealed(msgPairToken, &req); err != nil {
		log.Printf("pairing: token frame from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if req.Identity.DeviceID != peerDeviceID {
		log.Printf("pairing: identity mismatch from %s: key exchange %s, token frame %s",
			conn.RemoteAddr(), peerDeviceID, req.Identity.DeviceID)
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultFailed})
		return
	}

	session, err := s.manager.Exchange(req.Token, PeerIdentity{
		DeviceID:        req.Identity.DeviceID,
		DisplayName:     req.Identity.DisplayName,
		PublicKey:       req.Identity.PublicKey,
		CertFingerprint: req.Identity.CertFingerprint,
	})
	if err != nil {
		log.Printf("pairing: exchange with %s: %v", peerDeviceID, err)
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultCode(err)})
		return
	}

	if err := ch.sendSealed(msgPairCert, s.identity.payload()); err != nil {
		s.manager.Fail(session.ID, "send identity failed")
		log.Printf("pairing: send identity to %s: %v", peerDeviceID, err)
		return
	}

	if err := s.manager.VerifyCert(session.ID, req.Identity.CertFingerprint); err != nil {
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultCode(err)})
		return
	}

	var peerResult resultPayload
	if err := ch.recvSealed(msgPairResult, &peerResult); err != nil {
		s.manager.Fail(session.ID, "peer result not received")
		log.Printf("pairing: peer result from %s: %v", peerDeviceID, err)
		return
	}
	if !peerResult.OK {
		s.manager.Fail(session.ID, "peer aborted: "+peerResult.Error)
		return
	}

	if _, err := s.manager.Complete(session.ID); err != nil {
		log.Printf("pairing: complete with %s: %v", peerDeviceID, err)
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultCode(err)})
		return
	}

	if err := ch.sendSealed(msgPairResult, resultPayload{OK: true}); err != nil {
		log.Printf("pairing: send result to %s: %v", peerDeviceID, err)
		return
	}

	log.Printf("pairing: paired with %s (%s)", req.Identity.DisplayName, peerDeviceID)
}
