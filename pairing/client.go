package pairing

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Pair dials a peer's pairing listener and runs the initiator side of the
// token exchange with a token obtained out of band. On success both sides
// hold each other as Trusted.
func Pair(ctx context.Context, addr, token string, identity Identity, manager *Manager) (Session, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Session{}, fmt.Errorf("dial pairing peer %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(pairingTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Session{}, fmt.Errorf("set pairing deadline: %w", err)
	}

	session := manager.Begin(token)

	sessionKey, peerDeviceID, err := negotiateSessionKey(conn, identity.DeviceID, true)
	if err != nil {
		manager.Fail(session.ID, "key exchange failed")
		return Session{}, err
	}
	ch := &secureChannel{conn: conn, key: sessionKey}

	err = ch.sendSealed(msgPairToken, tokenPayload{
		Token:    session.Token,
		Identity: identity.payload(),
	})
	if err != nil {
		manager.Fail(session.ID, "send token failed")
		return Session{}, err
	}

	var peer identityPayload
	if err := ch.recvSealed(msgPairCert, &peer); err != nil {
		manager.Fail(session.ID, "peer identity not received")
		return Session{}, err
	}
	if peer.DeviceID != peerDeviceID {
		manager.Fail(session.ID, "peer identity mismatch")
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultFailed})
		return Session{}, fmt.Errorf("pairing: identity mismatch: key exchange %s, identity frame %s",
			peerDeviceID, peer.DeviceID)
	}

	if _, err := manager.Bind(session.ID, PeerIdentity{
		DeviceID:        peer.DeviceID,
		DisplayName:     peer.DisplayName,
		PublicKey:       peer.PublicKey,
		CertFingerprint: peer.CertFingerprint,
	}); err != nil {
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultCode(err)})
		return Session{}, err
	}
	if err := manager.VerifyCert(session.ID, peer.CertFingerprint); err != nil {
		ch.sendSealed(msgPairResult, resultPayload{OK: false, Error: resultCode(err)})
		return Session{}, err
	}

	if err := ch.sendSealed(msgPairResult, resultPayload{OK: true}); err != nil {
		manager.Fail(session.ID, "send result failed")
		return Session{}, err
	}

	var peerResult resultPayload
	if err := ch.recvSealed(msgPairResult, &peerResult); err != nil {
		manager.Fail(session.ID, "peer result not received")
		return Session{}, err
	}
	if !peerResult.OK {
		manager.Fail(session.ID, "peer aborted: "+peerResult.Error)
		return Session{}, remoteError(peerResult.Error)
	}

	return manager.Complete(session.ID)
}
