package network

import (
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tzabx/clipberry/crypto"
	"github.com/tzabx/clipberry/trust"
)

// ErrInvalidHelloSignature indicates a hello whose signature does not verify
// against the pinned identity key.
var ErrInvalidHelloSignature = errors.New("network: invalid hello signature")

// LocalIdentity contains local device values the secure channel needs.
type LocalIdentity struct {
	DeviceID        string
	DeviceName      string
	CertFingerprint string
	PrivateKey      ed25519.PrivateKey
	PublicKey       ed25519.PublicKey
	TLSCertificate  tls.Certificate
}

func (id LocalIdentity) validate() error {
	if id.DeviceID == "" {
		return errors.New("identity device ID is required")
	}
	if id.DeviceName == "" {
		return errors.New("identity device name is required")
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("identity private key is invalid")
	}
	if id.CertFingerprint == "" {
		return errors.New("identity certificate fingerprint is required")
	}
	if len(id.TLSCertificate.Certificate) == 0 {
		return errors.New("identity TLS certificate is required")
	}
	return nil
}

// BuildHello builds and signs the identity-binding hello frame.
func BuildHello(identity LocalIdentity) (HelloMessage, error) {
	msg := HelloMessage{
		Type:            TypeHello,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		CertFingerprint: identity.CertFingerprint,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}

	signature, err := signHello(msg, identity.PrivateKey)
	if err != nil {
		return HelloMessage{}, err
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)
	return msg, nil
}

// VerifyHello checks a hello's protocol version and signature against the
// origin device's pinned public key.
func VerifyHello(msg HelloMessage, publicKey ed25519.PublicKey) error {
	if msg.ProtocolVersion != ProtocolVersion {
		return ErrUnsupportedVersion
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature", ErrInvalidHelloSignature)
	}

	signable, err := helloSignable(msg)
	if err != nil {
		return err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return ErrInvalidHelloSignature
	}
	return nil
}

func signHello(msg HelloMessage, privateKey ed25519.PrivateKey) ([]byte, error) {
	signable, err := helloSignable(msg)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(privateKey, signable)
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}
	return signature, nil
}

func helloSignable(msg HelloMessage) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}

// exchangeHello runs the post-TLS identity binding. The dialing side sends
// first. The returned device record is the pinned trust entry the peer
// authenticated as.
func exchangeHello(conn *tls.Conn, identity LocalIdentity, source TrustSource, dialer bool, timeout time.Duration) (trust.Device, error) {
	local, err := BuildHello(identity)
	if err != nil {
		return trust.Device{}, err
	}
	localPayload, err := EncodeJSON(local)
	if err != nil {
		return trust.Device{}, err
	}

	var remotePayload []byte
	if dialer {
		if err := WriteFrame(conn, localPayload); err != nil {
			return trust.Device{}, fmt.Errorf("write hello: %w", err)
		}
		if remotePayload, err = ReadFrameWithTimeout(conn, timeout); err != nil {
			return trust.Device{}, fmt.Errorf("read hello: %w", err)
		}
	} else {
		if remotePayload, err = ReadFrameWithTimeout(conn, timeout); err != nil {
			return trust.Device{}, fmt.Errorf("read hello: %w", err)
		}
		if err := WriteFrame(conn, localPayload); err != nil {
			return trust.Device{}, fmt.Errorf("write hello: %w", err)
		}
	}

	var remote HelloMessage
	if err := json.Unmarshal(remotePayload, &remote); err != nil {
		return trust.Device{}, fmt.Errorf("decode hello: %w", err)
	}
	if remote.Type != TypeHello {
		return trust.Device{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHello, remote.Type)
	}

	device, err := source.Lookup(remote.DeviceID)
	if err != nil {
		return trust.Device{}, fmt.Errorf("%w: %s", ErrUntrustedPeer, remote.DeviceID)
	}
	if !device.Trusted() {
		return trust.Device{}, fmt.Errorf("%w: %s is %s", ErrUntrustedPeer, remote.DeviceID, device.TrustState)
	}

	publicKey, err := decodeDevicePublicKey(device.PublicKey)
	if err != nil {
		return trust.Device{}, err
	}
	if err := VerifyHello(remote, publicKey); err != nil {
		return trust.Device{}, err
	}

	// The hello must name the same certificate the TLS layer pinned, so a
	// trusted device cannot speak for another trusted device's channel.
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return trust.Device{}, fmt.Errorf("%w: no certificate presented", ErrUntrustedCertificate)
	}
	presented := crypto.CertFingerprint(state.PeerCertificates[0].Raw)
	if remote.CertFingerprint != presented || device.CertFingerprint != presented {
		return trust.Device{}, fmt.Errorf("%w: hello fingerprint does not match pinned certificate", ErrUntrustedCertificate)
	}

	return device, nil
}

func decodeDevicePublicKey(keyBase64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode pinned public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("network: invalid pinned public key size")
	}
	return ed25519.PublicKey(raw), nil
}
