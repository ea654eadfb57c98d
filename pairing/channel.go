package pairing

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/tzabx/clipberry/crypto"
)

// The provisional channel carries only the token exchange. It runs over
// plain TCP; an ephemeral X25519 agreement keys AES-GCM so the token and
// identity material never cross the wire in the clear. Item traffic is
// refused outright, that stays on the pinned TLS channel.

const (
	maxFrameSize    = 64 * 1024
	frameHeaderSize = 4

	msgKeyExchange = "key_exchange"
	msgPairToken   = "pair_token"
	msgPairCert    = "pair_cert"
	msgPairResult  = "pair_result"
)

type frame struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	IV         string          `json:"iv,omitempty"`
}

type keyExchangePayload struct {
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
}

type identityPayload struct {
	DeviceID        string `json:"device_id"`
	DisplayName     string `json:"display_name"`
	PublicKey       string `json:"public_key"`
	CertFingerprint string `json:"cert_fingerprint"`
}

type tokenPayload struct {
	Token    string          `json:"token"`
	Identity identityPayload `json:"identity"`
}

type resultPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeFrame(conn net.Conn, f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode pairing frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("pairing frame too large: %d bytes", len(body))
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write pairing frame header: %w", err)
	}
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("write pairing frame body: %w", err)
	}
	return nil
}

func readFrame(conn net.Conn) (frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return frame{}, fmt.Errorf("read pairing frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header)
	if size == 0 || size > maxFrameSize {
		return frame{}, fmt.Errorf("invalid pairing frame size: %d", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return frame{}, fmt.Errorf("read pairing frame body: %w", err)
	}

	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decode pairing frame: %w", err)
	}
	return f, nil
}

// negotiateSessionKey performs the ephemeral X25519 exchange. The initiator
// sends its half first; both sides derive the same HKDF session key.
func negotiateSessionKey(conn net.Conn, localDeviceID string, initiator bool) ([]byte, string, error) {
	privateKey, publicKey, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, "", err
	}

	local := keyExchangePayload{
		DeviceID:  localDeviceID,
		PublicKey: base64.StdEncoding.EncodeToString(publicKey.Bytes()),
	}
	localRaw, err := json.Marshal(local)
	if err != nil {
		return nil, "", fmt.Errorf("encode key exchange: %w", err)
	}
	localFrame := frame{Type: msgKeyExchange, Payload: localRaw}

	var remoteFrame frame
	if initiator {
		if err := writeFrame(conn, localFrame); err != nil {
			return nil, "", err
		}
		if remoteFrame, err = readFrame(conn); err != nil {
			return nil, "", err
		}
	} else {
		if remoteFrame, err = readFrame(conn); err != nil {
			return nil, "", err
		}
		if err := writeFrame(conn, localFrame); err != nil {
			return nil, "", err
		}
	}

	if remoteFrame.Type != msgKeyExchange {
		return nil, "", fmt.Errorf("unexpected pairing frame %q, want %q", remoteFrame.Type, msgKeyExchange)
	}
	var remote keyExchangePayload
	if err := json.Unmarshal(remoteFrame.Payload, &remote); err != nil {
		return nil, "", fmt.Errorf("decode key exchange: %w", err)
	}

	peerKeyRaw, err := base64.StdEncoding.DecodeString(remote.PublicKey)
	if err != nil {
		return nil, "", fmt.Errorf("decode peer ephemeral key: %w", err)
	}
	peerKey, err := crypto.ParsePublicKey(peerKeyRaw)
	if err != nil {
		return nil, "", err
	}

	sharedSecret, err := crypto.ComputeSharedSecret(privateKey, peerKey)
	if err != nil {
		return nil, "", err
	}
	sessionKey, err := crypto.DeriveSessionKey(sharedSecret, localDeviceID, remote.DeviceID)
	if err != nil {
		return nil, "", err
	}

	return sessionKey, remote.DeviceID, nil
}

// secureChannel wraps a connection once the session key is established.
// Every frame after the key exchange is AES-GCM sealed.
type secureChannel struct {
	conn net.Conn
	key  []byte
}

func (c *secureChannel) sendSealed(msgType string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}

	ciphertext, iv, err := crypto.Encrypt(c.key, plaintext)
	if err != nil {
		return fmt.Errorf("seal %s payload: %w", msgType, err)
	}

	return writeFrame(c.conn, frame{
		Type:       msgType,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
	})
}

// recvSealed reads and opens the next frame. A result frame received while
// expecting another type carries the peer's rejection and is surfaced as an
// error.
func (c *secureChannel) recvSealed(expectType string, v any) error {
	f, err := readFrame(c.conn)
	if err != nil {
		return err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode %s ciphertext: %w", f.Type, err)
	}
	iv, err := base64.StdEncoding.DecodeString(f.IV)
	if err != nil {
		return fmt.Errorf("decode %s nonce: %w", f.Type, err)
	}
	plaintext, err := crypto.Decrypt(c.key, iv, ciphertext)
	if err != nil {
		return fmt.Errorf("open %s payload: %w", f.Type, err)
	}

	if f.Type == msgPairResult && expectType != msgPairResult {
		var res resultPayload
		if err := json.Unmarshal(plaintext, &res); err != nil {
			return fmt.Errorf("decode peer result: %w", err)
		}
		return remoteError(res.Error)
	}
	if f.Type != expectType {
		return fmt.Errorf("unexpected pairing frame %q, want %q", f.Type, expectType)
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

const (
	resultTokenMismatch = "token_mismatch"
	resultTokenExpired  = "token_expired"
	resultAlreadyPaired = "already_paired"
	resultCertMismatch  = "cert_mismatch"
	resultFailed        = "pairing_failed"
)

func resultCode(err error) string {
	switch {
	case errors.Is(err, ErrTokenMismatch):
		return resultTokenMismatch
	case errors.Is(err, ErrTokenExpired):
		return resultTokenExpired
	case errors.Is(err, ErrAlreadyPaired):
		return resultAlreadyPaired
	case errors.Is(err, ErrCertMismatch):
		return resultCertMismatch
	default:
		return resultFailed
	}
}

func remoteError(code string) error {
	switch code {
	case resultTokenMismatch:
		return fmt.Errorf("peer rejected pairing: %w", ErrTokenMismatch)
	case resultTokenExpired:
		return fmt.Errorf("peer rejected pairing: %w", ErrTokenExpired)
	case resultAlreadyPaired:
		return fmt.Errorf("peer rejected pairing: %w", ErrAlreadyPaired)
	case resultCertMismatch:
		return fmt.Errorf("peer rejected pairing: %w", ErrCertMismatch)
	default:
		return fmt.Errorf("peer rejected pairing: %s", code)
	}
}
