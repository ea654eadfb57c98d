package models

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tzabx/clipberry/crypto"
)

// ContentType classifies the payload of a clipboard item.
type ContentType string

const (
	ContentTypeText    ContentType = "text"
	ContentTypeImage   ContentType = "image"
	ContentTypeFileRef ContentType = "file_ref"
)

var (
	// ErrInvalidItem indicates a structurally invalid clipboard item.
	ErrInvalidItem = errors.New("models: invalid clipboard item")
	// ErrBadSignature indicates an item signature that does not verify.
	ErrBadSignature = errors.New("models: item signature does not verify")
)

// ClipboardItem is the unit of replication. An item is immutable once signed;
// receivers never rewrite it, only track local bookkeeping around it.
type ClipboardItem struct {
	OriginDeviceID string      `json:"origin_device_id"`
	Sequence       uint64      `json:"sequence"`
	ContentType    ContentType `json:"content_type"`
	ContentHash    string      `json:"content_hash"`
	Payload        []byte      `json:"payload"`
	Signature      string      `json:"signature"`
	CreatedAt      int64       `json:"created_at"`
}

// Key returns the item's global identity, scoped by origin device.
func (item ClipboardItem) Key() string {
	return item.OriginDeviceID + ":" + strconv.FormatUint(item.Sequence, 10)
}

// Validate checks structural invariants before any cryptographic work.
func (item ClipboardItem) Validate() error {
	if item.OriginDeviceID == "" {
		return fmt.Errorf("%w: origin device ID is required", ErrInvalidItem)
	}
	if item.Sequence == 0 {
		return fmt.Errorf("%w: sequence must be > 0", ErrInvalidItem)
	}
	switch item.ContentType {
	case ContentTypeText, ContentTypeImage, ContentTypeFileRef:
	default:
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidItem, item.ContentType)
	}
	if item.ContentHash == "" {
		return fmt.Errorf("%w: content hash is required", ErrInvalidItem)
	}
	if HashContent(item.Payload) != item.ContentHash {
		return fmt.Errorf("%w: content hash does not match payload", ErrInvalidItem)
	}
	return nil
}

// signable returns the byte string covered by the item signature. The payload
// itself is covered through the content hash, and the content type is covered
// so a relaying peer cannot change how the payload is applied.
func (item ClipboardItem) signable() []byte {
	return []byte(item.ContentHash + "|" +
		strconv.FormatUint(item.Sequence, 10) + "|" +
		strconv.FormatInt(item.CreatedAt, 10) + "|" +
		string(item.ContentType))
}

// NewItem builds and signs a clipboard item originating at this device.
func NewItem(originDeviceID string, sequence uint64, content ClipboardContent, privateKey ed25519.PrivateKey) (ClipboardItem, error) {
	item := ClipboardItem{
		OriginDeviceID: originDeviceID,
		Sequence:       sequence,
		ContentType:    content.Type,
		ContentHash:    HashContent(content.Data),
		Payload:        content.Data,
		CreatedAt:      time.Now().UnixMilli(),
	}

	signature, err := crypto.Sign(privateKey, item.signable())
	if err != nil {
		return ClipboardItem{}, fmt.Errorf("sign clipboard item: %w", err)
	}
	item.Signature = base64.StdEncoding.EncodeToString(signature)

	if err := item.Validate(); err != nil {
		return ClipboardItem{}, err
	}
	return item, nil
}

// VerifySignature verifies the item signature against the origin device's
// pinned public key.
func (item ClipboardItem) VerifySignature(publicKey ed25519.PublicKey) error {
	signature, err := base64.StdEncoding.DecodeString(item.Signature)
	if err != nil {
		return fmt.Errorf("%w: undecodable signature", ErrBadSignature)
	}
	if !crypto.Verify(publicKey, item.signable(), signature) {
		return ErrBadSignature
	}
	return nil
}

// Content returns the item payload as clipboard content.
func (item ClipboardItem) Content() ClipboardContent {
	return ClipboardContent{
		Type: item.ContentType,
		Data: item.Payload,
	}
}

// ClipboardContent is what moves between the engine and the clipboard adapter.
type ClipboardContent struct {
	Type ContentType
	Data []byte
}

// Hash returns the content digest used for duplicate suppression.
func (c ClipboardContent) Hash() string {
	return HashContent(c.Data)
}

// HashContent computes the SHA-256 hex digest of a payload.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
