package sync

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tzabx/clipberry/models"
	"github.com/tzabx/clipberry/storage"
	"github.com/tzabx/clipberry/trust"
)

var (
	// ErrInvalidSignature indicates an item whose signature does not verify
	// against the origin device's pinned key.
	ErrInvalidSignature = errors.New("sync: invalid item signature")
	// ErrUntrustedOrigin indicates an item from an unknown or revoked device.
	ErrUntrustedOrigin = errors.New("sync: untrusted origin device")
)

const (
	defaultQueueSize  = 256
	hashWindowSize    = 64
	resyncBatchLimit  = 200
	defaultMaxItemLen = 1 * 1024 * 1024
)

// Broadcaster is the outbound side of the connection manager the engine
// fans out through.
type Broadcaster interface {
	Broadcast(item models.ClipboardItem, excludeDeviceID string)
	SendItem(peerDeviceID string, item models.ClipboardItem) error
	SendAck(peerDeviceID string, item models.ClipboardItem) error
	SendResyncRequest(peerDeviceID, originDeviceID string, fromSequence uint64) error
}

// ItemStore is the persistence surface the engine writes through.
type ItemStore interface {
	SaveItem(models.ClipboardItem) error
	LoadItemsSince(originDeviceID string, fromSequence uint64, limit int) ([]models.ClipboardItem, error)
	LastSequence(originDeviceID string) (uint64, error)
	InsertSeenItem(originDeviceID string, sequence uint64, contentHash string, receivedAt int64) error
	HasSeenItem(originDeviceID string, sequence uint64) (bool, error)
	LastSeenSequence(originDeviceID string) (uint64, error)
}

// Applier writes remote content to the local clipboard.
type Applier interface {
	ApplyRemote(content models.ClipboardContent) error
}

// TrustSource resolves origin devices to their pinned trust records.
type TrustSource interface {
	Lookup(deviceID string) (trust.Device, error)
}

// AuditLog receives replication authorization failures.
type AuditLog interface {
	LogSecurityEvent(storage.SecurityEvent) error
}

// Filters are the local capture/apply preferences.
type Filters struct {
	SyncText    bool
	SyncImages  bool
	MaxItemSize int
}

func (f Filters) allows(contentType models.ContentType, size int) bool {
	if f.MaxItemSize > 0 && size > f.MaxItemSize {
		return false
	}
	switch contentType {
	case models.ContentTypeText:
		return f.SyncText
	case models.ContentTypeImage:
		return f.SyncImages
	default:
		return true
	}
}

// Options configures the sync engine.
type Options struct {
	DeviceID   string
	PrivateKey ed25519.PrivateKey

	Trust   TrustSource
	Store   ItemStore
	Net     Broadcaster
	Applier Applier
	Audit   AuditLog

	Filters   Filters
	QueueSize int
}

type eventKind int

const (
	eventLocal eventKind = iota
	eventRemote
	eventResync
)

type event struct {
	kind eventKind

	content models.ClipboardContent

	peerDeviceID string
	item         models.ClipboardItem

	originDeviceID string
	fromSequence   uint64
}

// Engine drives clipboard replication. A single processing goroutine
// consumes one event channel fed by connection read loops and the local
// clipboard watcher, so ordering decisions never race; per-connection loops
// stay parallel and the local producer never blocks.
type Engine struct {
	options Options

	events chan event

	// Owned by the processing goroutine after Start.
	ownSequence uint64
	lastApplied map[string]uint64
	recent      *hashWindow

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEngine creates a sync engine and restores the local sequence counter
// from storage.
func NewEngine(options Options) (*Engine, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device ID is required")
	}
	if len(options.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("private key is invalid")
	}
	if options.Trust == nil || options.Store == nil || options.Net == nil || options.Applier == nil {
		return nil, errors.New("trust, store, net, and applier are required")
	}
	if options.QueueSize <= 0 {
		options.QueueSize = defaultQueueSize
	}
	if options.Filters.MaxItemSize <= 0 {
		options.Filters.MaxItemSize = defaultMaxItemLen
	}

	ownSequence, err := options.Store.LastSequence(options.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("restore local sequence: %w", err)
	}

	return &Engine{
		options:     options,
		events:      make(chan event, options.QueueSize),
		ownSequence: ownSequence,
		lastApplied: make(map[string]uint64),
		recent:      newHashWindow(hashWindowSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the processing goroutine.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	go e.run()
}

// Stop shuts the processing goroutine down and waits for it to drain.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	if e.started {
		<-e.done
	}
}

// LocalChange submits captured local clipboard content. The call never
// blocks; if the engine is saturated the change is dropped and the next
// capture carries the clipboard's current state anyway.
func (e *Engine) LocalChange(content models.ClipboardContent) {
	if !e.options.Filters.allows(content.Type, len(content.Data)) {
		return
	}

	select {
	case e.events <- event{kind: eventLocal, content: content}:
	default:
		log.Printf("sync: event queue full, dropping local change")
	}
}

// HandleRemoteItem submits an inbound item from an authenticated peer
// connection. Registered as the connection manager's item handler.
func (e *Engine) HandleRemoteItem(peerDeviceID string, item models.ClipboardItem) {
	select {
	case e.events <- event{kind: eventRemote, peerDeviceID: peerDeviceID, item: item}:
	case <-e.stop:
	}
}

// HandleResyncRequest submits a peer's replay request. Registered as the
// connection manager's resync handler.
func (e *Engine) HandleResyncRequest(peerDeviceID, originDeviceID string, fromSequence uint64) {
	select {
	case e.events <- event{kind: eventResync, peerDeviceID: peerDeviceID, originDeviceID: originDeviceID, fromSequence: fromSequence}:
	case <-e.stop:
	}
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		select {
		case ev := <-e.events:
			switch ev.kind {
			case eventLocal:
				e.processLocal(ev.content)
			case eventRemote:
				e.processRemote(ev.peerDeviceID, ev.item)
			case eventResync:
				e.processResync(ev.peerDeviceID, ev.originDeviceID, ev.fromSequence)
			}
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) processLocal(content models.ClipboardContent) {
	hash := content.Hash()
	if e.recent.contains(hash) {
		return
	}

	item, err := models.NewItem(e.options.DeviceID, e.ownSequence+1, content, e.options.PrivateKey)
	if err != nil {
		log.Printf("sync: build local item: %v", err)
		return
	}

	if err := e.options.Store.SaveItem(item); err != nil {
		log.Printf("sync: persist local item %s: %v", item.Key(), err)
		return
	}
	if err := e.options.Store.InsertSeenItem(item.OriginDeviceID, item.Sequence, item.ContentHash, time.Now().UnixMilli()); err != nil {
		log.Printf("sync: mark local item %s seen: %v", item.Key(), err)
	}

	e.ownSequence = item.Sequence
	e.lastApplied[e.options.DeviceID] = item.Sequence
	e.recent.add(hash)

	e.options.Net.Broadcast(item, "")
}

// processRemote runs the full acceptance pipeline for one inbound item:
// structural validation, trust and signature checks, duplicate and staleness
// suppression, gap-triggered resync, apply, then fan-out excluding the
// inbound edge.
func (e *Engine) processRemote(peerDeviceID string, item models.ClipboardItem) {
	if err := item.Validate(); err != nil {
		e.recordRejection("invalid_item", peerDeviceID, fmt.Sprintf("item %s: %v", item.Key(), err), storage.SecuritySeverityWarning)
		return
	}
	if item.OriginDeviceID == e.options.DeviceID {
		// Own item reflected back; the dedup cache would catch it, but there
		// is nothing to apply either way.
		return
	}

	if err := e.authorize(item); err != nil {
		eventType := "untrusted_origin"
		if errors.Is(err, ErrInvalidSignature) {
			eventType = "invalid_signature"
		}
		e.recordRejection(eventType, peerDeviceID, fmt.Sprintf("item %s: %v", item.Key(), err), storage.SecuritySeverityCritical)
		return
	}

	lastApplied := e.lastAppliedFor(item.OriginDeviceID)

	if item.Sequence <= lastApplied {
		e.ack(peerDeviceID, item)
		return
	}
	if seen, err := e.options.Store.HasSeenItem(item.OriginDeviceID, item.Sequence); err == nil && seen {
		e.ack(peerDeviceID, item)
		return
	}
	if e.recent.contains(item.ContentHash) {
		e.markSeen(item)
		e.ack(peerDeviceID, item)
		return
	}

	if item.Sequence > lastApplied+1 {
		if err := e.options.Net.SendResyncRequest(peerDeviceID, item.OriginDeviceID, lastApplied); err != nil {
			log.Printf("sync: request resync for %s from %s: %v", item.OriginDeviceID, peerDeviceID, err)
		}
	}

	if err := e.options.Store.SaveItem(item); err != nil {
		// Not marked applied; the next delivery retries.
		log.Printf("sync: persist item %s: %v", item.Key(), err)
		return
	}

	if e.options.Filters.allows(item.ContentType, len(item.Payload)) {
		if err := e.options.Applier.ApplyRemote(item.Content()); err != nil {
			log.Printf("sync: apply item %s to clipboard: %v", item.Key(), err)
		}
	}

	e.markSeen(item)
	e.lastApplied[item.OriginDeviceID] = item.Sequence
	e.recent.add(item.ContentHash)

	e.ack(peerDeviceID, item)
	e.options.Net.Broadcast(item, peerDeviceID)
}

// processResync replays locally stored items for one origin above the
// requested sequence. Never the full history, and never items this device
// has not stored.
func (e *Engine) processResync(peerDeviceID, originDeviceID string, fromSequence uint64) {
	items, err := e.options.Store.LoadItemsSince(originDeviceID, fromSequence, resyncBatchLimit)
	if err != nil {
		log.Printf("sync: load resync items for %s: %v", originDeviceID, err)
		return
	}

	for _, item := range items {
		if err := e.options.Net.SendItem(peerDeviceID, item); err != nil {
			log.Printf("sync: replay item %s to %s: %v", item.Key(), peerDeviceID, err)
			return
		}
	}
}

// authorize checks an inbound item against the origin's trust record and
// pinned signing key.
func (e *Engine) authorize(item models.ClipboardItem) error {
	device, err := e.options.Trust.Lookup(item.OriginDeviceID)
	if err != nil {
		return fmt.Errorf("%w: origin %s unknown", ErrUntrustedOrigin, item.OriginDeviceID)
	}
	if !device.Trusted() {
		return fmt.Errorf("%w: origin %s is %s", ErrUntrustedOrigin, item.OriginDeviceID, device.TrustState)
	}

	publicKey, err := decodePinnedKey(device.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUntrustedOrigin, err)
	}
	if err := item.VerifySignature(publicKey); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func (e *Engine) lastAppliedFor(originDeviceID string) uint64 {
	if sequence, ok := e.lastApplied[originDeviceID]; ok {
		return sequence
	}

	sequence, err := e.options.Store.LastSeenSequence(originDeviceID)
	if err != nil {
		log.Printf("sync: restore last seen sequence for %s: %v", originDeviceID, err)
		sequence = 0
	}
	e.lastApplied[originDeviceID] = sequence
	return sequence
}

func (e *Engine) markSeen(item models.ClipboardItem) {
	if err := e.options.Store.InsertSeenItem(item.OriginDeviceID, item.Sequence, item.ContentHash, time.Now().UnixMilli()); err != nil {
		log.Printf("sync: mark item %s seen: %v", item.Key(), err)
	}
}

func (e *Engine) ack(peerDeviceID string, item models.ClipboardItem) {
	if err := e.options.Net.SendAck(peerDeviceID, item); err != nil {
		log.Printf("sync: ack item %s to %s: %v", item.Key(), peerDeviceID, err)
	}
}

func (e *Engine) recordRejection(eventType, peerDeviceID, details, severity string) {
	log.Printf("sync: rejected %s from %s: %s", eventType, peerDeviceID, details)

	if e.options.Audit == nil {
		return
	}
	err := e.options.Audit.LogSecurityEvent(storage.SecurityEvent{
		EventType:    eventType,
		PeerDeviceID: peerDeviceID,
		Details:      details,
		Severity:     severity,
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("sync: record security event: %v", err)
	}
}

func decodePinnedKey(keyBase64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode pinned key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pinned key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
