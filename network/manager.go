package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/tzabx/clipberry/models"
	"github.com/tzabx/clipberry/storage"
)

// AuditLog receives channel authorization failures and backpressure reports.
type AuditLog interface {
	LogSecurityEvent(storage.SecurityEvent) error
}

// SeenRecorder updates device last-seen bookkeeping.
type SeenRecorder interface {
	MarkSeen(deviceID string, at int64) error
}

// ItemHandler consumes an inbound clipboard item from an authenticated peer.
type ItemHandler func(peerDeviceID string, item models.ClipboardItem)

// ResyncHandler consumes a peer's request to replay stored items for one
// origin above a sequence.
type ResyncHandler func(peerDeviceID, originDeviceID string, fromSequence uint64)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	Identity LocalIdentity
	Trust    TrustSource

	ListenAddress string

	Audit AuditLog
	Seen  SeenRecorder

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// Manager owns the live peer connection set. Inbound connections arrive from
// the pinned TLS listener; outbound dials follow discovery events for
// trusted devices. Unexpected disconnects schedule per-device exponential
// backoff reconnects.
type Manager struct {
	options ManagerOptions

	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	handlerMu     sync.RWMutex
	itemHandler   ItemHandler
	resyncHandler ResyncHandler

	connMu      sync.RWMutex
	connections map[string]*PeerConnection

	ackMu sync.Mutex
	acked map[string]map[string]uint64

	addrMu    sync.Mutex
	addresses map[string]string

	reconnectMu      sync.Mutex
	reconnectWorkers map[string]context.CancelFunc

	errors chan error
}

// NewManager creates a connection manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if err := options.Identity.validate(); err != nil {
		return nil, err
	}
	if options.Trust == nil {
		return nil, errors.New("trust source is required")
	}

	return &Manager{
		options:          options,
		connections:      make(map[string]*PeerConnection),
		acked:            make(map[string]map[string]uint64),
		addresses:        make(map[string]string),
		reconnectWorkers: make(map[string]context.CancelFunc),
		errors:           make(chan error, 64),
	}, nil
}

// OnItem registers the inbound item handler.
func (m *Manager) OnItem(handler ItemHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.itemHandler = handler
}

// OnResyncRequest registers the resync request handler.
func (m *Manager) OnResyncRequest(handler ResyncHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.resyncHandler = handler
}

func (m *Manager) handlers() (ItemHandler, ResyncHandler) {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.itemHandler, m.resyncHandler
}

// Start begins listening for inbound connections.
func (m *Manager) Start() error {
	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	server, err := Listen(m.options.ListenAddress, m.options.Identity, m.options.Trust, m.connectionOptions())
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop()
	return nil
}

// Stop stops the listener, reconnect workers, and active connections.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}

		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.reconnectMu.Lock()
		for _, cancel := range m.reconnectWorkers {
			cancel()
		}
		m.reconnectWorkers = make(map[string]context.CancelFunc)
		m.reconnectMu.Unlock()

		m.connMu.Lock()
		for _, conn := range m.connections {
			_ = conn.Close()
		}
		m.connections = make(map[string]*PeerConnection)
		m.connMu.Unlock()

		m.wg.Wait()
		close(m.errors)
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr().String()
}

// Errors returns asynchronous manager/server errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Connected reports whether a live connection exists for the device.
func (m *Manager) Connected(peerDeviceID string) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connections[peerDeviceID] != nil
}

// HandleDiscovery records a trusted peer's advertised endpoint and dials it
// when no connection is live. Untrusted devices are ignored here; they only
// surface as pairing candidates.
func (m *Manager) HandleDiscovery(deviceID, address string) {
	if m.ctx == nil || deviceID == "" || deviceID == m.options.Identity.DeviceID || address == "" {
		return
	}

	device, err := m.options.Trust.Lookup(deviceID)
	if err != nil || !device.Trusted() {
		return
	}

	m.addrMu.Lock()
	m.addresses[deviceID] = address
	m.addrMu.Unlock()

	if m.Connected(deviceID) {
		return
	}
	m.startReconnect(deviceID)
}

// HandleDeparture forgets a departed peer's endpoint so reconnect attempts
// stop dialing a stale address.
func (m *Manager) HandleDeparture(deviceID string) {
	m.addrMu.Lock()
	delete(m.addresses, deviceID)
	m.addrMu.Unlock()
	m.stopReconnect(deviceID)
}

// Broadcast enqueues an item on every live connection except the excluded
// device and peers whose acked sequence already covers it. Full queues drop
// their oldest payload; drops are reported as backpressure, never as a
// delivery failure.
func (m *Manager) Broadcast(item models.ClipboardItem, excludeDeviceID string) {
	payload, err := EncodeJSON(ItemMessage{Type: TypeItem, Item: item})
	if err != nil {
		m.reportError(err)
		return
	}

	for peerID, conn := range m.connectionSnapshot() {
		if peerID == excludeDeviceID {
			continue
		}
		if m.ackedSequence(peerID, item.OriginDeviceID) >= item.Sequence {
			continue
		}

		dropped, err := conn.Enqueue(payload)
		if dropped > 0 {
			m.reportBackpressure(peerID, dropped)
		}
		if err != nil {
			m.reportError(fmt.Errorf("enqueue item %s for %s: %w", item.Key(), peerID, err))
		}
	}
}

// SendItem enqueues one item for a single peer, used for resync replay.
func (m *Manager) SendItem(peerDeviceID string, item models.ClipboardItem) error {
	conn := m.getConnection(peerDeviceID)
	if conn == nil {
		return fmt.Errorf("no active connection for peer %q", peerDeviceID)
	}

	payload, err := EncodeJSON(ItemMessage{Type: TypeItem, Item: item})
	if err != nil {
		return err
	}

	dropped, err := conn.Enqueue(payload)
	if dropped > 0 {
		m.reportBackpressure(peerDeviceID, dropped)
	}
	return err
}

// SendAck confirms an item to the connection it arrived on.
func (m *Manager) SendAck(peerDeviceID string, item models.ClipboardItem) error {
	conn := m.getConnection(peerDeviceID)
	if conn == nil {
		return fmt.Errorf("no active connection for peer %q", peerDeviceID)
	}

	return conn.SendMessage(AckMessage{
		Type:           TypeAck,
		FromDeviceID:   m.options.Identity.DeviceID,
		OriginDeviceID: item.OriginDeviceID,
		Sequence:       item.Sequence,
		Timestamp:      time.Now().UnixMilli(),
	})
}

// SendResyncRequest asks a peer to replay stored items for an origin.
func (m *Manager) SendResyncRequest(peerDeviceID, originDeviceID string, fromSequence uint64) error {
	conn := m.getConnection(peerDeviceID)
	if conn == nil {
		return fmt.Errorf("no active connection for peer %q", peerDeviceID)
	}

	return conn.SendMessage(ResyncRequest{
		Type:           TypeRequestResync,
		FromDeviceID:   m.options.Identity.DeviceID,
		OriginDeviceID: originDeviceID,
		FromSequence:   fromSequence,
		Timestamp:      time.Now().UnixMilli(),
	})
}

// Connect dials a peer endpoint directly and registers the connection.
func (m *Manager) Connect(address string) (*PeerConnection, error) {
	if m.ctx == nil {
		return nil, errors.New("connection manager is not started")
	}

	conn, err := Dial(address, m.options.Identity, m.options.Trust, m.connectionOptions())
	if err != nil {
		return nil, err
	}

	m.registerConnection(conn)
	return conn, nil
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case conn, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerConnection(conn)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) registerConnection(conn *PeerConnection) {
	peerID := conn.PeerDeviceID()
	if peerID == "" {
		_ = conn.Close()
		return
	}

	m.connMu.Lock()
	if existing, exists := m.connections[peerID]; exists && existing != conn {
		_ = existing.Close()
	}
	m.connections[peerID] = conn
	m.connMu.Unlock()

	m.stopReconnect(peerID)

	if m.options.Seen != nil {
		if err := m.options.Seen.MarkSeen(peerID, time.Now().UnixMilli()); err != nil {
			m.reportError(err)
		}
	}

	m.wg.Add(1)
	go m.connectionLoop(conn)
}

func (m *Manager) connectionLoop(conn *PeerConnection) {
	defer m.wg.Done()

	peerID := conn.PeerDeviceID()
	for {
		payload, err := conn.ReceiveMessage(m.ctx)
		if err != nil {
			break
		}
		itemHandler, resyncHandler := m.handlers()

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypeItem:
			var msg ItemMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				m.reportError(fmt.Errorf("decode item from %s: %w", peerID, err))
				continue
			}
			if itemHandler != nil {
				itemHandler(peerID, msg.Item)
			}
		case TypeAck:
			var ack AckMessage
			if err := json.Unmarshal(payload, &ack); err != nil {
				m.reportError(fmt.Errorf("decode ack from %s: %w", peerID, err))
				continue
			}
			if ack.FromDeviceID != peerID {
				m.reportError(fmt.Errorf("rejecting ack: sender mismatch %q != %q", ack.FromDeviceID, peerID))
				continue
			}
			m.recordAck(peerID, ack.OriginDeviceID, ack.Sequence)
		case TypeRequestResync:
			var req ResyncRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				m.reportError(fmt.Errorf("decode resync request from %s: %w", peerID, err))
				continue
			}
			if req.FromDeviceID != peerID {
				m.reportError(fmt.Errorf("rejecting resync request: sender mismatch %q != %q", req.FromDeviceID, peerID))
				continue
			}
			if resyncHandler != nil {
				resyncHandler(peerID, req.OriginDeviceID, req.FromSequence)
			}
		case TypeError:
			var msg ErrorMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			m.reportError(fmt.Errorf("peer %s protocol error [%s]: %s", peerID, msg.Code, msg.Message))
		}
	}

	_ = conn.Close()

	m.connMu.Lock()
	if current := m.connections[peerID]; current == conn {
		delete(m.connections, peerID)
	}
	m.connMu.Unlock()

	select {
	case <-m.ctx.Done():
		return
	default:
	}

	if device, err := m.options.Trust.Lookup(peerID); err == nil && device.Trusted() {
		m.startReconnect(peerID)
	}
}

// startReconnect dials the peer's last known endpoint with exponential
// backoff until a connection registers, trust is withdrawn, or the backoff
// gives up. Discovery events restart a lapsed worker.
func (m *Manager) startReconnect(peerID string) {
	m.reconnectMu.Lock()
	if _, exists := m.reconnectWorkers[peerID]; exists {
		m.reconnectMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.reconnectWorkers[peerID] = cancel
	m.reconnectMu.Unlock()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 10 * time.Minute

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.reconnectMu.Lock()
			current := m.reconnectWorkers[peerID]
			if current != nil {
				delete(m.reconnectWorkers, peerID)
			}
			m.reconnectMu.Unlock()
		}()

		for {
			if device, err := m.options.Trust.Lookup(peerID); err != nil || !device.Trusted() {
				return
			}

			address, ok := m.lastAddress(peerID)
			if !ok {
				return
			}

			conn, err := Dial(address, m.options.Identity, m.options.Trust, m.connectionOptions())
			if err == nil {
				if conn.PeerDeviceID() == peerID {
					m.registerConnection(conn)
					return
				}
				_ = conn.Close()
			}

			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				return
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

func (m *Manager) stopReconnect(peerID string) {
	m.reconnectMu.Lock()
	cancel, exists := m.reconnectWorkers[peerID]
	if exists {
		delete(m.reconnectWorkers, peerID)
	}
	m.reconnectMu.Unlock()
	if exists {
		cancel()
	}
}

func (m *Manager) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
	}
}

func (m *Manager) connectionSnapshot() map[string]*PeerConnection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	out := make(map[string]*PeerConnection, len(m.connections))
	for peerID, conn := range m.connections {
		out[peerID] = conn
	}
	return out
}

func (m *Manager) getConnection(peerDeviceID string) *PeerConnection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connections[peerDeviceID]
}

func (m *Manager) lastAddress(peerID string) (string, bool) {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	address, ok := m.addresses[peerID]
	return address, ok
}

func (m *Manager) recordAck(peerID, originDeviceID string, sequence uint64) {
	if originDeviceID == "" || sequence == 0 {
		return
	}

	m.ackMu.Lock()
	defer m.ackMu.Unlock()

	byOrigin := m.acked[peerID]
	if byOrigin == nil {
		byOrigin = make(map[string]uint64)
		m.acked[peerID] = byOrigin
	}
	if sequence > byOrigin[originDeviceID] {
		byOrigin[originDeviceID] = sequence
	}
}

func (m *Manager) ackedSequence(peerID, originDeviceID string) uint64 {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.acked[peerID][originDeviceID]
}

func (m *Manager) reportBackpressure(peerID string, dropped int) {
	m.reportError(fmt.Errorf("peer %s backpressure: dropped %d queued items", peerID, dropped))

	if m.options.Audit == nil {
		return
	}
	err := m.options.Audit.LogSecurityEvent(storage.SecurityEvent{
		EventType:    "peer_backpressure",
		PeerDeviceID: peerID,
		Details:      fmt.Sprintf("dropped %d queued items", dropped),
		Severity:     storage.SecuritySeverityInfo,
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		m.reportError(err)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}
