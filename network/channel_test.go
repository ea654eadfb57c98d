package network

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/tzabx/clipberry/storage"
)

// stalledConnection returns a peer connection whose write loop is blocked on
// an unread pipe, so the outbound queue fills instead of draining.
func stalledConnection(t *testing.T, peerDeviceID string) (*PeerConnection, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })

	pc := newPeerConnection(local, ConnectionOptions{
		LocalDeviceID: "self",
		PeerDeviceID:  peerDeviceID,
	})
	t.Cleanup(func() { _ = pc.Close() })

	return pc, remote
}

func TestEnqueueDropsOldestWhenQueueFull(t *testing.T) {
	pc, remote := stalledConnection(t, "peer-1")

	payload := func(n int) []byte {
		return []byte(fmt.Sprintf(`{"type":"item","n":%d}`, n))
	}

	// The write loop takes the first payload and stalls writing it.
	if dropped, err := pc.Enqueue(payload(0)); err != nil || dropped != 0 {
		t.Fatalf("first Enqueue: dropped=%d err=%v", dropped, err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return len(pc.outbound) == 0
	}, "write loop to take the in-flight payload")

	for n := 1; n <= outboundQueueSize; n++ {
		dropped, err := pc.Enqueue(payload(n))
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", n, err)
		}
		if dropped != 0 {
			t.Fatalf("payload %d reported %d drops before the queue was full", n, dropped)
		}
	}

	dropped, err := pc.Enqueue(payload(outboundQueueSize + 1))
	if err != nil {
		t.Fatalf("Enqueue past capacity failed: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("got %d drops past capacity, want 1", dropped)
	}

	// Unblock the writer: the stalled payload arrives first, then the queue
	// resumes at payload 2 because payload 1 was the one dropped.
	first, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("read in-flight frame: %v", err)
	}
	if string(first) != string(payload(0)) {
		t.Fatalf("in-flight frame %s, want %s", first, payload(0))
	}

	second, err := ReadFrame(remote)
	if err != nil {
		t.Fatalf("read next frame: %v", err)
	}
	if string(second) != string(payload(2)) {
		t.Fatalf("next frame %s, want %s (oldest queued payload dropped)", second, payload(2))
	}
}

type auditRecorder struct {
	mu     sync.Mutex
	events []storage.SecurityEvent
}

func (r *auditRecorder) LogSecurityEvent(event storage.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *auditRecorder) byType(eventType string) []storage.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.SecurityEvent
	for _, event := range r.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

func TestBroadcastReportsBackpressure(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	trustEachOther(t, alpha, beta)

	audit := &auditRecorder{}
	manager, err := NewManager(ManagerOptions{
		Identity:      alpha.identity,
		Trust:         alpha.store,
		ListenAddress: "127.0.0.1:0",
		Audit:         audit,
		Seen:          alpha.store,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	conn, _ := stalledConnection(t, beta.identity.DeviceID)
	manager.connMu.Lock()
	manager.connections[beta.identity.DeviceID] = conn
	manager.connMu.Unlock()
	t.Cleanup(func() {
		manager.connMu.Lock()
		delete(manager.connections, beta.identity.DeviceID)
		manager.connMu.Unlock()
	})

	manager.Broadcast(signedTestItem(t, alpha, 1, "in flight"), "")
	waitFor(t, 2*time.Second, func() bool {
		return len(conn.outbound) == 0
	}, "write loop to take the in-flight payload")

	for n := 0; n < outboundQueueSize; n++ {
		manager.Broadcast(signedTestItem(t, alpha, uint64(n+2), "fill"), "")
	}
	if got := len(audit.byType("peer_backpressure")); got != 0 {
		t.Fatalf("backpressure reported %d times before the queue was full", got)
	}

	manager.Broadcast(signedTestItem(t, alpha, outboundQueueSize+2, "overflow"), "")

	events := audit.byType("peer_backpressure")
	if len(events) != 1 {
		t.Fatalf("got %d backpressure events, want 1", len(events))
	}
	if events[0].PeerDeviceID != beta.identity.DeviceID {
		t.Fatalf("backpressure recorded for %q, want %q", events[0].PeerDeviceID, beta.identity.DeviceID)
	}
	if events[0].Severity != storage.SecuritySeverityInfo {
		t.Fatalf("backpressure severity %q, want %q", events[0].Severity, storage.SecuritySeverityInfo)
	}

	select {
	case err := <-manager.Errors():
		if err == nil {
			t.Fatalf("expected a backpressure error on the errors channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the backpressure error")
	}
}
