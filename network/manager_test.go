package network

import (
	"sync"
	"testing"
	"time"

	"github.com/tzabx/clipberry/models"
)

func startTestManager(t *testing.T, peer *testPeerSetup) *Manager {
	t.Helper()

	manager, err := NewManager(ManagerOptions{
		Identity:      peer.identity,
		Trust:         peer.store,
		ListenAddress: "127.0.0.1:0",
		Seen:          peer.store,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	return manager
}

type itemCollector struct {
	mu    sync.Mutex
	items []models.ClipboardItem
}

func (c *itemCollector) handle(peerDeviceID string, item models.ClipboardItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

func (c *itemCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *itemCollector) last() models.ClipboardItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[len(c.items)-1]
}

func TestManagerDialsOnDiscovery(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	trustEachOther(t, alpha, beta)

	alphaManager := startTestManager(t, alpha)
	betaManager := startTestManager(t, beta)

	alphaManager.HandleDiscovery(beta.identity.DeviceID, betaManager.Addr())

	waitFor(t, 5*time.Second, func() bool {
		return alphaManager.Connected(beta.identity.DeviceID) &&
			betaManager.Connected(alpha.identity.DeviceID)
	}, "discovery-driven connection")
}

func TestManagerIgnoresUntrustedDiscovery(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	// No pairing between them.

	alphaManager := startTestManager(t, alpha)
	betaManager := startTestManager(t, beta)

	alphaManager.HandleDiscovery(beta.identity.DeviceID, betaManager.Addr())

	time.Sleep(200 * time.Millisecond)
	if alphaManager.Connected(beta.identity.DeviceID) {
		t.Fatalf("manager must not dial an unpaired device")
	}
}

func TestBroadcastReachesPeers(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	trustEachOther(t, alpha, beta)

	alphaManager := startTestManager(t, alpha)
	betaManager := startTestManager(t, beta)

	received := &itemCollector{}
	betaManager.OnItem(received.handle)

	alphaManager.HandleDiscovery(beta.identity.DeviceID, betaManager.Addr())
	waitFor(t, 5*time.Second, func() bool {
		return alphaManager.Connected(beta.identity.DeviceID)
	}, "connection")

	item := signedTestItem(t, alpha, 1, "broadcast me")
	alphaManager.Broadcast(item, "")

	waitFor(t, 5*time.Second, func() bool {
		return received.count() == 1
	}, "broadcast delivery")

	if received.last().Key() != item.Key() {
		t.Fatalf("received item %q, want %q", received.last().Key(), item.Key())
	}
}

func TestBroadcastSkipsAckedPeers(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	trustEachOther(t, alpha, beta)

	alphaManager := startTestManager(t, alpha)
	betaManager := startTestManager(t, beta)

	received := &itemCollector{}
	betaManager.OnItem(received.handle)

	alphaManager.HandleDiscovery(beta.identity.DeviceID, betaManager.Addr())
	waitFor(t, 5*time.Second, func() bool {
		return alphaManager.Connected(beta.identity.DeviceID)
	}, "connection")

	item := signedTestItem(t, alpha, 3, "acked already")
	alphaManager.recordAck(beta.identity.DeviceID, item.OriginDeviceID, item.Sequence)
	alphaManager.Broadcast(item, "")

	time.Sleep(200 * time.Millisecond)
	if got := received.count(); got != 0 {
		t.Fatalf("acked peer must not receive the item again, got %d deliveries", got)
	}
}

func TestBroadcastExcludesInboundSender(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	trustEachOther(t, alpha, beta)

	alphaManager := startTestManager(t, alpha)
	betaManager := startTestManager(t, beta)

	received := &itemCollector{}
	betaManager.OnItem(received.handle)

	alphaManager.HandleDiscovery(beta.identity.DeviceID, betaManager.Addr())
	waitFor(t, 5*time.Second, func() bool {
		return alphaManager.Connected(beta.identity.DeviceID)
	}, "connection")

	item := signedTestItem(t, beta, 1, "came from beta")
	alphaManager.Broadcast(item, beta.identity.DeviceID)

	time.Sleep(200 * time.Millisecond)
	if got := received.count(); got != 0 {
		t.Fatalf("excluded sender must not receive its own item, got %d deliveries", got)
	}
}

func TestAckAndResyncRouting(t *testing.T) {
	alpha := newTestPeer(t, "alpha")
	beta := newTestPeer(t, "beta")
	trustEachOther(t, alpha, beta)

	alphaManager := startTestManager(t, alpha)
	betaManager := startTestManager(t, beta)

	type resyncReq struct {
		peer     string
		origin   string
		fromSeq  uint64
	}
	resyncCh := make(chan resyncReq, 1)
	betaManager.OnResyncRequest(func(peerDeviceID, originDeviceID string, fromSequence uint64) {
		resyncCh <- resyncReq{peer: peerDeviceID, origin: originDeviceID, fromSeq: fromSequence}
	})

	alphaManager.HandleDiscovery(beta.identity.DeviceID, betaManager.Addr())
	waitFor(t, 5*time.Second, func() bool {
		return alphaManager.Connected(beta.identity.DeviceID) &&
			betaManager.Connected(alpha.identity.DeviceID)
	}, "connection")

	item := signedTestItem(t, alpha, 7, "ack me")
	if err := betaManager.SendAck(alpha.identity.DeviceID, item); err != nil {
		t.Fatalf("SendAck failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return alphaManager.ackedSequence(beta.identity.DeviceID, item.OriginDeviceID) == 7
	}, "ack bookkeeping")

	if err := alphaManager.SendResyncRequest(beta.identity.DeviceID, alpha.identity.DeviceID, 4); err != nil {
		t.Fatalf("SendResyncRequest failed: %v", err)
	}
	select {
	case req := <-resyncCh:
		if req.peer != alpha.identity.DeviceID || req.origin != alpha.identity.DeviceID || req.fromSeq != 4 {
			t.Fatalf("unexpected resync request: %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for resync request")
	}
}
