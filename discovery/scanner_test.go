package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"device_id=" + deviceID,
			"fingerprint=fp-" + deviceID,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("peer-1", "Laptop", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("peer-2", "Desktop", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Peers()) == 2
	})
}

func TestScannerEmitsRemovalWhenPeerDisappears(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("peer-1", "Laptop", 9998, "10.0.0.2")
				entries <- testServiceEntry("peer-2", "Desktop", 9997, "10.0.0.3")
			} else {
				entries <- testServiceEntry("peer-2", "Desktop", 9997, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-2"
	})

	if !waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", 2*time.Second) {
		t.Fatalf("expected removal event for peer-1")
	}
}

func TestScannerIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Laptop", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].DeviceID == "peer-1"
	})
}

func TestPeerEndpoint(t *testing.T) {
	peer := Peer{Port: 41820, Addresses: []string{"10.0.0.2", "fe80::1"}}
	if got := peer.Endpoint(); got != "10.0.0.2:41820" {
		t.Fatalf("Endpoint returned %q, want %q", got, "10.0.0.2:41820")
	}

	if got := (Peer{Port: 41820}).Endpoint(); got != "" {
		t.Fatalf("peer without addresses must have empty endpoint, got %q", got)
	}
	if got := (Peer{Addresses: []string{"10.0.0.2"}}).Endpoint(); got != "" {
		t.Fatalf("peer without port must have empty endpoint, got %q", got)
	}
}

func TestParseEntryReadsTXTRecords(t *testing.T) {
	entry := testServiceEntry("peer-9", "Tablet", 41820, "192.168.1.20")

	peer, ok := parseEntry(entry, "self-device")
	if !ok {
		t.Fatalf("parseEntry rejected a valid entry")
	}
	if peer.DeviceID != "peer-9" {
		t.Fatalf("got device ID %q, want %q", peer.DeviceID, "peer-9")
	}
	if peer.CertFingerprint != "fp-peer-9" {
		t.Fatalf("got fingerprint %q, want %q", peer.CertFingerprint, "fp-peer-9")
	}
	if peer.Version != 1 {
		t.Fatalf("got version %d, want 1", peer.Version)
	}
	if peer.Endpoint() != "192.168.1.20:41820" {
		t.Fatalf("got endpoint %q", peer.Endpoint())
	}

	if _, ok := parseEntry(testServiceEntry("self-device", "Self", 1, "10.0.0.1"), "self-device"); ok {
		t.Fatalf("parseEntry must reject the local device's own entry")
	}
}
