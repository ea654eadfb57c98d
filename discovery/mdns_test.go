package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func assertContainsTXT(t *testing.T, txt []string, want string) {
	t.Helper()
	for _, record := range txt {
		if record == want {
			return
		}
	}
	t.Fatalf("TXT records %v missing %q", txt, want)
}

func TestAnnounceBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:    "device-123",
		DeviceName:      "Office Laptop",
		ItemPort:        41820,
		CertFingerprint: "abc123",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	announcer, err := Announce(cfg)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if announcer == nil {
		t.Fatalf("expected announcer instance")
	}

	if gotInstance != "Office Laptop" {
		t.Fatalf("unexpected instance name %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain %q", gotDomain)
	}
	if gotPort != 41820 {
		t.Fatalf("unexpected port %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "fingerprint=abc123")
	assertContainsTXT(t, gotTXT, "version=1")
}

func TestAnnounceValidatesConfig(t *testing.T) {
	cfg := Config{
		DeviceName: "No ID",
		ItemPort:   41820,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	}
	if _, err := Announce(cfg); err == nil {
		t.Fatalf("expected error for missing device ID")
	}
}

type sinkRecorder struct {
	mu         sync.Mutex
	discovered map[string]string
	departed   []string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{discovered: make(map[string]string)}
}

func (r *sinkRecorder) HandleDiscovery(deviceID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered[deviceID] = address
}

func (r *sinkRecorder) HandleDeparture(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.departed = append(r.departed, deviceID)
}

func (r *sinkRecorder) addressOf(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovered[deviceID]
}

func TestServiceForwardsEventsToSink(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		DeviceName:      "Self",
		ItemPort:        41820,
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("peer-1", "Laptop", 41820, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	sink := newSinkRecorder()
	service, err := Start(cfg, sink)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer service.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		return sink.addressOf("peer-1") == "10.0.0.2:41820"
	})
}
