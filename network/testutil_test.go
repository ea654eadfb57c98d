package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/tzabx/clipberry/crypto"
	"github.com/tzabx/clipberry/models"
	"github.com/tzabx/clipberry/trust"
)

type memoryPersister struct {
	mu      sync.Mutex
	devices map[string]trust.Device
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{devices: make(map[string]trust.Device)}
}

func (p *memoryPersister) SaveDevice(device trust.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[device.DeviceID] = device
	return nil
}

func (p *memoryPersister) LoadDevices() ([]trust.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]trust.Device, 0, len(p.devices))
	for _, device := range p.devices {
		out = append(out, device)
	}
	return out, nil
}

// testPeerSetup is one side of a channel test: a full local identity plus the
// trust record other sides pin to accept it.
type testPeerSetup struct {
	identity LocalIdentity
	record   trust.Device
	store    *trust.Store
}

func newTestPeer(t *testing.T, name string) *testPeerSetup {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}

	deviceID := crypto.DeviceID(publicKey)
	der, err := crypto.GenerateDeviceCertificate(deviceID, name, privateKey)
	if err != nil {
		t.Fatalf("generate device certificate: %v", err)
	}
	tlsCert, err := crypto.TLSCertificate(der, privateKey)
	if err != nil {
		t.Fatalf("build TLS certificate: %v", err)
	}

	store, err := trust.NewStore(newMemoryPersister())
	if err != nil {
		t.Fatalf("create trust store: %v", err)
	}

	return &testPeerSetup{
		identity: LocalIdentity{
			DeviceID:        deviceID,
			DeviceName:      name,
			CertFingerprint: crypto.CertFingerprint(der),
			PrivateKey:      privateKey,
			PublicKey:       publicKey,
			TLSCertificate:  tlsCert,
		},
		record: trust.Device{
			DeviceID:        deviceID,
			DisplayName:     name,
			PublicKey:       base64.StdEncoding.EncodeToString(publicKey),
			CertFingerprint: crypto.CertFingerprint(der),
			TrustState:      trust.StateTrusted,
			AddedAt:         time.Now().UnixMilli(),
		},
		store: store,
	}
}

// trustEachOther pins every peer's record into every other peer's store.
func trustEachOther(t *testing.T, peers ...*testPeerSetup) {
	t.Helper()

	for _, local := range peers {
		for _, remote := range peers {
			if local == remote {
				continue
			}
			if err := local.store.Upsert(remote.record); err != nil {
				t.Fatalf("pin %s into %s store: %v", remote.record.DisplayName, local.record.DisplayName, err)
			}
		}
	}
}

func signedTestItem(t *testing.T, peer *testPeerSetup, sequence uint64, text string) models.ClipboardItem {
	t.Helper()

	item, err := models.NewItem(peer.identity.DeviceID, sequence, models.ClipboardContent{
		Type: models.ContentTypeText,
		Data: []byte(text),
	}, peer.identity.PrivateKey)
	if err != nil {
		t.Fatalf("build item: %v", err)
	}
	return item
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
