package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/tzabx/clipberry/clipboard"
	"github.com/tzabx/clipberry/config"
	"github.com/tzabx/clipberry/crypto"
	"github.com/tzabx/clipberry/discovery"
	"github.com/tzabx/clipberry/models"
	"github.com/tzabx/clipberry/network"
	"github.com/tzabx/clipberry/pairing"
	"github.com/tzabx/clipberry/storage"
	"github.com/tzabx/clipberry/sync"
	"github.com/tzabx/clipberry/trust"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	privateKey, publicKey, err := crypto.EnsureIdentityKeyPair(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing identity keypair: %v", err)
	}
	deviceID := crypto.DeviceID(publicKey)

	certDER, fingerprint, err := crypto.EnsureDeviceCertificate(cfg.CertificatePath, deviceID, cfg.DeviceName, privateKey)
	if err != nil {
		log.Fatalf("startup failed while preparing device certificate: %v", err)
	}
	tlsCert, err := crypto.TLSCertificate(certDER, privateKey)
	if err != nil {
		log.Fatalf("startup failed while loading TLS certificate: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", deviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	trustStore, err := trust.NewStore(store)
	if err != nil {
		log.Fatalf("startup failed while loading trust store: %v", err)
	}

	pairManager := pairing.NewManager(trustStore, store)
	defer pairManager.Close()

	pairServer := pairing.NewServer(pairManager, pairing.Identity{
		DeviceID:        deviceID,
		DisplayName:     cfg.DeviceName,
		PublicKey:       publicKey,
		CertFingerprint: fingerprint,
	})
	if err := pairServer.Start(fmt.Sprintf(":%d", cfg.PairingPort)); err != nil {
		log.Fatalf("startup failed while opening pairing channel: %v", err)
	}
	defer pairServer.Close()
	fmt.Printf("Pairing:         %s\n", pairServer.Addr())

	netManager, err := network.NewManager(network.ManagerOptions{
		Identity: network.LocalIdentity{
			DeviceID:        deviceID,
			DeviceName:      cfg.DeviceName,
			CertFingerprint: fingerprint,
			PrivateKey:      privateKey,
			PublicKey:       publicKey,
			TLSCertificate:  tlsCert,
		},
		Trust:         trustStore,
		ListenAddress: fmt.Sprintf(":%d", cfg.ItemPort),
		Audit:         store,
		Seen:          trustStore,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing item channel: %v", err)
	}

	system := clipboard.NewMemory()
	var engine *sync.Engine
	watcher := clipboard.NewWatcher(system, cfg.PollInterval(), func(content models.ClipboardContent) {
		engine.LocalChange(content)
	})

	engine, err = sync.NewEngine(sync.Options{
		DeviceID:   deviceID,
		PrivateKey: privateKey,
		Trust:      trustStore,
		Store:      store,
		Net:        netManager,
		Applier:    watcher,
		Audit:      store,
		Filters: sync.Filters{
			SyncText:    cfg.SyncText,
			SyncImages:  cfg.SyncImages,
			MaxItemSize: cfg.MaxItemSize,
		},
	})
	if err != nil {
		log.Fatalf("startup failed while preparing sync engine: %v", err)
	}

	netManager.OnItem(engine.HandleRemoteItem)
	netManager.OnResyncRequest(engine.HandleResyncRequest)

	if err := netManager.Start(); err != nil {
		log.Fatalf("startup failed while opening item channel: %v", err)
	}
	defer netManager.Stop()
	fmt.Printf("Item Channel:    %s\n", netManager.Addr())

	engine.Start()
	defer engine.Stop()

	watcher.Start()
	defer watcher.Stop()

	go logNetworkErrors(netManager.Errors())

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:    deviceID,
		DeviceName:      cfg.DeviceName,
		ItemPort:        listenPort(netManager.Addr()),
		CertFingerprint: fingerprint,
	}, netManager)
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer discoveryService.Stop()
		fmt.Println("Discovery:       running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func listenPort(address string) int {
	_, portRaw, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return 0
	}
	return port
}

func logNetworkErrors(errs <-chan error) {
	for err := range errs {
		log.Printf("network: %v", err)
	}
}
