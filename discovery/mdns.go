package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_clipberry._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the advertised protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS announcement and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID    string
	DeviceName      string
	ItemPort        int
	CertFingerprint string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ItemPort <= 0 {
		return errors.New("item port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Announcer advertises this device's item channel endpoint via mDNS. The
// TXT record carries only the device ID and certificate fingerprint; trust
// decisions never rest on the announcement itself.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the mDNS service and starts broadcasting.
func Announce(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"fingerprint=" + cfg.CertFingerprint,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ItemPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// PeerSink receives discovery updates, normally the connection manager.
type PeerSink interface {
	HandleDiscovery(deviceID, address string)
	HandleDeparture(deviceID string)
}

// Service couples an announcer with a scanner and forwards scanner events
// into a sink.
type Service struct {
	Announcer *Announcer
	Scanner   *Scanner

	forwardDone chan struct{}
}

// Start announces the local device and begins scanning. Scanner events are
// forwarded to sink until Stop; sink may be nil when the caller consumes
// Scanner.Events directly.
func Start(config Config, sink PeerSink) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := Announce(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return nil, err
	}

	service := &Service{
		Announcer:   announcer,
		Scanner:     scanner,
		forwardDone: make(chan struct{}),
	}
	go service.forward(sink)

	return service, nil
}

// Stop halts scanning and withdraws the announcement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	<-s.forwardDone
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}

func (s *Service) forward(sink PeerSink) {
	defer close(s.forwardDone)

	for event := range s.Scanner.Events() {
		if sink == nil {
			continue
		}
		switch event.Type {
		case EventPeerUpserted:
			if address := event.Peer.Endpoint(); address != "" {
				sink.HandleDiscovery(event.Peer.DeviceID, address)
			}
		case EventPeerRemoved:
			sink.HandleDeparture(event.Peer.DeviceID)
		}
	}
}
