package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/tzabx/clipberry/crypto"
	"github.com/tzabx/clipberry/trust"
)

var (
	// ErrUntrustedCertificate indicates a presented certificate whose
	// fingerprint matches no trusted device pin.
	ErrUntrustedCertificate = errors.New("network: untrusted peer certificate")
	// ErrUntrustedPeer indicates a device identity outside the trusted set.
	ErrUntrustedPeer = errors.New("network: peer not trusted")
)

// TrustSource exposes the pinned trust records the secure channel checks
// against. *trust.Store satisfies it.
type TrustSource interface {
	Lookup(deviceID string) (trust.Device, error)
	ListTrusted() []trust.Device
}

// BuildTLSConfig returns the mutual-TLS configuration for the item channel.
// Both sides present their self-signed device certificate; chain validation
// is replaced by an exact fingerprint match against the trust store pins, so
// an unknown certificate tears the connection down before any application
// data. The same config serves listener and dialer.
func BuildTLSConfig(localCert tls.Certificate, source TrustSource) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{localCert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		// Verification happens in VerifyPeerCertificate against the pins;
		// self-signed device certs never chain to a CA.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinnedCertificate(rawCerts, source)
		},
	}
}

func verifyPinnedCertificate(rawCerts [][]byte, source TrustSource) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrUntrustedCertificate)
	}

	fingerprint := crypto.CertFingerprint(rawCerts[0])
	for _, device := range source.ListTrusted() {
		if device.CertFingerprint == fingerprint {
			return nil
		}
	}

	return fmt.Errorf("%w: fingerprint %s", ErrUntrustedCertificate, crypto.FormatFingerprint(fingerprint))
}
