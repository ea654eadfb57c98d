package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	// certValidity keeps self-signed device certs valid for ten years; trust
	// comes from pairing-time pinning, not from the validity window.
	certValidity = 10 * 365 * 24 * time.Hour
)

// EnsureDeviceCertificate loads the self-signed device certificate from disk,
// generating one from the identity key on first run. It returns the DER bytes
// and the certificate's SHA-256 fingerprint.
func EnsureDeviceCertificate(certPath string, deviceID, deviceName string, identityKey ed25519.PrivateKey) ([]byte, string, error) {
	der, err := LoadDeviceCertificate(certPath)
	if err == nil {
		return der, CertFingerprint(der), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, "", err
	}

	der, err = GenerateDeviceCertificate(deviceID, deviceName, identityKey)
	if err != nil {
		return nil, "", err
	}
	if err := SaveDeviceCertificate(certPath, der); err != nil {
		return nil, "", err
	}

	return der, CertFingerprint(der), nil
}

// GenerateDeviceCertificate creates a self-signed X.509 certificate binding the
// device ID and name to the identity key.
func GenerateDeviceCertificate(deviceID, deviceName string, identityKey ed25519.PrivateKey) ([]byte, error) {
	if len(identityKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid identity key length: got %d want %d", len(identityKey), ed25519.PrivateKeySize)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceName,
			Organization:       []string{"Clipberry"},
			OrganizationalUnit: []string{deviceID},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, identityKey.Public(), identityKey)
	if err != nil {
		return nil, fmt.Errorf("create device certificate: %w", err)
	}

	return der, nil
}

// LoadDeviceCertificate reads a PEM certificate file and returns the DER bytes.
func LoadDeviceCertificate(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device certificate: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode device certificate PEM: no PEM block")
	}
	if block.Type != certificatePEMType {
		return nil, fmt.Errorf("decode device certificate PEM: unexpected type %q", block.Type)
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("parse device certificate: %w", err)
	}

	return block.Bytes, nil
}

// SaveDeviceCertificate writes a DER certificate as a PEM file.
func SaveDeviceCertificate(path string, der []byte) error {
	block := &pem.Block{
		Type:  certificatePEMType,
		Bytes: der,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o644); err != nil {
		return fmt.Errorf("write device certificate: %w", err)
	}

	return nil
}

// CertFingerprint returns the SHA-256 hex fingerprint of a DER certificate.
// This value is what pairing pins and what the secure channel checks.
func CertFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// TLSCertificate builds a tls.Certificate from a DER cert and the identity key.
func TLSCertificate(der []byte, identityKey ed25519.PrivateKey) (tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse device certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  identityKey,
		Leaf:        leaf,
	}, nil
}
