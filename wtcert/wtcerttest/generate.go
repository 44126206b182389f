// Package wtcerttest generates throwaway self-signed certificates for
// tests that need a real TLS listener, without going through a [wtcert.Ring].
package wtcerttest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// LeafConfig configures [GenerateLeaf].
type LeafConfig struct {
	DNSNames []string

	// ValidFor defaults to one hour, which is intentionally short:
	// these certificates are only ever used within a single test process.
	ValidFor time.Duration
}

// FastConfig returns a config suitable for heavy reuse across parallel tests.
func FastConfig() LeafConfig {
	return LeafConfig{
		DNSNames: []string{"leaf.example.test"},
		ValidFor: time.Hour,
	}
}

// LeafCert is a self-signed certificate generated for test use.
type LeafCert struct {
	Cert    *x509.Certificate
	TLSCert tls.Certificate
	Hash    [sha256.Size]byte
}

// GenerateLeaf creates a new ECDSA-P256 self-signed certificate,
// matching the shape [wtcert.Ring] produces in production.
func GenerateLeaf(cfg LeafConfig) (*LeafCert, error) {
	if len(cfg.DNSNames) == 0 {
		cfg = FastConfig()
	}
	validFor := cfg.ValidFor
	if validFor == 0 {
		validFor = time.Hour
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now().Add(-15 * time.Second)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: cfg.DNSNames[0],
		},
		NotBefore: now,
		NotAfter:  now.Add(validFor),

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		DNSNames: cfg.DNSNames,
		// Tests dial 127.0.0.1 directly, so it needs to be a valid SAN too.
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1)},

		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(crand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &LeafCert{
		Cert: cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        cert,
		},
		Hash: sha256.Sum256(der),
	}, nil
}
