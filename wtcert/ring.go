// Package wtcert maintains a rolling set of short-lived self-signed
// server certificates for WebTransport's certificate-hash pinning
// (draft-ietf-webtrans-http3-02 section 3.3, W3C WebTransport
// serverCertificateHashes).
package wtcert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// DefaultDuration is the validity window used when [RingConfig.Duration] is zero.
const DefaultDuration = 14 * 24 * time.Hour

// Entry is one certificate held by a [Ring].
type Entry struct {
	TLSCert tls.Certificate
	Hash    [sha256.Size]byte
	Expiry  time.Time
}

// RingConfig is the configuration for a [Ring].
type RingConfig struct {
	// DNSNames populates the certificates' Subject Alternative Name extension.
	DNSNames []string

	// Duration is how long each generated certificate remains valid.
	// Defaults to [DefaultDuration].
	Duration time.Duration

	// NowFn returns the current time. Defaults to [time.Now].
	// Tests override this to control rotation deterministically.
	NowFn func() time.Time
}

func (c RingConfig) validate(log *slog.Logger) RingConfig {
	var panicErrs error

	if len(c.DNSNames) == 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("RingConfig.DNSNames must not be empty"),
		)
	}

	if c.Duration < 0 {
		panicErrs = errors.Join(
			panicErrs,
			errors.New("RingConfig.Duration must not be negative"),
		)
	}

	if panicErrs != nil {
		panic(panicErrs)
	}

	if c.Duration == 0 {
		c.Duration = DefaultDuration
	}
	if c.NowFn == nil {
		c.NowFn = time.Now
	}

	return c
}

// Ring is a FIFO of short-lived self-signed certificates.
// The zero value is not usable; create one with [NewRing].
type Ring struct {
	log *slog.Logger

	dnsNames []string
	duration time.Duration
	nowFn    func() time.Time

	mu      sync.Mutex
	entries []Entry
}

// NewRing creates a Ring from the given configuration.
// It panics if the configuration is invalid.
func NewRing(log *slog.Logger, cfg RingConfig) *Ring {
	cfg = cfg.validate(log)

	return &Ring{
		log: log,

		dnsNames: cfg.DNSNames,
		duration: cfg.Duration,
		nowFn:    cfg.NowFn,
	}
}

// EnumerateHashes performs a rotation step and returns the SHA-256 hash of
// each currently held certificate's DER encoding, oldest first.
func (r *Ring) EnumerateHashes() [][sha256.Size]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rotateLocked()

	hashes := make([][sha256.Size]byte, len(r.entries))
	for i, e := range r.entries {
		hashes[i] = e.Hash
	}
	return hashes
}

// GetCertificate performs a rotation step and returns the certificate that
// should currently be presented to new TLS handshakes, along with its
// SHA-256 hash: the penultimate entry if at least two exist, otherwise the
// sole entry.
func (r *Ring) GetCertificate() (tls.Certificate, [sha256.Size]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rotateLocked()

	if len(r.entries) < 1 {
		panic(errors.New("BUG: Ring has no entries after rotate"))
	}

	e := r.entries[0]
	if len(r.entries) >= 2 {
		e = r.entries[len(r.entries)-2]
	}
	return e.TLSCert, e.Hash
}

// rotateLocked is the idempotent, time-driven rotation algorithm.
// The caller must hold r.mu.
func (r *Ring) rotateLocked() {
	now := r.nowFn()

	for len(r.entries) > 0 && r.entries[0].Expiry.Before(now) {
		r.log.Debug("Evicting expired certificate", "expiry", r.entries[0].Expiry)
		r.entries = r.entries[1:]
	}

	threshold := now.Add(r.duration * 2 / 3)
	if len(r.entries) == 0 || !r.entries[len(r.entries)-1].Expiry.After(threshold) {
		e, err := generateEntry(r.dnsNames, now, r.duration)
		if err != nil {
			// Certificate generation only fails on a broken CSPRNG or
			// serialization bug, neither of which is recoverable here.
			panic(fmt.Errorf("failed to generate certificate: %w", err))
		}
		r.entries = append(r.entries, e)
		r.log.Info("Generated new certificate", "expiry", e.Expiry)
	}
}

func generateEntry(dnsNames []string, now time.Time, duration time.Duration) (Entry, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), crand.Reader)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: dnsNames[0],
		},
		NotBefore: now,
		NotAfter:  now.Add(duration),

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		DNSNames: dnsNames,

		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(crand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return Entry{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        cert,
		},
		Hash:   sha256.Sum256(der),
		Expiry: template.NotAfter,
	}, nil
}
