package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/Steffeeen/HarborGate/internal/clock"
)

// selfSignedValidity is the lifetime of a generated leaf certificate
// (spec §4.7.1).
const selfSignedValidity = 365 * 24 * time.Hour

// SelfSignedProvider issues 2048-bit RSA self-signed certificates,
// generalizing the teacher's EnsureSelfSignedCert/CA.IssueServerCert
// pattern (one CSR-equivalent build + self-sign per host, rather than one
// process-lifetime cert) to HarborGate's per-SNI-host issuance model.
type SelfSignedProvider struct {
	store *Store
	clk   clock.Clock
	log   *slog.Logger
}

// NewSelfSignedProvider creates a SelfSignedProvider backed by store.
func NewSelfSignedProvider(store *Store, clk clock.Clock, log *slog.Logger) *SelfSignedProvider {
	return &SelfSignedProvider{store: store, clk: clk, log: log}
}

// Acquire generates and stores a fresh self-signed certificate for host
// (spec §4.7.1).
func (p *SelfSignedProvider) Acquire(_ context.Context, host string) (CertificateRecord, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CertificateRecord{}, fmt.Errorf("generate key for %s: %w", host, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return CertificateRecord{}, fmt.Errorf("generate serial for %s: %w", host, err)
	}

	now := p.clk.Now()
	notAfter := now.Add(selfSignedValidity)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return CertificateRecord{}, fmt.Errorf("self-sign certificate for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return CertificateRecord{}, fmt.Errorf("parse self-signed certificate for %s: %w", host, err)
	}

	record := CertificateRecord{
		Host: host,
		Chain: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		IssuedAt: now,
		NotAfter: notAfter,
		Origin:   OriginSelfSigned,
	}

	if err := p.store.Store(host, record); err != nil {
		return CertificateRecord{}, fmt.Errorf("persist self-signed certificate for %s: %w", host, err)
	}
	return record, nil
}

// NeedsRenewal reports whether host's stored record is missing or within
// the renewal threshold of expiring.
func (p *SelfSignedProvider) NeedsRenewal(_ context.Context, host string) (bool, error) {
	record, ok := p.store.Get(host)
	if !ok {
		return true, nil
	}
	return !record.Fresh(p.clk.Now()), nil
}

// Renew re-issues unconditionally; self-signed issuance has no external
// rate limits worth distinguishing from Acquire.
func (p *SelfSignedProvider) Renew(ctx context.Context, host string) (CertificateRecord, error) {
	return p.Acquire(ctx, host)
}
