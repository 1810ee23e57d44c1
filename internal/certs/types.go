// Package certs implements the SNI-driven certificate manager: the
// challenge store (C5), the certificate store (C6), the self-signed and
// ACME providers (C7), and the background renewal loop (C8).
package certs

import (
	"context"
	"crypto/tls"
	"time"
)

// Origin records how a CertificateRecord was produced.
type Origin string

const (
	OriginSelfSigned Origin = "SelfSigned"
	OriginACME       Origin = "ACME"
	OriginLoaded     Origin = "Loaded"
)

// RenewalThreshold is how long before expiry a certificate is considered
// due for renewal (spec §4.7.1, §4.7.2, §4.8).
const RenewalThreshold = 30 * 24 * time.Hour

// CertificateRecord is one issued certificate chain plus its private key,
// keyed externally by host (spec §3).
type CertificateRecord struct {
	Host     string
	Chain    tls.Certificate
	IssuedAt time.Time
	NotAfter time.Time
	Origin   Origin
}

// Fresh reports whether the record is usable right now: not expired and
// not within the renewal threshold of expiring.
func (r CertificateRecord) Fresh(now time.Time) bool {
	return now.Before(r.NotAfter.Add(-RenewalThreshold))
}

// Expired reports whether the record's NotAfter has already passed.
func (r CertificateRecord) Expired(now time.Time) bool {
	return !now.Before(r.NotAfter)
}

// Provider is the uniform capability every certificate issuance strategy
// implements (spec §4.7).
type Provider interface {
	Acquire(ctx context.Context, host string) (CertificateRecord, error)
	NeedsRenewal(ctx context.Context, host string) (bool, error)
	Renew(ctx context.Context, host string) (CertificateRecord, error)
}
