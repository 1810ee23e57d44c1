package web

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Steffeeen/HarborGate/internal/certs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	record     certs.CertificateRecord
	err        error
	acquireHit int
}

func (p *fakeProvider) Acquire(ctx context.Context, host string) (certs.CertificateRecord, error) {
	p.acquireHit++
	if p.err != nil {
		return certs.CertificateRecord{}, p.err
	}
	return p.record, nil
}

func (p *fakeProvider) NeedsRenewal(ctx context.Context, host string) (bool, error) { return false, nil }
func (p *fakeProvider) Renew(ctx context.Context, host string) (certs.CertificateRecord, error) {
	return p.record, nil
}

// TestGetCertificateReturnsFreshStoreEntry covers the "present and fresh"
// branch of spec §4.9: a cached, non-renewal-due certificate is served
// without invoking the provider.
func TestGetCertificateReturnsFreshStoreEntry(t *testing.T) {
	store := certs.NewStore("", discardLogger())
	_ = store.Store("app.test.local", certs.CertificateRecord{
		Host:     "app.test.local",
		NotAfter: time.Now().Add(400 * 24 * time.Hour),
		Chain:    tls.Certificate{Certificate: [][]byte{{1, 2, 3}}},
	})
	provider := &fakeProvider{}
	resolver := NewCertResolver(store, provider, discardLogger())

	cert, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "app.test.local"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected a non-nil certificate")
	}
	if provider.acquireHit != 0 {
		t.Errorf("Acquire should not be called for a fresh cached entry, called %d times", provider.acquireHit)
	}
}

// TestGetCertificateAcquiresWhenAbsent covers the "otherwise invoke
// Acquire" branch of spec §4.9.
func TestGetCertificateAcquiresWhenAbsent(t *testing.T) {
	store := certs.NewStore("", discardLogger())
	provider := &fakeProvider{record: certs.CertificateRecord{
		Host:  "new.test.local",
		Chain: tls.Certificate{Certificate: [][]byte{{1, 2, 3}}},
	}}
	resolver := NewCertResolver(store, provider, discardLogger())

	cert, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "new.test.local"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected a non-nil certificate")
	}
	if provider.acquireHit != 1 {
		t.Errorf("Acquire called %d times, want 1", provider.acquireHit)
	}
}

// TestGetCertificateAcquiresWhenNearingExpiry covers the "present but not
// fresh" case: a certificate inside the renewal threshold must still
// trigger acquisition rather than being served stale.
func TestGetCertificateAcquiresWhenNearingExpiry(t *testing.T) {
	store := certs.NewStore("", discardLogger())
	_ = store.Store("stale.test.local", certs.CertificateRecord{
		Host:     "stale.test.local",
		NotAfter: time.Now().Add(10 * 24 * time.Hour), // inside the 30-day renewal threshold
		Chain:    tls.Certificate{Certificate: [][]byte{{1, 2, 3}}},
	})
	provider := &fakeProvider{record: certs.CertificateRecord{
		Host:  "stale.test.local",
		Chain: tls.Certificate{Certificate: [][]byte{{4, 5, 6}}},
	}}
	resolver := NewCertResolver(store, provider, discardLogger())

	if _, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "stale.test.local"}); err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if provider.acquireHit != 1 {
		t.Errorf("Acquire called %d times, want 1", provider.acquireHit)
	}
}

// TestGetCertificateRejectsMissingSNI covers spec §4.9's "if acquisition
// fails or SNI is absent, return 'no certificate'".
func TestGetCertificateRejectsMissingSNI(t *testing.T) {
	store := certs.NewStore("", discardLogger())
	resolver := NewCertResolver(store, &fakeProvider{}, discardLogger())

	if _, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: ""}); err == nil {
		t.Fatal("expected an error when SNI is absent")
	}
}

// TestGetCertificatePropagatesAcquireFailure covers the acquisition
// failure branch of spec §4.9 and §4.7 "Failure semantics".
func TestGetCertificatePropagatesAcquireFailure(t *testing.T) {
	store := certs.NewStore("", discardLogger())
	provider := &fakeProvider{err: errors.New("acme unreachable")}
	resolver := NewCertResolver(store, provider, discardLogger())

	if _, err := resolver.GetCertificate(&tls.ClientHelloInfo{ServerName: "down.test.local"}); err == nil {
		t.Fatal("expected acquisition failure to propagate")
	}
}

// TestServerRunStopsOnContextCancel covers spec §5's shutdown contract:
// the server exits promptly when ctx is cancelled.
func TestServerRunStopsOnContextCancel(t *testing.T) {
	cfg := Config{HTTPAddr: "127.0.0.1:0", HTTPSEnabled: false}
	srv := NewServer(cfg, nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop within timeout")
	}
}
