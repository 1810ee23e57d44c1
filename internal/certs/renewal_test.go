package certs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// countingProvider wraps a Provider, counting Renew calls — used to assert
// renewal idempotence without depending on disk I/O side effects.
type countingProvider struct {
	Provider
	renewCalls atomic.Int32
	needs      bool
	failHost   string // Renew returns an error for this host
}

func (p *countingProvider) NeedsRenewal(ctx context.Context, host string) (bool, error) {
	return p.needs, nil
}

func (p *countingProvider) Renew(ctx context.Context, host string) (CertificateRecord, error) {
	p.renewCalls.Add(1)
	if host == p.failHost {
		return CertificateRecord{}, errors.New("renewal failed")
	}
	return CertificateRecord{Host: host, Origin: OriginSelfSigned}, nil
}

// TestRenewalLoopIdempotence covers testable property 6: running the
// renewal pass twice without anything becoming due produces no further
// renewals the second time.
func TestRenewalLoopIdempotence(t *testing.T) {
	store := NewStore("", discardLogger())
	_ = store.Store("app.test.local", CertificateRecord{Host: "app.test.local", NotAfter: time.Now().Add(400 * 24 * time.Hour)})

	provider := &countingProvider{needs: false}
	loop := NewRenewalLoop(store, provider, fixedClock{now: time.Now()}, discardLogger(), time.Hour)

	loop.runOnce(context.Background())
	loop.runOnce(context.Background())

	if got := provider.renewCalls.Load(); got != 0 {
		t.Errorf("renewCalls = %d, want 0 when nothing is due", got)
	}
}

func TestRenewalLoopRenewsDueHosts(t *testing.T) {
	store := NewStore("", discardLogger())
	_ = store.Store("app.test.local", CertificateRecord{Host: "app.test.local", NotAfter: time.Now().Add(time.Hour)})

	provider := &countingProvider{needs: true}
	loop := NewRenewalLoop(store, provider, fixedClock{now: time.Now()}, discardLogger(), time.Hour)

	loop.runOnce(context.Background())

	if got := provider.renewCalls.Load(); got != 1 {
		t.Errorf("renewCalls = %d, want 1", got)
	}
}

func TestRenewalLoopSkipsFailuresAndContinues(t *testing.T) {
	store := NewStore("", discardLogger())
	_ = store.Store("a.test.local", CertificateRecord{Host: "a.test.local", NotAfter: time.Now().Add(time.Hour)})
	_ = store.Store("b.test.local", CertificateRecord{Host: "b.test.local", NotAfter: time.Now().Add(time.Hour)})

	provider := &countingProvider{needs: true, failHost: "a.test.local"}
	loop := NewRenewalLoop(store, provider, fixedClock{now: time.Now()}, discardLogger(), time.Hour)
	loop.runOnce(context.Background())

	if got := provider.renewCalls.Load(); got != 2 {
		t.Errorf("renewCalls = %d, want 2 (both hosts attempted)", got)
	}
}
