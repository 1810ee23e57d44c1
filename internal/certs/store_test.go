package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"app1.test.local", "app1.test.local"},
		{"app_2.test.local", "app_2.test.local"},
		{"weird/host:name", "weird_host_name"},
		{"a..b", "a..b"},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeCollisionFree(t *testing.T) {
	hosts := []string{"app1.test.local", "app2.test.local", "sub.domain.test.local"}
	seen := map[string]string{}
	for _, h := range hosts {
		s := sanitize(h)
		if other, ok := seen[s]; ok && other != h {
			t.Fatalf("sanitize collision: %q and %q both map to %q", h, other, s)
		}
		seen[s] = h
	}
}

// TestStoreGetExpired covers testable property 5: Get never returns an
// expired record.
func TestStoreGetExpired(t *testing.T) {
	store := NewStore("", discardLogger())

	cert, key := selfSignedTestCert(t, "expired.test.local", time.Now().Add(-time.Hour))
	_ = store.Store("expired.test.local", CertificateRecord{
		Host:     "expired.test.local",
		Chain:    tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert},
		NotAfter: cert.NotAfter,
		Origin:   OriginSelfSigned,
	})

	if _, ok := store.Get("expired.test.local"); ok {
		t.Fatalf("expected expired record to be absent")
	}
}

func TestStoreGetFresh(t *testing.T) {
	store := NewStore("", discardLogger())

	cert, key := selfSignedTestCert(t, "fresh.test.local", time.Now().Add(90*24*time.Hour))
	_ = store.Store("fresh.test.local", CertificateRecord{
		Host:     "fresh.test.local",
		Chain:    tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key, Leaf: cert},
		NotAfter: cert.NotAfter,
		Origin:   OriginSelfSigned,
	})

	record, ok := store.Get("fresh.test.local")
	if !ok {
		t.Fatalf("expected fresh record to be present")
	}
	if record.Host != "fresh.test.local" {
		t.Errorf("Host = %q", record.Host)
	}
}

func selfSignedTestCert(t *testing.T, host string, notAfter time.Time) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("generate test serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    notAfter.Add(-selfSignedValidity),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create test certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse test certificate: %v", err)
	}
	return cert, key
}
