package certs

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// pfxPassword matches spec §6: PKCS#12 archives are written with an empty
// password; the filesystem permission bits are the access control.
const pfxPassword = ""

// Store is the in-memory host -> CertificateRecord cache with optional
// PKCS#12 on-disk persistence (spec §4.6, §6).
type Store struct {
	mu          sync.RWMutex
	records     map[string]CertificateRecord
	storagePath string
	log         *slog.Logger
}

// NewStore creates a Store backed by storagePath. If storagePath is
// non-empty, LoadFromDisk should be called once at startup to populate the
// in-memory map from existing archives.
func NewStore(storagePath string, log *slog.Logger) *Store {
	return &Store{records: make(map[string]CertificateRecord), storagePath: storagePath, log: log}
}

// LoadFromDisk enumerates storagePath for *.pfx archives and populates the
// in-memory map (spec §3 "Lifecycles", §4.6 "On process start"). A record
// past its NotAfter is still loaded — callers get it marked expired via
// Get's absent-on-expiry rule, not silently dropped from disk.
func (s *Store) LoadFromDisk() error {
	if s.storagePath == "" {
		return nil
	}
	entries, err := os.ReadDir(s.storagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cert storage dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pfx") {
			continue
		}
		path := filepath.Join(s.storagePath, entry.Name())
		record, err := loadPFX(path)
		if err != nil {
			s.log.Warn("failed to load certificate archive, skipping", "path", path, "error", err, "component", "cert_store")
			continue
		}
		s.records[record.Host] = record
	}
	return nil
}

func loadPFX(path string) (CertificateRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CertificateRecord{}, err
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(data, pfxPassword)
	if err != nil {
		return CertificateRecord{}, fmt.Errorf("decode pkcs12: %w", err)
	}

	chain := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}
	for _, ca := range caCerts {
		chain.Certificate = append(chain.Certificate, ca.Raw)
	}

	host := cert.Subject.CommonName
	if len(cert.DNSNames) > 0 {
		host = cert.DNSNames[0]
	}

	return CertificateRecord{
		Host:     host,
		Chain:    chain,
		IssuedAt: cert.NotBefore,
		NotAfter: cert.NotAfter,
		Origin:   OriginLoaded,
	}, nil
}

// Store replaces the record for host and, if storagePath is configured,
// writes it as a PKCS#12 archive (spec §4.6).
func (s *Store) Store(host string, record CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[host] = record
	s.log.Info("certificate stored", "host", host, "origin", record.Origin, "not_after", record.NotAfter, "component", "cert_store")

	if s.storagePath == "" {
		return nil
	}
	return s.writePFX(host, record)
}

func (s *Store) writePFX(host string, record CertificateRecord) error {
	if err := os.MkdirAll(s.storagePath, 0700); err != nil {
		return fmt.Errorf("create cert storage dir: %w", err)
	}

	leaf := record.Chain.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(record.Chain.Certificate[0])
		if err != nil {
			return fmt.Errorf("parse leaf certificate: %w", err)
		}
		leaf = parsed
	}

	var caCerts []*x509.Certificate
	for _, der := range record.Chain.Certificate[1:] {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("parse chain certificate: %w", err)
		}
		caCerts = append(caCerts, ca)
	}

	data, err := pkcs12.Encode(rand.Reader, record.Chain.PrivateKey, leaf, caCerts, pfxPassword)
	if err != nil {
		return fmt.Errorf("encode pkcs12: %w", err)
	}

	path := filepath.Join(s.storagePath, sanitize(host)+".pfx")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write cert archive %s: %w", path, err)
	}
	return nil
}

// Get returns the record for host, or false if absent or expired (spec
// §4.6 "returns absent if the record is expired").
func (s *Store) Get(host string) (CertificateRecord, bool) {
	return s.getAt(host, time.Now())
}

func (s *Store) getAt(host string, now time.Time) (CertificateRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[host]
	if !ok || record.Expired(now) {
		return CertificateRecord{}, false
	}
	return record, true
}

// Hosts returns every host currently tracked, expired or not — used by the
// renewal loop (C8), which must still be able to renew an expired record.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]string, 0, len(s.records))
	for host := range s.records {
		hosts = append(hosts, host)
	}
	return hosts
}

// sanitize replaces filesystem-invalid characters with '_'. It is
// deterministic and collision-free over the set of legal DNS hostnames
// (spec §4.6): the only characters a DNS hostname may contain are
// letters, digits, '-', and '.', none of which this function rewrites.
func sanitize(host string) string {
	var b strings.Builder
	b.Grow(len(host))
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
