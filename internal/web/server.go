// Package web binds the plaintext and TLS listeners and drives the SNI
// certificate callback (spec §4.9 "TLS Front-End"), following the
// teacher's internal/web/server.go ListenAndServe/Shutdown shape.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Steffeeen/HarborGate/internal/certs"
)

// readTimeout/idleTimeout mirror the teacher's http.Server tuning
// (internal/web/server.go ListenAndServe); WriteTimeout is left at zero
// since WebSocket-upgraded connections are long-lived; the reverse proxy
// bounds only the backend dial of such a connection, not its lifetime.
const (
	readTimeout = 30 * time.Second
	idleTimeout = 120 * time.Second
)

// drainTimeout bounds how long in-flight requests are given to complete
// during shutdown (spec §5 "Cancellation").
const drainTimeout = 15 * time.Second

// Config carries the listener addresses and feature toggles the Server
// needs (spec §4.9, §6 "Network listeners").
type Config struct {
	HTTPAddr     string
	HTTPSAddr    string
	HTTPSEnabled bool
}

// CertResolver is the SNI-driven lookup-then-acquire path consulted by
// tls.Config.GetCertificate (spec §4.9).
type CertResolver struct {
	store    *certs.Store
	provider certs.Provider
	log      *slog.Logger
}

// NewCertResolver builds a CertResolver over store and provider.
func NewCertResolver(store *certs.Store, provider certs.Provider, log *slog.Logger) *CertResolver {
	return &CertResolver{store: store, provider: provider, log: log}
}

// GetCertificate implements spec §4.9's synchronous SNI callback: look up
// a fresh certificate in the store first, otherwise block the handshake on
// Acquire. Returning an error aborts the handshake, which is the documented
// behaviour when SNI is absent or acquisition fails.
func (r *CertResolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("tls: no SNI server name presented")
	}

	if record, ok := r.store.Get(host); ok && record.Fresh(time.Now()) {
		return &record.Chain, nil
	}

	record, err := r.provider.Acquire(hello.Context(), host)
	if err != nil {
		r.log.Warn("certificate acquisition failed", "host", host, "error", err, "component", "tls_frontend")
		return nil, err
	}
	return &record.Chain, nil
}

// Server binds the plaintext and TLS listeners described in spec §4.9 and
// serves handler on both.
type Server struct {
	cfg      Config
	handler  http.Handler
	resolver *CertResolver
	log      *slog.Logger

	httpServer  *http.Server
	httpsServer *http.Server
}

// NewServer builds a Server. resolver may be nil when HTTPS is disabled.
func NewServer(cfg Config, handler http.Handler, resolver *CertResolver, log *slog.Logger) *Server {
	return &Server{cfg: cfg, handler: handler, resolver: resolver, log: log}
}

// Run binds both listeners and blocks until ctx is cancelled, then drains
// in-flight requests up to drainTimeout before returning (spec §5
// "Cancellation": "the observer and renewal loop exit promptly; in-flight
// requests are allowed to complete up to a drain timeout"). The listeners
// are bound inside Run's own goroutines and Run gives the caller no signal
// once they are bound; cmd/harborgate starts the observer and renewal loop
// before calling Run, so those may begin before either listener is bound.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.HTTPAddr,
		Handler:     s.handler,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	// errCh only ever receives a listener's terminal error (ErrServerClosed
	// is swallowed); a graceful Shutdown never sends here, so the select
	// below blocks on ctx.Done() for the common case.
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("http listener started", "addr", s.cfg.HTTPAddr, "component", "web")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if s.cfg.HTTPSEnabled {
		s.httpsServer = &http.Server{
			Addr:        s.cfg.HTTPSAddr,
			Handler:     s.handler,
			ReadTimeout: readTimeout,
			IdleTimeout: idleTimeout,
			TLSConfig: &tls.Config{
				GetCertificate: s.resolver.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		}
		go func() {
			s.log.Info("https listener started", "addr", s.cfg.HTTPSAddr, "component", "web")
			if err := s.httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https listener: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		_ = s.Shutdown()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains both listeners with a bounded timeout.
func (s *Server) Shutdown() error {
	shutCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("https shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
