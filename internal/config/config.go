// Package config loads HarborGate's configuration from environment
// variables, following the teacher's env-var Config/Load/Validate pattern.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/robfig/cron/v3"
)

// CertProvider selects which certificate provider issues host certificates.
type CertProvider string

const (
	ProviderSelfSigned  CertProvider = "SelfSigned"
	ProviderLetsEncrypt CertProvider = "LetsEncrypt"
)

// Config holds all HarborGate configuration from environment variables.
// The renewal schedule override is the one runtime-mutable field; it is
// guarded by mu so that SetRenewalSchedule may change it while other
// goroutines read it. cmd/harborgate reads it once at startup to size the
// renewal loop's interval.
type Config struct {
	// Docker engine connection.
	DockerSock string
	DockerTLS  DockerTLSConfig

	// Label prefix recognised on container metadata (spec §4.1/§6).
	LabelPrefix string

	// Network listeners.
	HTTPPort  string
	HTTPSPort string

	HTTPSEnabled        bool
	RedirectHTTPToHTTPS bool

	// Certificates.
	CertStoragePath   string
	CertProvider      CertProvider
	ACMEEmail         string
	ACMEAcceptTOS     bool
	ACMEStaging       bool
	ACMEDirectoryURL  string
	ACMESkipTLSVerify bool

	// OIDC.
	OIDCEnabled              bool
	OIDCAuthority            string
	OIDCClientID             string
	OIDCClientSecret         string
	OIDCCallbackPath         string
	OIDCRoleClaimType        string
	OIDCRequireHTTPSMetadata bool
	OIDCSaveTokens           bool
	PublicOrigin             string

	LogJSON bool

	mu              sync.RWMutex
	renewalSchedule string // optional cron override for the renewal loop
}

// DockerTLSConfig holds paths to TLS certificates for connecting to a
// Docker socket proxy or remote Docker daemon over mTLS.
type DockerTLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DockerSock: envStr("HARBORGATE_DOCKER_SOCK", "/var/run/docker.sock"),
		DockerTLS: DockerTLSConfig{
			CACert:     envStr("HARBORGATE_DOCKER_TLS_CA", ""),
			ClientCert: envStr("HARBORGATE_DOCKER_TLS_CERT", ""),
			ClientKey:  envStr("HARBORGATE_DOCKER_TLS_KEY", ""),
		},
		LabelPrefix: envStr("HARBORGATE_LABEL_PREFIX", "harborgate"),

		HTTPPort:            envStr("HARBORGATE_HTTP_PORT", "80"),
		HTTPSPort:           envStr("HARBORGATE_HTTPS_PORT", "443"),
		HTTPSEnabled:        envBool("HARBORGATE_HTTPS_ENABLED", true),
		RedirectHTTPToHTTPS: envBool("HARBORGATE_REDIRECT_HTTP_TO_HTTPS", true),

		CertStoragePath:   envStr("HARBORGATE_CERT_STORAGE_PATH", "/data/certs"),
		CertProvider:      CertProvider(envStr("HARBORGATE_CERT_PROVIDER", string(ProviderSelfSigned))),
		ACMEEmail:         envStr("HARBORGATE_ACME_EMAIL", ""),
		ACMEAcceptTOS:     envBool("HARBORGATE_ACME_ACCEPT_TOS", false),
		ACMEStaging:       envBool("HARBORGATE_ACME_STAGING", false),
		ACMEDirectoryURL:  envStr("HARBORGATE_ACME_DIRECTORY_URL", ""),
		ACMESkipTLSVerify: envBool("HARBORGATE_ACME_SKIP_TLS_VERIFY", false),

		OIDCEnabled:              envBool("HARBORGATE_OIDC_ENABLED", false),
		OIDCAuthority:            envStr("HARBORGATE_OIDC_AUTHORITY", ""),
		OIDCClientID:             envStr("HARBORGATE_OIDC_CLIENT_ID", ""),
		OIDCClientSecret:         envStr("HARBORGATE_OIDC_CLIENT_SECRET", ""),
		OIDCCallbackPath:         envStr("HARBORGATE_OIDC_CALLBACK_PATH", "/signin-oidc"),
		OIDCRoleClaimType:        envStr("HARBORGATE_OIDC_ROLE_CLAIM_TYPE", "roles"),
		OIDCRequireHTTPSMetadata: envBool("HARBORGATE_OIDC_REQUIRE_HTTPS_METADATA", true),
		OIDCSaveTokens:           envBool("HARBORGATE_OIDC_SAVE_TOKENS", false),
		PublicOrigin:             envStr("HARBORGATE_PUBLIC_ORIGIN", ""),

		LogJSON: envBool("HARBORGATE_LOG_JSON", true),

		renewalSchedule: envStr("HARBORGATE_RENEWAL_SCHEDULE", ""),
	}
}

// Validate checks configuration for invalid values, matching spec §6 exit
// codes: TOS not accepted while ACME selected and OIDC misconfiguration are
// both fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.CertProvider != ProviderSelfSigned && c.CertProvider != ProviderLetsEncrypt {
		errs = append(errs, fmt.Errorf("HARBORGATE_CERT_PROVIDER must be SelfSigned or LetsEncrypt, got %q", c.CertProvider))
	}
	if c.CertProvider == ProviderLetsEncrypt {
		if c.ACMEEmail == "" {
			errs = append(errs, errors.New("HARBORGATE_ACME_EMAIL is required when HARBORGATE_CERT_PROVIDER=LetsEncrypt"))
		}
		if !c.ACMEAcceptTOS {
			errs = append(errs, errors.New("HARBORGATE_ACME_ACCEPT_TOS must be true when HARBORGATE_CERT_PROVIDER=LetsEncrypt"))
		}
	}
	if c.OIDCEnabled {
		if c.OIDCAuthority == "" {
			errs = append(errs, errors.New("HARBORGATE_OIDC_AUTHORITY is required when HARBORGATE_OIDC_ENABLED=true"))
		}
		if c.OIDCClientID == "" {
			errs = append(errs, errors.New("HARBORGATE_OIDC_CLIENT_ID is required when HARBORGATE_OIDC_ENABLED=true"))
		}
		if c.PublicOrigin == "" {
			errs = append(errs, errors.New("HARBORGATE_PUBLIC_ORIGIN is required when HARBORGATE_OIDC_ENABLED=true"))
		}
	}
	if rs := c.RenewalSchedule(); rs != "" {
		if _, err := parseCronForValidation(rs); err != nil {
			errs = append(errs, fmt.Errorf("HARBORGATE_RENEWAL_SCHEDULE is invalid: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RenewalSchedule returns the current renewal-loop cron override (thread-safe).
func (c *Config) RenewalSchedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.renewalSchedule
}

// SetRenewalSchedule updates the renewal-loop cron override at runtime.
func (c *Config) SetRenewalSchedule(s string) {
	c.mu.Lock()
	c.renewalSchedule = s
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// DockerTLSConfigured reports whether all three mTLS material paths are set.
func (c *Config) DockerTLSConfigured() bool {
	return c.DockerTLS.CACert != "" && c.DockerTLS.ClientCert != "" && c.DockerTLS.ClientKey != ""
}

// parseCronForValidation validates an optional cron override for the
// renewal loop's schedule, the same way the teacher validates its scan
// schedule in internal/web/api_settings.go.
func parseCronForValidation(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}
