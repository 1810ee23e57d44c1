// Command harborgate is the container-aware reverse proxy's entry point: it
// wires the Docker observer, the certificate store and provider, the OIDC
// authenticator, and the HTTP(S) front end together and runs them until a
// termination signal arrives (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Steffeeen/HarborGate/internal/auth"
	"github.com/Steffeeen/HarborGate/internal/certs"
	"github.com/Steffeeen/HarborGate/internal/clock"
	"github.com/Steffeeen/HarborGate/internal/config"
	"github.com/Steffeeen/HarborGate/internal/docker"
	"github.com/Steffeeen/HarborGate/internal/logging"
	"github.com/Steffeeen/HarborGate/internal/proxy"
	"github.com/Steffeeen/HarborGate/internal/routing"
	"github.com/Steffeeen/HarborGate/internal/web"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
//
// following the teacher's cmd/sentinel/main.go convention.
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	clog := log.Component("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clog.Info("harborgate starting", "version", versionString(), "label_prefix", cfg.LabelPrefix)

	var dockerTLS *docker.TLSConfig
	if cfg.DockerTLSConfigured() {
		dockerTLS = &docker.TLSConfig{
			CACert:     cfg.DockerTLS.CACert,
			ClientCert: cfg.DockerTLS.ClientCert,
			ClientKey:  cfg.DockerTLS.ClientKey,
		}
	}
	client, err := docker.NewClient(cfg.DockerSock, dockerTLS)
	if err != nil {
		clog.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	clk := clock.Real{}

	table := routing.NewTable(log.Component("route_table"))
	observer := routing.NewObserver(client, table, cfg.LabelPrefix, clk, log.Component("observer"))

	store := certs.NewStore(cfg.CertStoragePath, log.Component("cert_store"))
	if err := store.LoadFromDisk(); err != nil {
		clog.Error("failed to load certificates from disk", "error", err)
		os.Exit(1)
	}

	chals := certs.NewChallengeStore()

	var provider certs.Provider
	switch cfg.CertProvider {
	case config.ProviderLetsEncrypt:
		acmeProvider, acmeErr := certs.NewACMEProvider(certs.ACMEConfig{
			Email:         cfg.ACMEEmail,
			AcceptTOS:     cfg.ACMEAcceptTOS,
			DirectoryURL:  resolveACMEDirectory(cfg),
			SkipTLSVerify: cfg.ACMESkipTLSVerify,
		}, store, chals, clk, log.Component("acme"))
		if acmeErr != nil {
			clog.Error("failed to construct acme provider", "error", acmeErr)
			os.Exit(1)
		}
		provider = acmeProvider
	case config.ProviderSelfSigned:
		provider = certs.NewSelfSignedProvider(store, clk, log.Component("selfsigned"))
	default:
		clog.Error("unknown certificate provider", "provider", cfg.CertProvider)
		os.Exit(1)
	}

	runCertPipeline(ctx, cfg, log, table, store, provider, chals, observer)
}

// resolveACMEDirectory picks the staging directory URL when requested and
// no explicit override is set, matching the teacher's layered
// override-then-default config resolution style.
func resolveACMEDirectory(cfg *config.Config) string {
	if cfg.ACMEDirectoryURL != "" {
		return cfg.ACMEDirectoryURL
	}
	if cfg.ACMEStaging {
		return "https://acme-staging-v02.api.letsencrypt.org/directory"
	}
	return "https://acme-v02.api.letsencrypt.org/directory"
}

// renewalInterval converts the optional cron override into a plain
// duration for certs.RenewalLoop: internal/config validates the expression
// with robfig/cron the same way the teacher validates its scan schedule in
// internal/web/api_settings.go, but RenewalLoop (like the teacher's own
// Scheduler) only ever runs off a plain interval. schedule.Next(now) gives
// the time until the override's next scheduled firing, which becomes the
// loop's fixed polling interval; a zero return defers to RenewalLoop's own
// default.
func renewalInterval(cfg *config.Config, now time.Time) time.Duration {
	expr := cfg.RenewalSchedule()
	if expr == "" {
		return 0
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return 0
	}
	return schedule.Next(now).Sub(now)
}

// runCertPipeline wires the observer, renewal loop, OIDC authenticator, and
// HTTP(S) front end, then blocks until ctx is cancelled.
func runCertPipeline(
	ctx context.Context,
	cfg *config.Config,
	log *logging.Logger,
	table *routing.Table,
	store *certs.Store,
	provider certs.Provider,
	chals *certs.ChallengeStore,
	observer *routing.Observer,
) {
	clog := log.Component("main")

	renewalLoop := certs.NewRenewalLoop(store, provider, clock.Real{}, log.Component("renewal"), renewalInterval(cfg, time.Now()))

	var authenticator *auth.Authenticator
	if cfg.OIDCEnabled {
		key, keyErr := auth.GenerateKey()
		if keyErr != nil {
			clog.Error("failed to generate session cipher key", "error", keyErr)
			os.Exit(1)
		}
		cipher, cipherErr := auth.NewCookieCipher(key)
		if cipherErr != nil {
			clog.Error("failed to construct session cipher", "error", cipherErr)
			os.Exit(1)
		}
		a, authErr := auth.New(ctx, auth.Config{
			Authority:            cfg.OIDCAuthority,
			ClientID:             cfg.OIDCClientID,
			ClientSecret:         cfg.OIDCClientSecret,
			PublicOrigin:         cfg.PublicOrigin,
			CallbackPath:         cfg.OIDCCallbackPath,
			RoleClaimType:        cfg.OIDCRoleClaimType,
			RequireHTTPSMetadata: cfg.OIDCRequireHTTPSMetadata,
			SaveTokens:           cfg.OIDCSaveTokens,
		}, cipher, log.Component("oidc"))
		if authErr != nil {
			clog.Error("oidc discovery failed", "error", authErr)
			os.Exit(1)
		}
		authenticator = a
		clog.Info("oidc authentication enabled", "authority", cfg.OIDCAuthority)
	}

	reverseProxy := proxy.NewReverseProxy(table, log.Component("proxy"))
	pipeline := proxy.NewPipeline(proxy.PipelineConfig{
		ServiceName:         "harborgate",
		Version:             versionString(),
		HTTPSEnabled:        cfg.HTTPSEnabled,
		HTTPSPort:           cfg.HTTPSPort,
		RedirectHTTPToHTTPS: cfg.RedirectHTTPToHTTPS,
		OIDCEnabled:         cfg.OIDCEnabled,
	}, table, chals, authenticator, reverseProxy, log.Component("pipeline"), time.Now())

	var resolver *web.CertResolver
	if cfg.HTTPSEnabled {
		resolver = web.NewCertResolver(store, provider, log.Component("tls"))
	}

	server := web.NewServer(web.Config{
		HTTPAddr:     ":" + cfg.HTTPPort,
		HTTPSAddr:    ":" + cfg.HTTPSPort,
		HTTPSEnabled: cfg.HTTPSEnabled,
	}, pipeline, resolver, log.Component("web"))

	go func() {
		if err := observer.Run(ctx); err != nil {
			clog.Error("observer exited with error", "error", err)
		}
	}()
	go renewalLoop.Run(ctx)

	clog.Info("harborgate started",
		"http_addr", ":"+cfg.HTTPPort,
		"https_enabled", cfg.HTTPSEnabled,
		"https_addr", ":"+cfg.HTTPSPort,
		"cert_provider", cfg.CertProvider,
		"oidc_enabled", cfg.OIDCEnabled,
	)

	if err := server.Run(ctx); err != nil {
		clog.Error("harborgate exited with error", "error", err)
		os.Exit(1)
	}

	clog.Info("harborgate shutdown complete")
}
