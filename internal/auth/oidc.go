package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// discoveryDeadline bounds the startup discovery call (spec §4.11
// "≤ 30 s deadline").
const discoveryDeadline = 30 * time.Second

// sessionLifetime is how long an established session remains valid.
const sessionLifetime = 12 * time.Hour

// Config carries everything the Authenticator needs to validate discovery
// and drive the authorization-code flow (spec §4.11, §6).
type Config struct {
	Authority            string
	ClientID             string
	ClientSecret         string
	PublicOrigin         string
	CallbackPath         string // default "/signin-oidc"
	RoleClaimType        string // default "roles"
	RequireHTTPSMetadata bool
	SaveTokens           bool
}

// providerMetadata is the subset of the discovery document spec §4.11
// requires present and non-empty.
type providerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Authenticator implements the OIDC authorization-code flow, role
// extraction, and session issuance (spec §4.11). Grounded on the teacher's
// OIDCProvider (internal/auth/oidc.go): discovery via
// github.com/coreos/go-oidc/v3, an oauth2.Config for the code exchange,
// and an ID-token verifier scoped to the configured client ID. Unlike the
// teacher, there is no local user store to auto-create into — the session
// is built directly from the verified claims.
type Authenticator struct {
	cfg      Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
	cipher   *CookieCipher
	log      *slog.Logger
}

// New validates discovery and constructs an Authenticator. It is fatal to
// process start if discovery fails or the document is missing required
// fields (spec §4.11, §7 "Configuration" category).
func New(ctx context.Context, cfg Config, cipher *CookieCipher, log *slog.Logger) (*Authenticator, error) {
	issuerURL, err := url.Parse(cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("oidc: invalid authority url: %w", err)
	}
	if issuerURL.Scheme != "https" && !cfg.RequireHTTPSMetadata {
		log.Warn("OIDC authority is not https", "authority", cfg.Authority, "component", "oidc")
	} else if issuerURL.Scheme != "https" && cfg.RequireHTTPSMetadata {
		return nil, fmt.Errorf("oidc: authority %q is not https and the https-metadata requirement is not overridden", cfg.Authority)
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, discoveryDeadline)
	defer cancel()

	provider, err := oidc.NewProvider(discoveryCtx, cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("oidc: discovery failed: %w", err)
	}

	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("oidc: parse discovery document: %w", err)
	}
	if meta.Issuer == "" || meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" ||
		meta.UserinfoEndpoint == "" || meta.JWKSURI == "" {
		return nil, fmt.Errorf("oidc: discovery document is missing required fields")
	}

	callbackPath := cfg.CallbackPath
	if callbackPath == "" {
		callbackPath = "/signin-oidc"
	}

	oauth2Cfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  strings.TrimRight(cfg.PublicOrigin, "/") + callbackPath,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	return &Authenticator{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2:   oauth2Cfg,
		cipher:   cipher,
		log:      log,
	}, nil
}

// CallbackPath returns the configured (or defaulted) OIDC callback path.
func (a *Authenticator) CallbackPath() string {
	if a.cfg.CallbackPath == "" {
		return "/signin-oidc"
	}
	return a.cfg.CallbackPath
}

// AuthorizationURL builds the redirect target for step "Challenge" (spec
// §4.11). The caller is responsible for tying state back to the original
// URL via SetStateCookie.
func (a *Authenticator) AuthorizationURL(state string) string {
	return a.oauth2.AuthCodeURL(state)
}

// GenerateState creates a random opaque state token (spec §4.11
// "Challenge"), following the teacher's GenerateOIDCState.
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate oidc state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Callback exchanges code for tokens, verifies the ID token, extracts
// roles, and returns a ready-to-encode Session (spec §4.11 "Callback").
func (a *Authenticator) Callback(ctx context.Context, code string) (Session, error) {
	token, err := a.oauth2.Exchange(ctx, code)
	if err != nil {
		return Session{}, fmt.Errorf("oidc: token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return Session{}, fmt.Errorf("oidc: no id_token in token response")
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Session{}, fmt.Errorf("oidc: id token verification failed: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return Session{}, fmt.Errorf("oidc: parse claims: %w", err)
	}

	now := time.Now()
	return Session{
		Subject:   idToken.Subject,
		Name:      claimString(claims, "name"),
		Roles:     a.extractRoles(claims),
		IssuedAt:  now,
		ExpiresAt: now.Add(sessionLifetime),
	}, nil
}

// extractRoles reads the configured role-claim type, falling back to the
// standard "roles" claim if the configured one is absent (spec §4.11
// "also accept the standard role claim as fallback").
func (a *Authenticator) extractRoles(claims map[string]interface{}) []string {
	claimType := a.cfg.RoleClaimType
	if claimType == "" {
		claimType = "roles"
	}

	if roles := claimStrings(claims, claimType); len(roles) > 0 {
		return roles
	}
	if claimType != "roles" {
		return claimStrings(claims, "roles")
	}
	return nil
}

func claimString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func claimStrings(claims map[string]interface{}, key string) []string {
	switch v := claims[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// EncodeSession encrypts s into a cookie value.
func (a *Authenticator) EncodeSession(s Session) (string, error) {
	return a.cipher.Encode(s)
}

// DecodeSession decrypts and validates a cookie value.
func (a *Authenticator) DecodeSession(value string) (Session, error) {
	return a.cipher.Decode(value, time.Now())
}

// WriteSessionCookie sets the encrypted session cookie, Secure iff the
// request arrived over TLS (spec §4.11).
func (a *Authenticator) WriteSessionCookie(w http.ResponseWriter, r *http.Request, s Session) error {
	encoded, err := a.EncodeSession(s)
	if err != nil {
		return err
	}
	SetCookie(w, encoded, s.ExpiresAt, r.TLS != nil)
	return nil
}
