package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Steffeeen/HarborGate/internal/auth"
	"github.com/Steffeeen/HarborGate/internal/certs"
	"github.com/Steffeeen/HarborGate/internal/routing"
)

// acmeChallengePrefix is the well-known HTTP-01 path prefix (spec §4.5,
// §4.10 step 2).
const acmeChallengePrefix = "/.well-known/acme-challenge/"

// healthPath never passes through the redirect or auth layers (spec §4.10
// steps 1 and 3).
const healthPath = "/_health"

// PipelineConfig carries the subset of config the ordered middleware needs
// (spec §4.10).
type PipelineConfig struct {
	ServiceName         string
	Version             string
	HTTPSEnabled        bool
	HTTPSPort           string
	RedirectHTTPToHTTPS bool
	OIDCEnabled         bool
}

// Pipeline wires the ordered middleware layers described in spec §4.10 into
// a single http.Handler: HTTPS redirect, ACME responder, health endpoint,
// conditional auth, then the reverse proxy.
type Pipeline struct {
	cfg     PipelineConfig
	table   *routing.Table
	chals   *certs.ChallengeStore
	authn   *auth.Authenticator
	proxy   *ReverseProxy
	log     *slog.Logger
	started time.Time
}

// NewPipeline assembles the Pipeline. authn may be nil when OIDC is
// disabled; the conditional-auth layer is then always skipped.
func NewPipeline(cfg PipelineConfig, table *routing.Table, chals *certs.ChallengeStore, authn *auth.Authenticator, proxy *ReverseProxy, log *slog.Logger, startedAt time.Time) *Pipeline {
	return &Pipeline{cfg: cfg, table: table, chals: chals, authn: authn, proxy: proxy, log: log, started: startedAt}
}

// ServeHTTP runs the ordered middleware chain for every request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.redirectToHTTPS(w, r) {
		return
	}
	if p.serveACMEChallenge(w, r) {
		return
	}
	if r.URL.Path == healthPath && r.Method == http.MethodGet {
		p.serveHealth(w, r)
		return
	}
	if p.cfg.OIDCEnabled && p.authn != nil && r.URL.Path == p.authn.CallbackPath() {
		p.handleCallback(w, r)
		return
	}
	if p.cfg.OIDCEnabled && p.authn != nil {
		if p.enforceAuth(w, r) {
			return
		}
	}
	p.proxy.ServeHTTP(w, r)
}

// redirectToHTTPS implements spec §4.10 step 1.
func (p *Pipeline) redirectToHTTPS(w http.ResponseWriter, r *http.Request) bool {
	if !p.cfg.HTTPSEnabled || !p.cfg.RedirectHTTPToHTTPS || r.TLS != nil {
		return false
	}
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) || r.URL.Path == healthPath {
		return false
	}

	host := stripPort(r.Host)
	if p.cfg.HTTPSPort != "" && p.cfg.HTTPSPort != "443" {
		host = host + ":" + p.cfg.HTTPSPort
	}
	target := "https://" + host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
	return true
}

// serveACMEChallenge implements spec §4.10 step 2 / §4.5.
func (p *Pipeline) serveACMEChallenge(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		return false
	}
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	keyAuth, ok := p.chals.Get(token)
	if !ok {
		http.NotFound(w, r)
		return true
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(keyAuth))
	return true
}

type healthResponse struct {
	Service       string `json:"service"`
	Status        string `json:"status"`
	Version       string `json:"version"`
	HTTPS         bool   `json:"https"`
	OIDC          bool   `json:"oidc"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RouteCount    int    `json:"route_count"`
}

// serveHealth implements spec §4.10 step 3, extended with uptime_seconds
// and route_count.
func (p *Pipeline) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Service:       p.cfg.ServiceName,
		Status:        "running",
		Version:       p.cfg.Version,
		HTTPS:         p.cfg.HTTPSEnabled,
		OIDC:          p.cfg.OIDCEnabled,
		UptimeSeconds: int64(time.Since(p.started).Seconds()),
		RouteCount:    len(p.table.Snapshot().ByHost),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

type forbiddenBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// enforceAuth implements spec §4.10 step 4. It returns true if it has fully
// handled the response (redirect or 403), false if the request should fall
// through to the proxy.
func (p *Pipeline) enforceAuth(w http.ResponseWriter, r *http.Request) bool {
	host := stripPort(r.Host)
	route, ok := p.table.Snapshot().ByHost[host]
	if !ok {
		return false
	}
	if !route.AuthRequired {
		return false
	}

	session, err := p.authn.DecodeSession(auth.CookieValue(r))
	if err != nil {
		p.challengeLogin(w, r)
		return true
	}

	if !auth.Authorized(route.RequiredRoles, session.Roles) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(forbiddenBody{
			Error:   "Forbidden",
			Message: "You do not have the required roles to access this resource.",
		})
		return true
	}
	return false
}

// challengeLogin redirects the client into the OIDC authorization-code flow
// (spec §4.11 "Challenge"), tying the random state to the originally
// requested URL via the state cookie.
func (p *Pipeline) challengeLogin(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		p.log.Warn("failed to generate oidc state", "error", err, "component", "pipeline")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	auth.SetStateCookie(w, state, r.URL.RequestURI(), r.TLS != nil)
	http.Redirect(w, r, p.authn.AuthorizationURL(state), http.StatusFound)
}

// handleCallback implements spec §4.11 "Callback": exchange the code,
// validate state, establish the session cookie, and send the client back
// to the originally requested URL.
func (p *Pipeline) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	returnPath, ok := auth.ReadAndClearStateCookie(w, r, state)
	if !ok {
		http.Error(w, "invalid oidc state", http.StatusBadRequest)
		return
	}

	session, err := p.authn.Callback(r.Context(), code)
	if err != nil {
		p.log.Warn("oidc callback failed", "error", err, "component", "pipeline")
		http.Error(w, "authentication failed", http.StatusBadGateway)
		return
	}

	if err := p.authn.WriteSessionCookie(w, r, session); err != nil {
		p.log.Warn("failed to write session cookie", "error", err, "component", "pipeline")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if returnPath == "" {
		returnPath = "/"
	}
	http.Redirect(w, r, returnPath, http.StatusFound)
}
