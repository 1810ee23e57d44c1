// Package proxy implements the request pipeline (C10) and the reverse
// proxy engine with WebSocket transparency (C12).
package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/Steffeeen/HarborGate/internal/routing"
)

// websocketDialTimeout bounds the backend TCP dial for an upgraded
// connection.
const websocketDialTimeout = 10 * time.Second

// ReverseProxy resolves the request Host against a routing.Table snapshot
// and forwards to the corresponding backend, splicing WebSocket upgrades
// at the raw TCP level (spec §4.12). Grounded on the gateway server's
// proxyRequest/proxyWebSocket pair: httputil.NewSingleHostReverseProxy for
// plain HTTP, a hijack-and-splice goroutine pair for upgrades.
type ReverseProxy struct {
	table *routing.Table
	log   *slog.Logger
}

// NewReverseProxy creates a ReverseProxy reading routes from table.
func NewReverseProxy(table *routing.Table, log *slog.Logger) *ReverseProxy {
	return &ReverseProxy{table: table, log: log}
}

// ServeHTTP implements step 5 of the request pipeline (spec §4.10, §4.12).
func (p *ReverseProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)
	route, ok := p.table.Snapshot().ByHost[host]
	if !ok {
		http.NotFound(w, r)
		return
	}

	backendAddr := fmt.Sprintf("%s:%d", route.Backend.Address, route.Backend.Port)

	if isWebSocketUpgrade(r) {
		p.proxyWebSocket(w, r, backendAddr)
		return
	}

	target := &url.URL{Scheme: route.Backend.Scheme, Host: backendAddr}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = p.errorHandler(route.Host)

	// httputil.ReverseProxy appends the client address to X-Forwarded-For
	// itself, so the incoming value is restored after setForwardedHeaders
	// to keep the address from being added twice.
	prior, hadPrior := r.Header["X-Forwarded-For"]
	setForwardedHeaders(r)
	if hadPrior {
		r.Header["X-Forwarded-For"] = prior
	} else {
		r.Header.Del("X-Forwarded-For")
	}
	rp.ServeHTTP(w, r)
}

func (p *ReverseProxy) errorHandler(host string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errorIsTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		p.log.Warn("upstream request failed", "host", host, "error", err, "status", status, "component", "reverse_proxy")
		w.WriteHeader(status)
	}
}

func errorIsTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// isWebSocketUpgrade reports whether r requests a WebSocket upgrade (spec
// §4.12 step 4).
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// proxyWebSocket hijacks the client connection, dials the backend, forwards
// the upgrade request verbatim, then splices the two connections
// bidirectionally without parsing frames (spec §4.12 step 4).
func (p *ReverseProxy) proxyWebSocket(w http.ResponseWriter, r *http.Request, backendAddr string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket proxying unsupported", http.StatusInternalServerError)
		return
	}

	dialer := net.Dialer{Timeout: websocketDialTimeout}
	backend, err := dialer.DialContext(r.Context(), "tcp", backendAddr)
	if err != nil {
		p.log.Warn("websocket backend dial failed", "addr", backendAddr, "error", err, "component", "reverse_proxy")
		http.Error(w, "backend unreachable", http.StatusBadGateway)
		return
	}
	defer backend.Close()

	setForwardedHeaders(r)

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.log.Warn("hijack failed", "error", err, "component", "reverse_proxy")
		return
	}
	defer clientConn.Close()

	if err := r.Write(backend); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	splice := func(dst io.Writer, src io.Reader) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go splice(backend, clientConn)
	go splice(clientConn, backend)
	<-done
}

// setForwardedHeaders adds/extends X-Forwarded-For, X-Forwarded-Proto, and
// X-Forwarded-Host (spec §4.12 step 3).
func setForwardedHeaders(r *http.Request) {
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	r.Header.Set("X-Forwarded-Host", r.Host)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
