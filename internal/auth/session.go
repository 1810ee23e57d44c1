// Package auth implements the OIDC authorization-code flow, the encrypted
// session cookie, and "any-of" role-based access control (spec §4.11).
package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// CookieName is the session cookie's fixed name (spec §4.11).
const CookieName = "HarborGate.Auth"

// Session is the authenticated identity carried in the cookie (spec §3).
// It is stateless: the server retains no session table, following the
// teacher's own cookie-as-source-of-truth convention in
// internal/auth/sessions.go, generalized from an opaque random token plus
// server-side lookup to a self-contained encrypted payload (HarborGate has
// no session store to look the token up against).
type Session struct {
	Subject    string    `json:"subject"`
	Name       string    `json:"name"`
	Roles      []string  `json:"roles"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ReturnPath string    `json:"return_path,omitempty"`
}

// Expired reports whether the session has passed its expiry.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CookieCipher encrypts and authenticates session payloads with a
// process-scoped ChaCha20-Poly1305 key (spec §9 "Cookie/session
// encryption": an explicit process-scoped symmetric key, rather than a
// framework-provided data-protection key).
type CookieCipher struct {
	aead cipher.AEAD
}

// NewCookieCipher builds a CookieCipher from a 32-byte key.
func NewCookieCipher(key []byte) (*CookieCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("construct session cipher: %w", err)
	}
	return &CookieCipher{aead: aead}, nil
}

// GenerateKey produces a fresh random 32-byte key. Regenerating this at
// every process start is acceptable (spec §9); it invalidates prior
// sessions on restart, which the design accepts.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// Encode serialises and encrypts a Session into a cookie-safe string.
func (c *CookieCipher) Encode(s Session) (string, error) {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode, returning an error if the cookie is malformed,
// the MAC doesn't verify, or the session has expired.
func (c *CookieCipher) Decode(value string, now time.Time) (Session, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Session{}, fmt.Errorf("decode cookie: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return Session{}, fmt.Errorf("cookie too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Session{}, fmt.Errorf("decrypt cookie: %w", err)
	}

	var s Session
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if s.Expired(now) {
		return Session{}, fmt.Errorf("session expired")
	}
	return s, nil
}

// SetCookie writes the encrypted session to the response, following the
// teacher's SetSessionCookie shape (internal/auth/sessions.go) with Secure
// derived per-request instead of a fixed config flag, since spec §4.11
// requires "Secure when request arrived over TLS".
func SetCookie(w http.ResponseWriter, encoded string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    encoded,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ClearCookie removes the session cookie.
func ClearCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// CookieValue extracts the raw cookie value from the request, or "" if
// absent.
func CookieValue(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
