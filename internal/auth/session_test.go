package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testCipher(t *testing.T) *CookieCipher {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cipher, err := NewCookieCipher(key)
	if err != nil {
		t.Fatalf("NewCookieCipher: %v", err)
	}
	return cipher
}

func TestCookieCipherRoundTrip(t *testing.T) {
	cipher := testCipher(t)
	now := time.Now()
	session := Session{
		Subject:   "user-1",
		Name:      "Ada Lovelace",
		Roles:     []string{"admin", "viewer"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}

	encoded, err := cipher.Encode(session)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := cipher.Decode(encoded, now)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Subject != session.Subject || decoded.Name != session.Name {
		t.Errorf("decoded = %+v, want %+v", decoded, session)
	}
	if len(decoded.Roles) != 2 {
		t.Errorf("Roles = %v", decoded.Roles)
	}
}

func TestCookieCipherRejectsExpired(t *testing.T) {
	cipher := testCipher(t)
	now := time.Now()
	session := Session{Subject: "user-1", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}

	encoded, err := cipher.Encode(session)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := cipher.Decode(encoded, now); err == nil {
		t.Fatalf("expected Decode to reject an expired session")
	}
}

func TestCookieCipherRejectsTamperedValue(t *testing.T) {
	cipher := testCipher(t)
	now := time.Now()
	encoded, err := cipher.Encode(Session{Subject: "user-1", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tampered := encoded[:len(encoded)-1] + "x"
	if _, err := cipher.Decode(tampered, now); err == nil {
		t.Fatalf("expected Decode to reject a tampered cookie")
	}
}

func TestDifferentCiphersCannotDecodeEachOther(t *testing.T) {
	a, b := testCipher(t), testCipher(t)
	now := time.Now()
	encoded, err := a.Encode(Session{Subject: "user-1", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := b.Decode(encoded, now); err == nil {
		t.Fatalf("expected a cookie encoded with one key to fail decryption under another")
	}
}

func TestStateCookieRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	SetStateCookie(rec, "state-abc", "/original/path", false)

	req := httptest.NewRequest(http.MethodGet, "/signin-oidc", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	path, ok := ReadAndClearStateCookie(w, req, "state-abc")
	if !ok {
		t.Fatalf("expected state cookie to validate")
	}
	if path != "/original/path" {
		t.Errorf("returnPath = %q", path)
	}
}

func TestStateCookieRejectsMismatch(t *testing.T) {
	rec := httptest.NewRecorder()
	SetStateCookie(rec, "state-abc", "/original/path", false)

	req := httptest.NewRequest(http.MethodGet, "/signin-oidc", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	if _, ok := ReadAndClearStateCookie(w, req, "state-different"); ok {
		t.Fatalf("expected state mismatch to be rejected")
	}
}
