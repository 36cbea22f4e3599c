package httpapi

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func newKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	return NewKeyStore(filepath.Join(t.TempDir(), KeysFile))
}

func TestKeyCreateFormat(t *testing.T) {
	s := newKeyStore(t)
	k, err := s.Create("ci")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(k.Key, "msnp_") {
		t.Fatalf("prefix: %q", k.Key)
	}
	// 24 random bytes hex-encoded
	if len(k.Key) != len("msnp_")+48 {
		t.Fatalf("len=%d", len(k.Key))
	}
	if k.ID == "" || k.Label != "ci" || k.Revoked {
		t.Fatalf("key=%+v", k)
	}
}

func TestKeyVerifyAndRevoke(t *testing.T) {
	s := newKeyStore(t)
	k, _ := s.Create("a")
	if !s.Verify(k.Key) {
		t.Fatalf("fresh key rejected")
	}
	if s.Verify("msnp_bogus") {
		t.Fatalf("bogus key accepted")
	}
	if err := s.Revoke(k.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if s.Verify(k.Key) {
		t.Fatalf("revoked key accepted")
	}
	if err := s.Revoke("missing"); err == nil {
		t.Fatalf("expected error revoking unknown key")
	}
}

func TestKeyListHidesSecrets(t *testing.T) {
	s := newKeyStore(t)
	s.Create("a")
	s.Create("b")
	for _, k := range s.List() {
		if k.Key != "" {
			t.Fatalf("secret leaked in list: %+v", k)
		}
	}
}

func TestKeyCap(t *testing.T) {
	s := newKeyStore(t)
	for i := 0; i < 100; i++ {
		if _, err := s.Create("k"); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := s.Create("overflow"); err == nil {
		t.Fatalf("expected cap error")
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newKeyStore(t)
	k, _ := s.Create("a")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := AuthMiddleware(s, true)(inner)

	req := httptest.NewRequest(http.MethodGet, "/api/env/status", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status=%d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/env/status", nil)
	req.Header.Set("X-Api-Key", k.Key)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("x-api-key status=%d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/env/status", nil)
	req.Header.Set("Authorization", "Bearer "+k.Key)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("bearer status=%d", w.Code)
	}

	// health endpoints stay open
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", w.Code)
	}
}
