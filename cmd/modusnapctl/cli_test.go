package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCommandTree(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{
		"status": false, "logs": false, "plan": false, "apply": false,
		"rollback": false, "tx": false, "diagnose": false, "fix": false, "keys": false,
	}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("command %q missing", name)
		}
	}
}

func TestCtlErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"CONFLICT: wrong state","kind":"CONFLICT","code":409}`))
	}))
	defer srv.Close()
	c := &ctl{addr: srv.URL, http: &http.Client{Timeout: time.Second}}
	err := c.do(http.MethodPost, "/api/env/apply", map[string]string{"id": "x"}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := err.Error(); got != "CONFLICT: wrong state (CONFLICT)" {
		t.Fatalf("err=%q", got)
	}
}

func TestCtlSendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := &ctl{addr: srv.URL, apiKey: "msnp_test", http: &http.Client{Timeout: time.Second}}
	if err := c.do(http.MethodGet, "/api/env/status", nil, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotKey != "msnp_test" {
		t.Fatalf("key=%q", gotKey)
	}
}
