package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"modusnapd/internal/faults"
)

func TestQueueStatusGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/manager/queue/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(QueueStatus{TotalCount: 5, PendingCount: 2, IsProcessing: true})
	}))
	defer srv.Close()
	c := New(srv.URL, "")
	st, err := c.QueueStatusGet(context.Background())
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if !st.IsProcessing || st.PendingCount != 2 || st.TotalCount != 5 {
		t.Fatalf("status=%+v", st)
	}
}

func TestUpstreamErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("engine broke"))
	}))
	defer srv.Close()
	c := New(srv.URL, "")
	_, err := c.QueueStatusGet(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !faults.Is(err, faults.UpstreamError) {
		t.Fatalf("kind=%v", faults.KindOf(err))
	}
	f := err.(*faults.Fault)
	if f.Details["upstreamStatus"] != 502 {
		t.Fatalf("upstreamStatus=%v", f.Details["upstreamStatus"])
	}
	if f.Details["body"] != "engine broke" {
		t.Fatalf("body=%v", f.Details["body"])
	}
	if f.StatusCode() != 502 {
		t.Fatalf("statusCode=%d", f.StatusCode())
	}
}

func TestManagerVersionRawTextFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("3.3.1"))
	}))
	defer srv.Close()
	c := New(srv.URL, "")
	v, err := c.ManagerVersion(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != "3.3.1" {
		t.Fatalf("version=%q", v)
	}
}

func TestQueueBatchSendsAuthHeader(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()
	c := New(srv.URL, "msnp_secret")
	out, err := c.QueueBatch(context.Background(), map[string]any{"batch_id": "b1", "install": []any{}})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if gotAuth != "Bearer msnp_secret" {
		t.Fatalf("auth=%q", gotAuth)
	}
	if gotBody["batch_id"] != "b1" {
		t.Fatalf("body=%v", gotBody)
	}
	if out["ok"] != true {
		t.Fatalf("out=%v", out)
	}
}

func TestFirstReachableManagerRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/manager/queue/status" {
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(srv.URL, "")
	got := c.FirstReachableManagerRoute(context.Background())
	if got != "/v2/manager/queue/status" {
		t.Fatalf("route=%q", got)
	}
}

func TestSettingsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/settings":
			w.WriteHeader(http.StatusNotFound)
		case "/api/settings":
			w.Write([]byte(`{"theme":"dark"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := New(srv.URL, "")
	out, err := c.Settings(context.Background())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if out["theme"] != "dark" {
		t.Fatalf("out=%v", out)
	}
}
