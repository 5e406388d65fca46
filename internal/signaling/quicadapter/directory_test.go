package quicadapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/peerns/peerns/internal/signaling"
	"github.com/peerns/peerns/internal/signaling/quicadapter"
)

func newTestDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	claimed := make(map[string]string)

	mux := http.NewServeMux()
	mux.HandleFunc("/claim", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Endpoint string `json:"endpoint"`
			Addr     string `json:"addr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, taken := claimed[req.Endpoint]; taken {
			w.WriteHeader(http.StatusConflict)
			return
		}
		claimed[req.Endpoint] = req.Addr
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Query().Get("endpoint")
		addr, ok := claimed[endpoint]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"addr": addr})
	})
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		delete(claimed, r.URL.Query().Get("endpoint"))
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPDirectoryClaimLookupRelease(t *testing.T) {
	srv := newTestDirectoryServer(t)
	dir := quicadapter.NewHTTPDirectory(srv.URL)
	ctx := context.Background()

	if err := dir.Claim(ctx, "pfx-1-1", "127.0.0.1:4433"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	addr, err := dir.Lookup(ctx, "pfx-1-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if addr != "127.0.0.1:4433" {
		t.Fatalf("unexpected addr: %q", addr)
	}

	if err := dir.Release(ctx, "pfx-1-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := dir.Lookup(ctx, "pfx-1-1"); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable after release, got %v", err)
	}
}

func TestHTTPDirectoryClaimConflict(t *testing.T) {
	srv := newTestDirectoryServer(t)
	dir := quicadapter.NewHTTPDirectory(srv.URL)
	ctx := context.Background()

	if err := dir.Claim(ctx, "pfx-1-1", "127.0.0.1:4433"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := dir.Claim(ctx, "pfx-1-1", "127.0.0.1:9999"); !errors.Is(err, signaling.ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}
}

func TestHTTPDirectoryLookupMissing(t *testing.T) {
	srv := newTestDirectoryServer(t)
	dir := quicadapter.NewHTTPDirectory(srv.URL)

	if _, err := dir.Lookup(context.Background(), "pfx-nobody-1"); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
