package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func plcServer(t *testing.T, hits *int, pds string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hits++
		doc := map[string]any{
			"service": []map[string]any{
				{
					"id":              "#atproto_pds",
					"type":            "AtprotoPersonalDataServer",
					"serviceEndpoint": pds,
				},
			},
		}
		json.NewEncoder(w).Encode(doc)
	}))
}

func TestResolvePDS(t *testing.T) {
	var hits int
	srv := plcServer(t, &hits, "https://pds.example.com")
	defer srv.Close()

	r := NewResolver(WithPLCHost(srv.URL))
	pds, err := r.ResolvePDS(context.Background(), "did:plc:abc123")
	if err != nil {
		t.Fatalf("ResolvePDS: %v", err)
	}
	if pds != "https://pds.example.com" {
		t.Fatalf("got %q", pds)
	}
}

func TestResolvePDSCaches(t *testing.T) {
	var hits int
	srv := plcServer(t, &hits, "https://pds.example.com")
	defer srv.Close()

	r := NewResolver(WithPLCHost(srv.URL))
	for i := 0; i < 3; i++ {
		if _, err := r.ResolvePDS(context.Background(), "did:plc:abc123"); err != nil {
			t.Fatalf("ResolvePDS: %v", err)
		}
	}
	if hits != 1 {
		t.Fatalf("expected one directory hit, got %d", hits)
	}
}

func TestResolvePDSCacheExpires(t *testing.T) {
	var hits int
	srv := plcServer(t, &hits, "https://pds.example.com")
	defer srv.Close()

	now := time.Now()
	r := NewResolver(WithPLCHost(srv.URL), WithCacheTTL(time.Minute))
	r.now = func() time.Time { return now }

	r.ResolvePDS(context.Background(), "did:plc:abc123")
	now = now.Add(2 * time.Minute)
	r.ResolvePDS(context.Background(), "did:plc:abc123")
	if hits != 2 {
		t.Fatalf("expected refetch after expiry, got %d hits", hits)
	}
}

func TestResolvePDSNoServiceEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"service": []any{}})
	}))
	defer srv.Close()

	r := NewResolver(WithPLCHost(srv.URL))
	if _, err := r.ResolvePDS(context.Background(), "did:plc:abc123"); err == nil {
		t.Fatal("expected error for document without pds")
	}
}

func TestResolvePDSUnsupportedMethod(t *testing.T) {
	r := NewResolver()
	if _, err := r.ResolvePDS(context.Background(), "did:key:zQ3sh"); err == nil {
		t.Fatal("expected error for unsupported did method")
	}
}
