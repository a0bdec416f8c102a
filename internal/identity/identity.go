// Package identity resolves network identities: DID documents to their
// personal data server endpoints and handles to DIDs. Results are
// cached with a TTL since backfill resolves the same publishers
// repeatedly.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultPLCHost  = "https://plc.directory"
	defaultCacheTTL = 15 * time.Minute
	maxDocSize      = 1 << 20
)

// Resolver resolves DIDs and handles against the network directory.
type Resolver struct {
	plcHost string
	client  *http.Client
	dns     *net.Resolver
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPLCHost overrides the PLC directory host.
func WithPLCHost(host string) Option {
	return func(r *Resolver) { r.plcHost = strings.TrimRight(host, "/") }
}

// WithCacheTTL overrides the cache entry lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// NewResolver builds a Resolver with the default PLC directory.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		plcHost: defaultPLCHost,
		client:  &http.Client{Timeout: 10 * time.Second},
		dns:     net.DefaultResolver,
		ttl:     defaultCacheTTL,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// didDocument is the subset of a DID document we read.
type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// ResolvePDS returns the personal data server endpoint for a DID.
func (r *Resolver) ResolvePDS(ctx context.Context, did string) (string, error) {
	if v, ok := r.cached("pds:" + did); ok {
		return v, nil
	}

	var docURL string
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		docURL = r.plcHost + "/" + did
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		// did:web encodes a port as %3A.
		host = strings.ReplaceAll(host, "%3A", ":")
		docURL = "https://" + host + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported did method: %s", did)
	}

	var doc didDocument
	if err := r.getJSON(ctx, docURL, &doc); err != nil {
		return "", fmt.Errorf("fetching did document for %s: %w", did, err)
	}

	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" || strings.HasSuffix(svc.ID, "#atproto_pds") {
			r.store("pds:"+did, svc.ServiceEndpoint)
			return svc.ServiceEndpoint, nil
		}
	}
	return "", fmt.Errorf("did document for %s declares no pds", did)
}

// ResolveHandle returns the DID for a handle, trying the DNS TXT record
// first and falling back to the well-known HTTP endpoint.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.ToLower(handle), "@")
	if v, ok := r.cached("handle:" + handle); ok {
		return v, nil
	}

	if did, err := r.handleViaDNS(ctx, handle); err == nil {
		r.store("handle:"+handle, did)
		return did, nil
	}

	did, err := r.handleViaHTTP(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("resolving handle %s: %w", handle, err)
	}
	r.store("handle:"+handle, did)
	return did, nil
}

func (r *Resolver) handleViaDNS(ctx context.Context, handle string) (string, error) {
	records, err := r.dns.LookupTXT(ctx, "_atproto."+handle)
	if err != nil {
		return "", err
	}
	for _, txt := range records {
		if did, ok := strings.CutPrefix(txt, "did="); ok {
			return did, nil
		}
	}
	return "", fmt.Errorf("no did record for %s", handle)
}

func (r *Resolver) handleViaHTTP(ctx context.Context, handle string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+handle+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	did := strings.TrimSpace(string(body))
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("well-known response is not a did")
	}
	return did, nil
}

func (r *Resolver) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxDocSize)).Decode(out)
}

func (r *Resolver) cached(k string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[k]
	if !ok || r.now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

func (r *Resolver) store(k, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[k] = cacheEntry{value: v, expires: r.now().Add(r.ttl)}
}
