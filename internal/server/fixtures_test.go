package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/altsci/atdata/internal/auth"
	"github.com/altsci/atdata/internal/changestream"
	"github.com/altsci/atdata/internal/fetch"
	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu        sync.Mutex
	schemas   map[string]*model.Schema
	entries   map[string]*model.Entry
	labels    map[string]*model.Label
	lenses    map[string]*model.Lens
	providers map[string]*model.IndexProvider
	cursors   map[string]int64

	interactions []recordedInteraction
	fail         error
}

type recordedInteraction struct {
	eventType string
	did, rkey string
	params    json.RawMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schemas:   make(map[string]*model.Schema),
		entries:   make(map[string]*model.Entry),
		labels:    make(map[string]*model.Label),
		lenses:    make(map[string]*model.Lens),
		providers: make(map[string]*model.IndexProvider),
		cursors:   make(map[string]int64),
	}
}

var _ store.Store = (*fakeStore)(nil)

func key(did, rkey string) string { return did + "/" + rkey }

func (f *fakeStore) GetCursor(_ context.Context, service string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[service]
	return c, ok, f.fail
}

func (f *fakeStore) SetCursor(_ context.Context, service string, cursor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[service] = cursor
	return f.fail
}

func (f *fakeStore) UpsertSchema(_ context.Context, s *model.Schema) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas[key(s.DID, s.RKey)] = s
	return true, f.fail
}

func (f *fakeStore) UpsertEntry(_ context.Context, e *model.Entry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key(e.DID, e.RKey)] = e
	return true, f.fail
}

func (f *fakeStore) UpsertLabel(_ context.Context, l *model.Label) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[key(l.DID, l.RKey)] = l
	return true, f.fail
}

func (f *fakeStore) UpsertLens(_ context.Context, l *model.Lens) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lenses[key(l.DID, l.RKey)] = l
	return true, f.fail
}

func (f *fakeStore) UpsertIndexProvider(_ context.Context, p *model.IndexProvider) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[key(p.DID, p.RKey)] = p
	return true, f.fail
}

func (f *fakeStore) DeleteRecord(_ context.Context, collection model.Collection, did, rkey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(did, rkey)
	switch collection {
	case model.CollectionSchema:
		_, ok := f.schemas[k]
		delete(f.schemas, k)
		return ok, f.fail
	case model.CollectionEntry:
		_, ok := f.entries[k]
		delete(f.entries, k)
		return ok, f.fail
	case model.CollectionLabel:
		_, ok := f.labels[k]
		delete(f.labels, k)
		return ok, f.fail
	case model.CollectionLens:
		_, ok := f.lenses[k]
		delete(f.lenses, k)
		return ok, f.fail
	case model.CollectionIndex:
		_, ok := f.providers[k]
		delete(f.providers, k)
		return ok, f.fail
	}
	return false, f.fail
}

func (f *fakeStore) RecordExists(_ context.Context, collection model.Collection, did, rkey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(did, rkey)
	switch collection {
	case model.CollectionSchema:
		_, ok := f.schemas[k]
		return ok, f.fail
	case model.CollectionEntry:
		_, ok := f.entries[k]
		return ok, f.fail
	case model.CollectionLabel:
		_, ok := f.labels[k]
		return ok, f.fail
	case model.CollectionLens:
		_, ok := f.lenses[k]
		return ok, f.fail
	case model.CollectionIndex:
		_, ok := f.providers[k]
		return ok, f.fail
	}
	return false, f.fail
}

func (f *fakeStore) GetSchema(_ context.Context, did, rkey string) (*model.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schemas[key(did, rkey)], f.fail
}

func (f *fakeStore) GetEntry(_ context.Context, did, rkey string) (*model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key(did, rkey)], f.fail
}

func (f *fakeStore) GetEntries(_ context.Context, keys [][2]string) ([]*model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Entry
	for _, k := range keys {
		if e, ok := f.entries[key(k[0], k[1])]; ok {
			out = append(out, e)
		}
	}
	return out, f.fail
}

func (f *fakeStore) GetIndexProvider(_ context.Context, did, rkey string) (*model.IndexProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.providers[key(did, rkey)], f.fail
}

func (f *fakeStore) ResolveLabel(_ context.Context, did, name, version string) (*model.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.labels {
		if l.DID == did && l.Name == name && (version == "" || l.Version == version) {
			return l, f.fail
		}
	}
	return nil, f.fail
}

func (f *fakeStore) ResolveSchema(_ context.Context, did, schemaID, version string) (*model.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.schemas {
		if s.DID == did && s.Name == schemaID && (version == "" || s.Version == version) {
			return s, f.fail
		}
	}
	return nil, f.fail
}

func (f *fakeStore) ListSchemas(_ context.Context, filter store.ListFilter) ([]*model.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Schema
	for _, s := range f.schemas {
		if filter.Repo != "" && s.DID != filter.Repo {
			continue
		}
		out = append(out, s)
	}
	return clip(out, filter.Limit), f.fail
}

func (f *fakeStore) ListEntries(_ context.Context, filter store.EntryFilter) ([]*model.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Entry
	for _, e := range f.entries {
		if filter.Repo != "" && e.DID != filter.Repo {
			continue
		}
		if filter.SchemaRef != "" && e.SchemaRef != filter.SchemaRef {
			continue
		}
		out = append(out, e)
	}
	return clip(out, filter.Limit), f.fail
}

func (f *fakeStore) ListLabels(_ context.Context, filter store.ListFilter) ([]*model.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Label
	for _, l := range f.labels {
		if filter.Repo != "" && l.DID != filter.Repo {
			continue
		}
		out = append(out, l)
	}
	return clip(out, filter.Limit), f.fail
}

func (f *fakeStore) ListLenses(_ context.Context, filter store.LensFilter) ([]*model.Lens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Lens
	for _, l := range f.lenses {
		if filter.Repo != "" && l.DID != filter.Repo {
			continue
		}
		if filter.Either {
			if filter.SourceSchema != "" && l.SourceSchema != filter.SourceSchema && l.TargetSchema != filter.SourceSchema {
				continue
			}
		} else {
			if filter.SourceSchema != "" && l.SourceSchema != filter.SourceSchema {
				continue
			}
			if filter.TargetSchema != "" && l.TargetSchema != filter.TargetSchema {
				continue
			}
		}
		out = append(out, l)
	}
	return clip(out, filter.Limit), f.fail
}

func (f *fakeStore) ListIndexProviders(_ context.Context, filter store.ListFilter) ([]*model.IndexProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.IndexProvider
	for _, p := range f.providers {
		if filter.Repo != "" && p.DID != filter.Repo {
			continue
		}
		out = append(out, p)
	}
	return clip(out, filter.Limit), f.fail
}

func (f *fakeStore) LabelsForDataset(_ context.Context, datasetURI string, limit int) ([]*model.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Label
	for _, l := range f.labels {
		if l.DatasetURI == datasetURI {
			out = append(out, l)
		}
	}
	return clip(out, limit), f.fail
}

func (f *fakeStore) RecordCounts(_ context.Context) (map[model.Collection]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[model.Collection]int64{
		model.CollectionSchema: int64(len(f.schemas)),
		model.CollectionEntry:  int64(len(f.entries)),
		model.CollectionLabel:  int64(len(f.labels)),
		model.CollectionLens:   int64(len(f.lenses)),
		model.CollectionIndex:  int64(len(f.providers)),
	}, f.fail
}

func (f *fakeStore) RecordInteraction(_ context.Context, eventType, targetDID, targetRKey string, params json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactions = append(f.interactions, recordedInteraction{eventType, targetDID, targetRKey, params})
	return f.fail
}

func (f *fakeStore) interactionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.interactions)
}

func (f *fakeStore) Close() error { return nil }

func clip[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// fakeResolver maps DIDs to PDS endpoints and handles to DIDs.
type fakeResolver struct {
	pds     map[string]string
	handles map[string]string
}

func (f *fakeResolver) ResolvePDS(_ context.Context, did string) (string, error) {
	if pds, ok := f.pds[did]; ok {
		return pds, nil
	}
	return "", fmt.Errorf("unknown did %s", did)
}

func (f *fakeResolver) ResolveHandle(_ context.Context, handle string) (string, error) {
	if did, ok := f.handles[handle]; ok {
		return did, nil
	}
	return "", fmt.Errorf("unknown handle %s", handle)
}

// acceptAllVerifier approves every token and reports the configured issuer.
type acceptAllVerifier struct {
	iss string
}

func (v *acceptAllVerifier) Verify(context.Context, string, string) (*auth.Payload, error) {
	return &auth.Payload{Iss: v.iss, Aud: "did:web:appview.test"}, nil
}

// rejectAllVerifier refuses every token.
type rejectAllVerifier struct{}

func (rejectAllVerifier) Verify(context.Context, string, string) (*auth.Payload, error) {
	return nil, auth.ErrMalformed
}

type testEnv struct {
	store    *fakeStore
	stream   *changestream.Stream
	resolver *fakeResolver
	server   *Server
	http     *httptest.Server
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	st := newFakeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := changestream.New(logger)
	resolver := &fakeResolver{
		pds:     map[string]string{},
		handles: map[string]string{},
	}
	o := Options{
		Store:           st,
		Stream:          stream,
		Fetcher:         fetch.NewFetcher(fetch.NewValidator(true)),
		Resolver:        resolver,
		Verifier:        &acceptAllVerifier{iss: "did:plc:alice"},
		Logger:          logger,
		ServiceDID:      "did:web:appview.test",
		ServiceEndpoint: "https://appview.test",
		DevMode:         true,
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv := New(o)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	// o.Stream may have been replaced by an option; the env must point
	// at whatever the server is actually using.
	return &testEnv{store: st, stream: o.Stream, resolver: resolver, server: srv, http: ts}
}

func testSchema(did, rkey, name string) *model.Schema {
	return &model.Schema{
		DID:        did,
		RKey:       rkey,
		CID:        "bafy" + rkey,
		Name:       name,
		Version:    "1.0.0",
		SchemaType: "jsonSchema",
		SchemaBody: json.RawMessage(`{"type":"object"}`),
		CreatedAt:  "2026-01-01T00:00:00Z",
		IndexedAt:  time.Now().UTC(),
	}
}

func testEntry(did, rkey, name, schemaRef string) *model.Entry {
	return &model.Entry{
		DID:       did,
		RKey:      rkey,
		CID:       "bafy" + rkey,
		Name:      name,
		SchemaRef: schemaRef,
		Storage:   json.RawMessage(`{"$type":"` + model.Namespace + `.storageHttp","url":"https://data.test/x.parquet"}`),
		CreatedAt: "2026-01-02T00:00:00Z",
		IndexedAt: time.Now().UTC(),
	}
}
