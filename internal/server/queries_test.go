package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/altsci/atdata/internal/model"
)

func getJSON(t *testing.T, env *testEnv, path string, want int) map[string]any {
	t.Helper()
	resp, err := http.Get(env.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status = %d, want %d", path, resp.StatusCode, want)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestGetEntry(t *testing.T) {
	env := newTestEnv(t)
	entry := testEntry("did:plc:alice", "abc", "climate-obs", "at://did:plc:alice/science.alt.dataset.schema/s1")
	env.store.entries[key(entry.DID, entry.RKey)] = entry

	body := getJSON(t, env, "/xrpc/science.alt.dataset.getEntry?uri="+url.QueryEscape(entry.URI()), http.StatusOK)
	got, ok := body["entry"].(map[string]any)
	if !ok {
		t.Fatalf("response missing entry object: %v", body)
	}
	if got["uri"] != entry.URI() {
		t.Errorf("uri = %v, want %s", got["uri"], entry.URI())
	}
	if got["name"] != "climate-obs" {
		t.Errorf("name = %v, want climate-obs", got["name"])
	}
}

func TestGetEntryNotFound(t *testing.T) {
	env := newTestEnv(t)
	body := getJSON(t, env, "/xrpc/science.alt.dataset.getEntry?uri="+url.QueryEscape("at://did:plc:alice/science.alt.dataset.entry/missing"), http.StatusNotFound)
	if body["error"] != "NotFound" {
		t.Errorf("error = %v, want NotFound", body["error"])
	}
}

func TestGetEntryRejectsWrongCollection(t *testing.T) {
	env := newTestEnv(t)
	uri := "at://did:plc:alice/science.alt.dataset.schema/abc"
	body := getJSON(t, env, "/xrpc/science.alt.dataset.getEntry?uri="+url.QueryEscape(uri), http.StatusBadRequest)
	if body["error"] != "InvalidRequest" {
		t.Errorf("error = %v, want InvalidRequest", body["error"])
	}
}

func TestGetEntriesBatch(t *testing.T) {
	env := newTestEnv(t)
	a := testEntry("did:plc:alice", "a1", "one", "at://did:plc:alice/science.alt.dataset.schema/s1")
	b := testEntry("did:plc:bob", "b1", "two", "at://did:plc:alice/science.alt.dataset.schema/s1")
	env.store.entries[key(a.DID, a.RKey)] = a
	env.store.entries[key(b.DID, b.RKey)] = b

	q := url.Values{"uris": {a.URI(), b.URI(), "at://did:plc:carol/science.alt.dataset.entry/gone"}}
	body := getJSON(t, env, "/xrpc/science.alt.dataset.getEntries?"+q.Encode(), http.StatusOK)
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("entries = %v, want 2 hydrated items", body["entries"])
	}
}

func TestGetSchemaReturnsRecord(t *testing.T) {
	env := newTestEnv(t)
	schema := testSchema("did:plc:alice", "s1", "observation")
	env.store.schemas[key(schema.DID, schema.RKey)] = schema

	body := getJSON(t, env, "/xrpc/science.alt.dataset.getSchema?uri="+url.QueryEscape(schema.URI()), http.StatusOK)
	if body["uri"] != schema.URI() {
		t.Errorf("uri = %v, want %s", body["uri"], schema.URI())
	}
	if body["version"] != "1.0.0" {
		t.Errorf("version = %v, want 1.0.0", body["version"])
	}
}

func TestListEntriesPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		e := testEntry("did:plc:alice", string(rune('a'+i)), "ds", "at://did:plc:alice/science.alt.dataset.schema/s1")
		env.store.entries[key(e.DID, e.RKey)] = e
	}

	body := getJSON(t, env, "/xrpc/science.alt.dataset.listEntries?limit=3", http.StatusOK)
	entries := body["entries"].([]any)
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if _, ok := body["cursor"].(string); !ok {
		t.Error("full page should include a continuation cursor")
	}

	// A short page carries no cursor.
	body = getJSON(t, env, "/xrpc/science.alt.dataset.listEntries?limit=50", http.StatusOK)
	if _, ok := body["cursor"]; ok {
		t.Error("short page should not include a cursor")
	}
}

func TestListEntriesRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)
	for _, limit := range []string{"0", "101", "-4", "abc"} {
		body := getJSON(t, env, "/xrpc/science.alt.dataset.listEntries?limit="+limit, http.StatusBadRequest)
		if body["error"] != "InvalidRequest" {
			t.Errorf("limit=%s: error = %v, want InvalidRequest", limit, body["error"])
		}
	}
}

func TestListEntriesResolvesRepoHandle(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.handles["alice.test"] = "did:plc:alice"
	mine := testEntry("did:plc:alice", "a1", "mine", "at://did:plc:alice/science.alt.dataset.schema/s1")
	other := testEntry("did:plc:bob", "b1", "other", "at://did:plc:alice/science.alt.dataset.schema/s1")
	env.store.entries[key(mine.DID, mine.RKey)] = mine
	env.store.entries[key(other.DID, other.RKey)] = other

	body := getJSON(t, env, "/xrpc/science.alt.dataset.listEntries?repo=alice.test", http.StatusOK)
	entries := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}

func TestListLabelsForDataset(t *testing.T) {
	env := newTestEnv(t)
	datasetURI := "at://did:plc:alice/science.alt.dataset.entry/a1"
	l1 := &model.Label{DID: "did:plc:alice", RKey: "l1", Name: "v1", DatasetURI: datasetURI, CreatedAt: "2026-01-01T00:00:00Z"}
	l2 := &model.Label{DID: "did:plc:alice", RKey: "l2", Name: "v2", DatasetURI: "at://did:plc:alice/science.alt.dataset.entry/zz", CreatedAt: "2026-01-01T00:00:00Z"}
	env.store.labels[key(l1.DID, l1.RKey)] = l1
	env.store.labels[key(l2.DID, l2.RKey)] = l2

	body := getJSON(t, env, "/xrpc/science.alt.dataset.listLabels?dataset="+url.QueryEscape(datasetURI), http.StatusOK)
	labels := body["labels"].([]any)
	if len(labels) != 1 {
		t.Fatalf("len(labels) = %d, want 1", len(labels))
	}
}

func TestResolveLabel(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.handles["alice.test"] = "did:plc:alice"
	label := &model.Label{
		DID: "did:plc:alice", RKey: "l1", CID: "bafyl1",
		Name: "release", Version: "2.0.0",
		DatasetURI: "at://did:plc:alice/science.alt.dataset.entry/a1",
		CreatedAt:  "2026-01-01T00:00:00Z",
	}
	env.store.labels[key(label.DID, label.RKey)] = label

	body := getJSON(t, env, "/xrpc/science.alt.dataset.resolveLabel?handle=alice.test&name=release", http.StatusOK)
	if body["uri"] != label.DatasetURI {
		t.Errorf("uri = %v, want %s", body["uri"], label.DatasetURI)
	}
	if body["cid"] != "bafyl1" {
		t.Errorf("cid = %v, want bafyl1", body["cid"])
	}

	// DIDs bypass handle resolution.
	body = getJSON(t, env, "/xrpc/science.alt.dataset.resolveLabel?handle=did:plc:alice&name=release&version=2.0.0", http.StatusOK)
	if body["uri"] != label.DatasetURI {
		t.Errorf("uri = %v, want %s", body["uri"], label.DatasetURI)
	}

	getJSON(t, env, "/xrpc/science.alt.dataset.resolveLabel?handle=did:plc:alice&name=nope", http.StatusNotFound)
}

func TestResolveSchema(t *testing.T) {
	env := newTestEnv(t)
	schema := testSchema("did:plc:alice", "s1", "observation")
	env.store.schemas[key(schema.DID, schema.RKey)] = schema

	body := getJSON(t, env, "/xrpc/science.alt.dataset.resolveSchema?handle=did:plc:alice&schemaId=observation", http.StatusOK)
	if body["uri"] != schema.URI() {
		t.Errorf("uri = %v, want %s", body["uri"], schema.URI())
	}
	record := body["record"].(map[string]any)
	if record["name"] != "observation" {
		t.Errorf("record.name = %v, want observation", record["name"])
	}
}

func TestResolveBlobs(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.pds["did:plc:alice"] = "https://pds.test"
	entry := testEntry("did:plc:alice", "a1", "blobs", "at://did:plc:alice/science.alt.dataset.schema/s1")
	entry.Storage = json.RawMessage(`{
		"$type": "science.alt.dataset.storageBlobs",
		"blobs": [{"blob": {"ref": {"$link": "bafkblob1"}}}]
	}`)
	env.store.entries[key(entry.DID, entry.RKey)] = entry
	plain := testEntry("did:plc:alice", "a2", "http", "at://did:plc:alice/science.alt.dataset.schema/s1")
	env.store.entries[key(plain.DID, plain.RKey)] = plain

	q := url.Values{"uris": {entry.URI(), plain.URI()}}
	body := getJSON(t, env, "/xrpc/science.alt.dataset.resolveBlobs?"+q.Encode(), http.StatusOK)
	blobs := body["blobs"].([]any)
	if len(blobs) != 2 {
		t.Fatalf("len(blobs) = %d, want 2", len(blobs))
	}

	resolved := blobs[0].(map[string]any)
	wantURL := "https://pds.test/xrpc/com.atproto.sync.getBlob?did=did:plc:alice&cid=bafkblob1"
	if resolved["url"] != wantURL {
		t.Errorf("url = %v, want %s", resolved["url"], wantURL)
	}
	failed := blobs[1].(map[string]any)
	if failed["error"] != "not blob storage" {
		t.Errorf("error = %v, want not blob storage", failed["error"])
	}
}

func TestSearchDatasets(t *testing.T) {
	env := newTestEnv(t)
	e := testEntry("did:plc:alice", "a1", "climate", "at://did:plc:alice/science.alt.dataset.schema/s1")
	env.store.entries[key(e.DID, e.RKey)] = e

	body := getJSON(t, env, "/xrpc/science.alt.dataset.searchDatasets?q=climate", http.StatusOK)
	entries := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}

	getJSON(t, env, "/xrpc/science.alt.dataset.searchDatasets", http.StatusBadRequest)
}

func TestSearchDatasetsViaIndexProvider(t *testing.T) {
	env := newTestEnv(t)
	entry := testEntry("did:plc:alice", "a1", "hosted", "at://did:plc:alice/science.alt.dataset.schema/s1")
	env.store.entries[key(entry.DID, entry.RKey)] = entry

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "hosted" {
			t.Errorf("q = %q, want hosted", r.URL.Query().Get("q"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"datasets": []map[string]any{
				{"reference": entry.URI()},
				{"reference": "at://did:plc:bob/science.alt.dataset.entry/unknown"},
				{"reference": "not-a-uri"},
			},
			"cursor": "next-page",
		})
	}))
	defer provider.Close()

	idx := &model.IndexProvider{
		DID: "did:plc:indexer", RKey: "i1", CID: "bafyi1",
		Name: "search", EndpointURL: provider.URL,
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	env.store.providers[key(idx.DID, idx.RKey)] = idx

	q := url.Values{"q": {"hosted"}, "index": {idx.URI()}}
	body := getJSON(t, env, "/xrpc/science.alt.dataset.searchDatasets?"+q.Encode(), http.StatusOK)

	// Only the locally indexed reference hydrates.
	entries := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	got := entries[0].(map[string]any)
	if got["uri"] != entry.URI() {
		t.Errorf("uri = %v, want %s", got["uri"], entry.URI())
	}
	if body["cursor"] != "next-page" {
		t.Errorf("cursor = %v, want next-page", body["cursor"])
	}
}

func TestSearchDatasetsIndexProviderDown(t *testing.T) {
	env := newTestEnv(t)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer provider.Close()

	idx := &model.IndexProvider{
		DID: "did:plc:indexer", RKey: "i1", CID: "bafyi1",
		Name: "search", EndpointURL: provider.URL,
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	env.store.providers[key(idx.DID, idx.RKey)] = idx

	q := url.Values{"q": {"x"}, "index": {idx.URI()}}
	body := getJSON(t, env, "/xrpc/science.alt.dataset.searchDatasets?"+q.Encode(), http.StatusBadGateway)
	if body["error"] != "UpstreamFailure" {
		t.Errorf("error = %v, want UpstreamFailure", body["error"])
	}
}

func TestSearchLensesEitherDirection(t *testing.T) {
	env := newTestEnv(t)
	schemaURI := "at://did:plc:alice/science.alt.dataset.schema/s1"
	forward := &model.Lens{DID: "did:plc:alice", RKey: "f", Name: "forward", SourceSchema: schemaURI, TargetSchema: "at://did:plc:alice/science.alt.dataset.schema/s2", CreatedAt: "2026-01-01T00:00:00Z"}
	backward := &model.Lens{DID: "did:plc:alice", RKey: "b", Name: "backward", SourceSchema: "at://did:plc:alice/science.alt.dataset.schema/s3", TargetSchema: schemaURI, CreatedAt: "2026-01-01T00:00:00Z"}
	unrelated := &model.Lens{DID: "did:plc:alice", RKey: "u", Name: "unrelated", SourceSchema: "at://did:plc:alice/science.alt.dataset.schema/s4", TargetSchema: "at://did:plc:alice/science.alt.dataset.schema/s5", CreatedAt: "2026-01-01T00:00:00Z"}
	for _, l := range []*model.Lens{forward, backward, unrelated} {
		env.store.lenses[key(l.DID, l.RKey)] = l
	}

	body := getJSON(t, env, "/xrpc/science.alt.dataset.searchLenses?sourceSchema="+url.QueryEscape(schemaURI), http.StatusOK)
	lenses := body["lenses"].([]any)
	if len(lenses) != 2 {
		t.Fatalf("len(lenses) = %d, want 2 (either direction)", len(lenses))
	}
}

func TestDescribeService(t *testing.T) {
	env := newTestEnv(t)
	schema := testSchema("did:plc:alice", "s1", "observation")
	env.store.schemas[key(schema.DID, schema.RKey)] = schema

	body := getJSON(t, env, "/xrpc/science.alt.dataset.describeService", http.StatusOK)
	if body["did"] != "did:web:appview.test" {
		t.Errorf("did = %v, want did:web:appview.test", body["did"])
	}
	collections := body["availableCollections"].([]any)
	if len(collections) != 5 {
		t.Errorf("len(availableCollections) = %d, want 5", len(collections))
	}
	counts := body["recordCount"].(map[string]any)
	if counts["science.alt.dataset.schema"] != float64(1) {
		t.Errorf("schema count = %v, want 1", counts["science.alt.dataset.schema"])
	}
}

func TestHealthAndDIDDocument(t *testing.T) {
	env := newTestEnv(t)

	body := getJSON(t, env, "/health", http.StatusOK)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}

	body = getJSON(t, env, "/.well-known/did.json", http.StatusOK)
	if body["id"] != "did:web:appview.test" {
		t.Errorf("id = %v, want did:web:appview.test", body["id"])
	}
}
