package mcptools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

// mockStore serves fixed record sets and captures the filters the
// handlers build from tool arguments.
type mockStore struct {
	store.Store // panic on anything not overridden

	entries []*model.Entry
	schemas []*model.Schema
	lenses  []*model.Lens
	counts  map[model.Collection]int64

	entryFilter store.EntryFilter
	listFilter  store.ListFilter
	lensFilter  store.LensFilter
}

func (m *mockStore) ListEntries(_ context.Context, f store.EntryFilter) ([]*model.Entry, error) {
	m.entryFilter = f
	return m.entries, nil
}

func (m *mockStore) ListSchemas(_ context.Context, f store.ListFilter) ([]*model.Schema, error) {
	m.listFilter = f
	return m.schemas, nil
}

func (m *mockStore) ListLenses(_ context.Context, f store.LensFilter) ([]*model.Lens, error) {
	m.lensFilter = f
	return m.lenses, nil
}

func (m *mockStore) GetEntry(_ context.Context, did, rkey string) (*model.Entry, error) {
	for _, e := range m.entries {
		if e.DID == did && e.RKey == rkey {
			return e, nil
		}
	}
	return nil, nil
}

func (m *mockStore) GetSchema(_ context.Context, did, rkey string) (*model.Schema, error) {
	for _, s := range m.schemas {
		if s.DID == did && s.RKey == rkey {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockStore) RecordCounts(context.Context) (map[model.Collection]int64, error) {
	return m.counts, nil
}

func testTools() (*Tools, *mockStore) {
	st := &mockStore{
		entries: []*model.Entry{
			{DID: "did:plc:bob", RKey: "d1", Name: "climate readings", SchemaRef: "at://did:plc:alice/science.alt.dataset.schema/weather"},
		},
		schemas: []*model.Schema{
			{DID: "did:plc:alice", RKey: "weather", Name: "weather", Version: "1.0.0"},
		},
		lenses: []*model.Lens{
			{DID: "did:plc:carol", RKey: "l1", Name: "weather-to-climate"},
		},
		counts: map[model.Collection]int64{
			model.CollectionEntry:  3,
			model.CollectionSchema: 1,
		},
	}
	return NewTools(st, "did:web:appview.test"), st
}

func callReq(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

// resultText extracts the JSON payload from a successful tool result.
func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res.IsError {
		t.Fatalf("tool returned error result: %+v", res.Content)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestSearchDatasetsBuildsFilter(t *testing.T) {
	tools, st := testTools()

	res, err := tools.SearchDatasets(context.Background(), callReq(map[string]any{
		"query":      "climate",
		"tags":       []any{"weather", "noaa"},
		"schema_ref": "at://did:plc:alice/science.alt.dataset.schema/weather",
		"limit":      float64(5),
	}))
	if err != nil {
		t.Fatalf("SearchDatasets: %v", err)
	}

	if st.entryFilter.Query != "climate" {
		t.Errorf("query = %q, want climate", st.entryFilter.Query)
	}
	if len(st.entryFilter.Tags) != 2 || st.entryFilter.Tags[0] != "weather" {
		t.Errorf("tags = %v", st.entryFilter.Tags)
	}
	if st.entryFilter.Limit != 5 {
		t.Errorf("limit = %d, want 5", st.entryFilter.Limit)
	}

	var out []map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 dataset, got %d", len(out))
	}
	if out[0]["uri"] != "at://did:plc:bob/science.alt.dataset.entry/d1" {
		t.Errorf("uri = %v", out[0]["uri"])
	}
}

func TestSearchDatasetsRequiresQuery(t *testing.T) {
	tools, _ := testTools()

	res, err := tools.SearchDatasets(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("SearchDatasets: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for missing query")
	}
}

func TestSearchDatasetsClampsLimit(t *testing.T) {
	tools, st := testTools()

	if _, err := tools.SearchDatasets(context.Background(), callReq(map[string]any{
		"query": "x",
		"limit": float64(500),
	})); err != nil {
		t.Fatalf("SearchDatasets: %v", err)
	}
	if st.entryFilter.Limit != 50 {
		t.Errorf("limit = %d, want clamp to 50", st.entryFilter.Limit)
	}
}

func TestGetDataset(t *testing.T) {
	tools, _ := testTools()

	res, err := tools.GetDataset(context.Background(), callReq(map[string]any{
		"uri": "at://did:plc:bob/science.alt.dataset.entry/d1",
	}))
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out["name"] != "climate readings" {
		t.Errorf("name = %v", out["name"])
	}
}

func TestGetDatasetNotFound(t *testing.T) {
	tools, _ := testTools()

	res, err := tools.GetDataset(context.Background(), callReq(map[string]any{
		"uri": "at://did:plc:bob/science.alt.dataset.entry/missing",
	}))
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for missing record")
	}
}

func TestGetDatasetRejectsWrongCollection(t *testing.T) {
	tools, _ := testTools()

	res, err := tools.GetDataset(context.Background(), callReq(map[string]any{
		"uri": "at://did:plc:alice/science.alt.dataset.schema/weather",
	}))
	if err != nil {
		t.Fatalf("GetDataset: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for non-entry URI")
	}
}

func TestGetSchema(t *testing.T) {
	tools, _ := testTools()

	res, err := tools.GetSchema(context.Background(), callReq(map[string]any{
		"uri": "at://did:plc:alice/science.alt.dataset.schema/weather",
	}))
	if err != nil {
		t.Fatalf("GetSchema: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out["version"] != "1.0.0" {
		t.Errorf("version = %v", out["version"])
	}
}

func TestListSchemasDefaults(t *testing.T) {
	tools, st := testTools()

	if _, err := tools.ListSchemas(context.Background(), callReq(map[string]any{})); err != nil {
		t.Fatalf("ListSchemas: %v", err)
	}
	if st.listFilter.Limit != 20 {
		t.Errorf("limit = %d, want default 20", st.listFilter.Limit)
	}
	if st.listFilter.Repo != "" {
		t.Errorf("repo = %q, want empty", st.listFilter.Repo)
	}
}

func TestSearchLensesMatchesEitherDirection(t *testing.T) {
	tools, st := testTools()

	res, err := tools.SearchLenses(context.Background(), callReq(map[string]any{
		"source_schema": "at://did:plc:alice/science.alt.dataset.schema/weather",
	}))
	if err != nil {
		t.Fatalf("SearchLenses: %v", err)
	}
	if !st.lensFilter.Either {
		t.Error("lens search must match source or target")
	}

	var out []map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(out) != 1 || out[0]["name"] != "weather-to-climate" {
		t.Errorf("unexpected lenses: %v", out)
	}
}

func TestDescribeService(t *testing.T) {
	tools, _ := testTools()

	res, err := tools.DescribeService(context.Background(), callReq(nil))
	if err != nil {
		t.Fatalf("DescribeService: %v", err)
	}

	var out struct {
		DID         string           `json:"did"`
		Collections []string         `json:"availableCollections"`
		Counts      map[string]int64 `json:"recordCount"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if out.DID != "did:web:appview.test" {
		t.Errorf("did = %q", out.DID)
	}
	if len(out.Collections) != 5 {
		t.Errorf("collections = %v", out.Collections)
	}
	if out.Counts["science.alt.dataset.entry"] != 3 {
		t.Errorf("entry count = %d", out.Counts["science.alt.dataset.entry"])
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	st := &mockStore{}
	if s := NewServer(st, "did:web:appview.test"); s == nil {
		t.Fatal("NewServer returned nil")
	}
}
