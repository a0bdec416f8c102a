// Package mcptools exposes the dataset index to AI agents over the
// Model Context Protocol: search and lookup tools backed by the same
// store queries the XRPC surface uses.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

const serverInstructions = "ATProto AppView for the science.alt.dataset namespace. " +
	"Use these tools to discover and query scientific datasets, schemas, " +
	"and lenses (bidirectional schema transforms) published on the AT " +
	"Protocol network."

// Tools binds the MCP tool handlers to the index.
type Tools struct {
	store      store.Store
	serviceDID string
}

// NewTools builds the handler set.
func NewTools(st store.Store, serviceDID string) *Tools {
	return &Tools{store: st, serviceDID: serviceDID}
}

// NewServer assembles an MCP server with every tool registered.
func NewServer(st store.Store, serviceDID string) *server.MCPServer {
	t := NewTools(st, serviceDID)
	s := server.NewMCPServer("atdata", "0.1.0",
		server.WithInstructions(serverInstructions),
	)

	s.AddTool(mcp.NewTool("search_datasets",
		mcp.WithDescription("Search for datasets by text query, tags, schema, or author."),
		mcp.WithString("query", mcp.Required(),
			mcp.Description("Full-text search query over dataset names and descriptions.")),
		mcp.WithArray("tags",
			mcp.Description("Optional list of tags to filter by (all must match)."),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("schema_ref",
			mcp.Description("Optional AT-URI of a schema to filter by.")),
		mcp.WithString("repo",
			mcp.Description("Optional DID of the dataset author.")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 10, max 50).")),
	), t.SearchDatasets)

	s.AddTool(mcp.NewTool("get_dataset",
		mcp.WithDescription("Fetch a single dataset entry by its AT-URI."),
		mcp.WithString("uri", mcp.Required(),
			mcp.Description("AT-URI of the dataset record.")),
	), t.GetDataset)

	s.AddTool(mcp.NewTool("get_schema",
		mcp.WithDescription("Fetch a schema definition by its AT-URI."),
		mcp.WithString("uri", mcp.Required(),
			mcp.Description("AT-URI of the schema record.")),
	), t.GetSchema)

	s.AddTool(mcp.NewTool("list_schemas",
		mcp.WithDescription("Browse available dataset schemas with optional filtering by author."),
		mcp.WithString("repo",
			mcp.Description("Optional DID of the schema author.")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 20, max 100).")),
	), t.ListSchemas)

	s.AddTool(mcp.NewTool("search_lenses",
		mcp.WithDescription("Find lenses (bidirectional schema transforms) between schemas."),
		mcp.WithString("source_schema",
			mcp.Description("Optional AT-URI of the source schema.")),
		mcp.WithString("target_schema",
			mcp.Description("Optional AT-URI of the target schema.")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 10, max 50).")),
	), t.SearchLenses)

	s.AddTool(mcp.NewTool("describe_service",
		mcp.WithDescription("Get the service DID, supported collections, and record counts."),
	), t.DescribeService)

	return s
}

// ServeStdio runs the tool server on stdin/stdout until EOF.
func ServeStdio(st store.Store, serviceDID string) error {
	return server.ServeStdio(NewServer(st, serviceDID))
}

// SearchDatasets is the search_datasets tool.
func (t *Tools) SearchDatasets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := t.store.ListEntries(ctx, store.EntryFilter{
		Query:     query,
		Tags:      req.GetStringSlice("tags", nil),
		SchemaRef: req.GetString("schema_ref", ""),
		Repo:      req.GetString("repo", ""),
		Limit:     clampLimit(req.GetInt("limit", 10), 50),
	})
	if err != nil {
		return nil, fmt.Errorf("searching datasets: %w", err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, withURI(e.URI(), e))
	}
	return resultJSON(out)
}

// GetDataset is the get_dataset tool.
func (t *Tools) GetDataset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := req.RequireString("uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	did, collection, rkey, err := model.ParseATURI(uri)
	if err != nil || model.Collection(collection) != model.CollectionEntry {
		return mcp.NewToolResultError("uri must be a valid entry AT-URI"), nil
	}
	entry, err := t.store.GetEntry(ctx, did, rkey)
	if err != nil {
		return nil, fmt.Errorf("fetching dataset: %w", err)
	}
	if entry == nil {
		return mcp.NewToolResultError("dataset not found: " + uri), nil
	}
	return resultJSON(withURI(entry.URI(), entry))
}

// GetSchema is the get_schema tool.
func (t *Tools) GetSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := req.RequireString("uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	did, collection, rkey, err := model.ParseATURI(uri)
	if err != nil || model.Collection(collection) != model.CollectionSchema {
		return mcp.NewToolResultError("uri must be a valid schema AT-URI"), nil
	}
	schema, err := t.store.GetSchema(ctx, did, rkey)
	if err != nil {
		return nil, fmt.Errorf("fetching schema: %w", err)
	}
	if schema == nil {
		return mcp.NewToolResultError("schema not found: " + uri), nil
	}
	return resultJSON(withURI(schema.URI(), schema))
}

// ListSchemas is the list_schemas tool.
func (t *Tools) ListSchemas(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schemas, err := t.store.ListSchemas(ctx, store.ListFilter{
		Repo:  req.GetString("repo", ""),
		Limit: clampLimit(req.GetInt("limit", 20), 100),
	})
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	out := make([]map[string]any, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, withURI(s.URI(), s))
	}
	return resultJSON(out)
}

// SearchLenses is the search_lenses tool.
func (t *Tools) SearchLenses(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lenses, err := t.store.ListLenses(ctx, store.LensFilter{
		SourceSchema: req.GetString("source_schema", ""),
		TargetSchema: req.GetString("target_schema", ""),
		Either:       true,
		Limit:        clampLimit(req.GetInt("limit", 10), 50),
	})
	if err != nil {
		return nil, fmt.Errorf("searching lenses: %w", err)
	}
	out := make([]map[string]any, 0, len(lenses))
	for _, l := range lenses {
		out = append(out, withURI(l.URI(), l))
	}
	return resultJSON(out)
}

// DescribeService is the describe_service tool.
func (t *Tools) DescribeService(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts, err := t.store.RecordCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	collections := model.Collections()
	names := make([]string, 0, len(collections))
	for _, c := range collections {
		names = append(names, string(c))
	}
	return resultJSON(map[string]any{
		"did":                  t.serviceDID,
		"availableCollections": names,
		"recordCount":          counts,
	})
}

func clampLimit(n, max int) int {
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// withURI flattens a record into a map with its AT-URI attached.
func withURI(uri string, rec any) map[string]any {
	b, err := json.Marshal(rec)
	if err != nil {
		return map[string]any{"uri": uri}
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"uri": uri}
	}
	m["uri"] = uri
	return m
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
