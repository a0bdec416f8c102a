// Package store defines the persistence interface for indexed records.
package store

import (
	"context"
	"encoding/json"

	"github.com/altsci/atdata/internal/model"
)

// EntryFilter narrows listEntries / searchDatasets results.
type EntryFilter struct {
	Repo      string
	Query     string // full-text search; empty = no search clause
	Tags      []string
	SchemaRef string
	Limit     int
	Cursor    *model.PageCursor
}

// LensFilter narrows listLenses / searchLenses results.
type LensFilter struct {
	Repo         string
	SourceSchema string
	TargetSchema string
	// Either matches lenses whose source OR target equals the given
	// schemas (searchLenses semantics) instead of requiring both.
	Either bool
	Limit  int
	Cursor *model.PageCursor
}

// ListFilter narrows the plain per-collection listings.
type ListFilter struct {
	Repo   string
	Limit  int
	Cursor *model.PageCursor
}

// Store is the persistence interface for the AppView index. Upserts apply
// last-write-wins by event timestamp: they report false when the stored
// row already carries a newer event and the write was skipped.
type Store interface {
	// Cursor state
	GetCursor(ctx context.Context, service string) (int64, bool, error)
	SetCursor(ctx context.Context, service string, cursor int64) error

	// Record upserts (timestamp-wins; bool reports whether the row changed)
	UpsertSchema(ctx context.Context, s *model.Schema) (bool, error)
	UpsertEntry(ctx context.Context, e *model.Entry) (bool, error)
	UpsertLabel(ctx context.Context, l *model.Label) (bool, error)
	UpsertLens(ctx context.Context, l *model.Lens) (bool, error)
	UpsertIndexProvider(ctx context.Context, p *model.IndexProvider) (bool, error)

	// DeleteRecord removes the row for (did, rkey) in the collection's
	// table regardless of payload. Reports whether a row existed.
	DeleteRecord(ctx context.Context, collection model.Collection, did, rkey string) (bool, error)

	// RecordExists reports whether a row exists for (did, rkey).
	RecordExists(ctx context.Context, collection model.Collection, did, rkey string) (bool, error)

	// Point lookups (nil, nil when not found)
	GetSchema(ctx context.Context, did, rkey string) (*model.Schema, error)
	GetEntry(ctx context.Context, did, rkey string) (*model.Entry, error)
	GetEntries(ctx context.Context, keys [][2]string) ([]*model.Entry, error)
	GetIndexProvider(ctx context.Context, did, rkey string) (*model.IndexProvider, error)

	// Name-based resolution
	ResolveLabel(ctx context.Context, did, name, version string) (*model.Label, error)
	ResolveSchema(ctx context.Context, did, schemaID, version string) (*model.Schema, error)

	// Listings, newest indexed first
	ListSchemas(ctx context.Context, f ListFilter) ([]*model.Schema, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]*model.Entry, error)
	ListLabels(ctx context.Context, f ListFilter) ([]*model.Label, error)
	ListLenses(ctx context.Context, f LensFilter) ([]*model.Lens, error)
	ListIndexProviders(ctx context.Context, f ListFilter) ([]*model.IndexProvider, error)
	LabelsForDataset(ctx context.Context, datasetURI string, limit int) ([]*model.Label, error)

	// Aggregates
	RecordCounts(ctx context.Context) (map[model.Collection]int64, error)

	// Telemetry
	RecordInteraction(ctx context.Context, eventType, targetDID, targetRKey string, params json.RawMessage) error

	// Lifecycle
	Close() error
}
