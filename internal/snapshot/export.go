// Package snapshot periodically exports the whole index as JSONL to
// object storage, giving downstream consumers a bulk bootstrap path
// that does not replay the firehose.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

const exportPageSize = 500

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
	Data any    `json:"data"`
}

// ExportJSONL writes every indexed record to w, one JSON object per
// line, paged out of the store in indexed order.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:   "1",
		Type:      "header",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	if err := exportSchemas(ctx, s, enc); err != nil {
		return err
	}
	if err := exportEntries(ctx, s, enc); err != nil {
		return err
	}
	if err := exportLabels(ctx, s, enc); err != nil {
		return err
	}
	if err := exportLenses(ctx, s, enc); err != nil {
		return err
	}
	return exportIndexProviders(ctx, s, enc)
}

func pageCursor(indexedAt time.Time, did, rkey string) *model.PageCursor {
	return &model.PageCursor{IndexedAt: indexedAt, DID: did, RKey: rkey}
}

func exportSchemas(ctx context.Context, s store.Store, enc *json.Encoder) error {
	var cursor *model.PageCursor
	for {
		page, err := s.ListSchemas(ctx, store.ListFilter{Limit: exportPageSize, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list schemas: %w", err)
		}
		for _, rec := range page {
			if err := enc.Encode(record{Type: "schema", URI: rec.URI(), Data: rec}); err != nil {
				return fmt.Errorf("encode schema %s: %w", rec.URI(), err)
			}
		}
		if len(page) < exportPageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = pageCursor(last.IndexedAt, last.DID, last.RKey)
	}
}

func exportEntries(ctx context.Context, s store.Store, enc *json.Encoder) error {
	var cursor *model.PageCursor
	for {
		page, err := s.ListEntries(ctx, store.EntryFilter{Limit: exportPageSize, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		for _, rec := range page {
			if err := enc.Encode(record{Type: "entry", URI: rec.URI(), Data: rec}); err != nil {
				return fmt.Errorf("encode entry %s: %w", rec.URI(), err)
			}
		}
		if len(page) < exportPageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = pageCursor(last.IndexedAt, last.DID, last.RKey)
	}
}

func exportLabels(ctx context.Context, s store.Store, enc *json.Encoder) error {
	var cursor *model.PageCursor
	for {
		page, err := s.ListLabels(ctx, store.ListFilter{Limit: exportPageSize, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list labels: %w", err)
		}
		for _, rec := range page {
			if err := enc.Encode(record{Type: "label", URI: rec.URI(), Data: rec}); err != nil {
				return fmt.Errorf("encode label %s: %w", rec.URI(), err)
			}
		}
		if len(page) < exportPageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = pageCursor(last.IndexedAt, last.DID, last.RKey)
	}
}

func exportLenses(ctx context.Context, s store.Store, enc *json.Encoder) error {
	var cursor *model.PageCursor
	for {
		page, err := s.ListLenses(ctx, store.LensFilter{Limit: exportPageSize, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list lenses: %w", err)
		}
		for _, rec := range page {
			if err := enc.Encode(record{Type: "lens", URI: rec.URI(), Data: rec}); err != nil {
				return fmt.Errorf("encode lens %s: %w", rec.URI(), err)
			}
		}
		if len(page) < exportPageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = pageCursor(last.IndexedAt, last.DID, last.RKey)
	}
}

func exportIndexProviders(ctx context.Context, s store.Store, enc *json.Encoder) error {
	var cursor *model.PageCursor
	for {
		page, err := s.ListIndexProviders(ctx, store.ListFilter{Limit: exportPageSize, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list index providers: %w", err)
		}
		for _, rec := range page {
			if err := enc.Encode(record{Type: "index", URI: rec.URI(), Data: rec}); err != nil {
				return fmt.Errorf("encode index provider %s: %w", rec.URI(), err)
			}
		}
		if len(page) < exportPageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = pageCursor(last.IndexedAt, last.DID, last.RKey)
	}
}
