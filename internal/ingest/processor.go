package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/altsci/atdata/internal/changestream"
	"github.com/altsci/atdata/internal/fetch"
	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

// Mirror re-publishes committed change events to an external broker.
// Mirror failures are logged, never propagated: the broker is an
// observer of the index, not part of its write path.
type Mirror interface {
	Publish(ctx context.Context, ev changestream.Event) error
}

// handler validates and writes one collection's records. It reports
// whether a row actually changed; skipped writes emit no change event.
type handler func(ctx context.Context, ev *CommitEvent) (bool, error)

// Processor routes firehose events to per-collection handlers. Unknown
// collections are discarded without error so namespace growth upstream
// cannot break ingestion.
type Processor struct {
	store     store.Store
	stream    *changestream.Stream
	validator *fetch.Validator
	mirror    Mirror
	logger    *slog.Logger
	metrics   *Metrics

	handlers map[model.Collection]handler
}

// NewProcessor builds a Processor with a handler registered for every
// indexed collection. mirror may be nil.
func NewProcessor(st store.Store, stream *changestream.Stream, validator *fetch.Validator, mirror Mirror, logger *slog.Logger, metrics *Metrics) *Processor {
	p := &Processor{
		store:     st,
		stream:    stream,
		validator: validator,
		mirror:    mirror,
		logger:    logger,
		metrics:   metrics,
	}
	p.handlers = map[model.Collection]handler{
		model.CollectionSchema: p.upsertSchema,
		model.CollectionEntry:  p.upsertEntry,
		model.CollectionLabel:  p.upsertLabel,
		model.CollectionLens:   p.upsertLens,
		model.CollectionIndex:  p.upsertIndexProvider,
	}
	return p
}

// Process applies one firehose event. Validation failures drop the
// event and return nil; only storage errors propagate, so the caller
// can distinguish a bad record from an unavailable database.
func (p *Processor) Process(ctx context.Context, ev *CommitEvent) error {
	if ev.Kind != "commit" || ev.Commit == nil {
		return nil
	}

	collection := model.Collection(ev.Commit.Collection)
	h, ok := p.handlers[collection]
	if !ok {
		return nil
	}

	op := model.Operation(ev.Commit.Operation)
	if !op.IsValid() {
		p.drop(collection, "unknown_operation")
		return nil
	}

	if op == model.OpDelete {
		deleted, err := p.store.DeleteRecord(ctx, collection, ev.DID, ev.Commit.RKey)
		if err != nil {
			return fmt.Errorf("deleting %s %s/%s: %w", collection, ev.DID, ev.Commit.RKey, err)
		}
		if deleted {
			p.emit(ctx, op, collection, ev, nil)
		}
		return nil
	}

	applied, err := h(ctx, ev)
	if err != nil {
		return fmt.Errorf("upserting %s %s/%s: %w", collection, ev.DID, ev.Commit.RKey, err)
	}
	if applied {
		p.emit(ctx, op, collection, ev, ev.Commit.Record)
	}
	if p.metrics != nil {
		p.metrics.EventsProcessed.WithLabelValues(string(collection), string(op)).Inc()
	}
	return nil
}

// emit publishes a change event after the write committed, and mirrors
// it to the external broker when one is configured.
func (p *Processor) emit(ctx context.Context, op model.Operation, collection model.Collection, ev *CommitEvent, record json.RawMessage) {
	out := changestream.NewEvent(op, collection, ev.DID, ev.Commit.RKey, ev.Commit.CID)
	out.Record = record
	out = p.stream.Publish(out)

	if p.mirror != nil {
		if err := p.mirror.Publish(ctx, out); err != nil {
			p.logger.Warn("mirroring change event failed",
				"collection", collection, "did", ev.DID, "rkey", ev.Commit.RKey, "error", err)
		}
	}
}

// drop counts a validation rejection. Dropped events are the publisher's
// fault, not ours; a redelivery after the missing referent arrives will
// succeed.
func (p *Processor) drop(collection model.Collection, reason string) {
	if p.metrics != nil {
		p.metrics.ValidationDrops.WithLabelValues(string(collection), reason).Inc()
	}
	p.logger.Debug("dropped record", "collection", collection, "reason", reason)
}

func (p *Processor) upsertSchema(ctx context.Context, ev *CommitEvent) (bool, error) {
	var rec model.Schema
	if err := json.Unmarshal(ev.Commit.Record, &rec); err != nil {
		p.drop(model.CollectionSchema, "malformed_record")
		return false, nil
	}
	if rec.Name == "" || rec.Version == "" {
		p.drop(model.CollectionSchema, "missing_required_field")
		return false, nil
	}
	if rec.SchemaType == "" {
		rec.SchemaType = "jsonSchema"
	}
	if rec.SchemaType == "jsonSchema" && len(rec.SchemaBody) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(rec.SchemaBody)); err != nil {
			p.drop(model.CollectionSchema, "invalid_schema_body")
			return false, nil
		}
	}
	p.fillIdentity(&rec.DID, &rec.RKey, &rec.CID, &rec.EventTimeUS, ev)
	return p.store.UpsertSchema(ctx, &rec)
}

func (p *Processor) upsertEntry(ctx context.Context, ev *CommitEvent) (bool, error) {
	var rec model.Entry
	if err := json.Unmarshal(ev.Commit.Record, &rec); err != nil {
		p.drop(model.CollectionEntry, "malformed_record")
		return false, nil
	}
	if rec.Name == "" || rec.SchemaRef == "" {
		p.drop(model.CollectionEntry, "missing_required_field")
		return false, nil
	}
	ok, err := p.referentExists(ctx, rec.SchemaRef, model.CollectionSchema)
	if err != nil {
		return false, err
	}
	if !ok {
		p.drop(model.CollectionEntry, "unresolved_schema_ref")
		return false, nil
	}
	p.fillIdentity(&rec.DID, &rec.RKey, &rec.CID, &rec.EventTimeUS, ev)
	return p.store.UpsertEntry(ctx, &rec)
}

func (p *Processor) upsertLabel(ctx context.Context, ev *CommitEvent) (bool, error) {
	var rec model.Label
	if err := json.Unmarshal(ev.Commit.Record, &rec); err != nil {
		p.drop(model.CollectionLabel, "malformed_record")
		return false, nil
	}
	if rec.Name == "" || rec.DatasetURI == "" {
		p.drop(model.CollectionLabel, "missing_required_field")
		return false, nil
	}
	ok, err := p.referentExists(ctx, rec.DatasetURI, model.CollectionEntry)
	if err != nil {
		return false, err
	}
	if !ok {
		p.drop(model.CollectionLabel, "unresolved_dataset_uri")
		return false, nil
	}
	p.fillIdentity(&rec.DID, &rec.RKey, &rec.CID, &rec.EventTimeUS, ev)
	return p.store.UpsertLabel(ctx, &rec)
}

func (p *Processor) upsertLens(ctx context.Context, ev *CommitEvent) (bool, error) {
	var rec model.Lens
	if err := json.Unmarshal(ev.Commit.Record, &rec); err != nil {
		p.drop(model.CollectionLens, "malformed_record")
		return false, nil
	}
	if rec.Name == "" || rec.SourceSchema == "" || rec.TargetSchema == "" {
		p.drop(model.CollectionLens, "missing_required_field")
		return false, nil
	}
	for _, ref := range []string{rec.SourceSchema, rec.TargetSchema} {
		ok, err := p.referentExists(ctx, ref, model.CollectionSchema)
		if err != nil {
			return false, err
		}
		if !ok {
			p.drop(model.CollectionLens, "unresolved_schema_ref")
			return false, nil
		}
	}
	p.fillIdentity(&rec.DID, &rec.RKey, &rec.CID, &rec.EventTimeUS, ev)
	return p.store.UpsertLens(ctx, &rec)
}

func (p *Processor) upsertIndexProvider(ctx context.Context, ev *CommitEvent) (bool, error) {
	var rec model.IndexProvider
	if err := json.Unmarshal(ev.Commit.Record, &rec); err != nil {
		p.drop(model.CollectionIndex, "malformed_record")
		return false, nil
	}
	if rec.Name == "" || rec.EndpointURL == "" {
		p.drop(model.CollectionIndex, "missing_required_field")
		return false, nil
	}
	// Provider endpoints are rejected at ingestion, not merely at query
	// time. Backfill goes through this same path.
	if _, err := p.validator.ValidateURL(ctx, rec.EndpointURL); err != nil {
		p.logger.Info("rejecting index provider endpoint",
			"did", ev.DID, "rkey", ev.Commit.RKey, "error", err)
		p.drop(model.CollectionIndex, "ssrf_rejected")
		return false, nil
	}
	p.fillIdentity(&rec.DID, &rec.RKey, &rec.CID, &rec.EventTimeUS, ev)
	return p.store.UpsertIndexProvider(ctx, &rec)
}

// referentExists checks that an AT-URI reference points at an existing
// row of the wanted collection. A malformed or wrong-collection URI is
// simply a failed reference, not an error.
func (p *Processor) referentExists(ctx context.Context, uri string, want model.Collection) (bool, error) {
	did, collection, rkey, err := model.ParseATURI(uri)
	if err != nil {
		return false, nil
	}
	if model.Collection(collection) != want {
		return false, nil
	}
	return p.store.RecordExists(ctx, want, did, rkey)
}

func (p *Processor) fillIdentity(did, rkey, cid *string, timeUS *int64, ev *CommitEvent) {
	*did = ev.DID
	*rkey = ev.Commit.RKey
	*cid = ev.Commit.CID
	*timeUS = ev.TimeUS
}
