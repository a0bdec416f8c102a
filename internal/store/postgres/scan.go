package postgres

import (
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/altsci/atdata/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanSchema(row scannable) (*model.Schema, error) {
	var s model.Schema
	var (
		cid         sql.NullString
		description sql.NullString
		body        []byte
		metadata    []byte
	)
	err := row.Scan(
		&s.DID,
		&s.RKey,
		&cid,
		&s.Name,
		&s.Version,
		&s.SchemaType,
		&body,
		&description,
		&metadata,
		&s.CreatedAt,
		&s.EventTimeUS,
		&s.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	s.CID = cid.String
	s.Description = description.String
	s.SchemaBody = json.RawMessage(body)
	if len(metadata) > 0 {
		s.Metadata = json.RawMessage(metadata)
	}
	return &s, nil
}

func scanEntryInto(row scannable, extra ...any) (*model.Entry, error) {
	var e model.Entry
	var (
		cid               sql.NullString
		description       sql.NullString
		tags              pq.StringArray
		license           sql.NullString
		sizeSamples       sql.NullInt64
		sizeBytes         sql.NullInt64
		sizeShards        sql.NullInt64
		metadataSchemaRef sql.NullString
		contentMetadata   []byte
		storage           []byte
	)
	dest := []any{
		&e.DID,
		&e.RKey,
		&cid,
		&e.Name,
		&e.SchemaRef,
		&storage,
		&description,
		&tags,
		&license,
		&sizeSamples,
		&sizeBytes,
		&sizeShards,
		&metadataSchemaRef,
		&contentMetadata,
		&e.CreatedAt,
		&e.EventTimeUS,
		&e.IndexedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.CID = cid.String
	e.Description = description.String
	e.Tags = tags
	e.License = license.String
	e.MetadataSchemaRef = metadataSchemaRef.String
	e.Storage = json.RawMessage(storage)
	if len(contentMetadata) > 0 {
		e.ContentMetadata = json.RawMessage(contentMetadata)
	}
	if sizeSamples.Valid || sizeBytes.Valid || sizeShards.Valid {
		e.Size = &model.EntrySize{}
		if sizeSamples.Valid {
			e.Size.Samples = &sizeSamples.Int64
		}
		if sizeBytes.Valid {
			e.Size.Bytes = &sizeBytes.Int64
		}
		if sizeShards.Valid {
			e.Size.Shards = &sizeShards.Int64
		}
	}
	return &e, nil
}

func scanEntry(row scannable) (*model.Entry, error) {
	return scanEntryInto(row)
}

// scanEntryWithRank scans an entry row with a trailing ts_rank column,
// as produced by full-text search listings.
func scanEntryWithRank(row scannable) (*model.Entry, error) {
	var rank float64
	return scanEntryInto(row, &rank)
}

func scanLabel(row scannable) (*model.Label, error) {
	var l model.Label
	var (
		cid         sql.NullString
		version     sql.NullString
		description sql.NullString
	)
	err := row.Scan(
		&l.DID,
		&l.RKey,
		&cid,
		&l.Name,
		&l.DatasetURI,
		&version,
		&description,
		&l.CreatedAt,
		&l.EventTimeUS,
		&l.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	l.CID = cid.String
	l.Version = version.String
	l.Description = description.String
	return &l, nil
}

func scanLens(row scannable) (*model.Lens, error) {
	var l model.Lens
	var (
		cid         sql.NullString
		description sql.NullString
		language    sql.NullString
		getter      []byte
		putter      []byte
		metadata    []byte
	)
	err := row.Scan(
		&l.DID,
		&l.RKey,
		&cid,
		&l.Name,
		&l.SourceSchema,
		&l.TargetSchema,
		&getter,
		&putter,
		&description,
		&language,
		&metadata,
		&l.CreatedAt,
		&l.EventTimeUS,
		&l.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	l.CID = cid.String
	l.Description = description.String
	l.Language = language.String
	l.GetterCode = json.RawMessage(getter)
	l.PutterCode = json.RawMessage(putter)
	if len(metadata) > 0 {
		l.Metadata = json.RawMessage(metadata)
	}
	return &l, nil
}

func scanIndexProvider(row scannable) (*model.IndexProvider, error) {
	var p model.IndexProvider
	var (
		cid         sql.NullString
		description sql.NullString
	)
	err := row.Scan(
		&p.DID,
		&p.RKey,
		&cid,
		&p.Name,
		&p.EndpointURL,
		&description,
		&p.CreatedAt,
		&p.EventTimeUS,
		&p.IndexedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CID = cid.String
	p.Description = description.String
	return &p, nil
}
