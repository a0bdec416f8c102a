package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

// Column lists used for SELECT statements.
const (
	schemaColumns = `did, rkey, cid, name, version, schema_type, schema_body,
	description, metadata, created_at, event_time_us, indexed_at`

	entryColumns = `did, rkey, cid, name, schema_ref, storage, description, tags,
	license, size_samples, size_bytes, size_shards, metadata_schema_ref,
	content_metadata, created_at, event_time_us, indexed_at`

	labelColumns = `did, rkey, cid, name, dataset_uri, version, description,
	created_at, event_time_us, indexed_at`

	lensColumns = `did, rkey, cid, name, source_schema, target_schema, getter_code,
	putter_code, description, language, metadata, created_at, event_time_us, indexed_at`

	indexProviderColumns = `did, rkey, cid, name, endpoint_url, description,
	created_at, event_time_us, indexed_at`
)

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// collectionTables maps a collection to its table name. Table names are
// never interpolated from caller input, only from this map.
var collectionTables = map[model.Collection]string{
	model.CollectionSchema: "schemas",
	model.CollectionEntry:  "entries",
	model.CollectionLabel:  "labels",
	model.CollectionLens:   "lenses",
	model.CollectionIndex:  "index_providers",
}

// lwwGuard is the shared ON CONFLICT condition implementing last-write-wins
// by event timestamp, with CID comparison as the deterministic tie-break.
func lwwGuard(table string) string {
	return fmt.Sprintf(`%s.event_time_us < EXCLUDED.event_time_us
		OR (%s.event_time_us = EXCLUDED.event_time_us
			AND coalesce(%s.cid, '') <= coalesce(EXCLUDED.cid, ''))`, table, table, table)
}

func queryGetCursor(ctx context.Context, db executor, service string) (int64, bool, error) {
	var cursor int64
	err := db.QueryRowContext(ctx,
		`SELECT cursor FROM cursor_state WHERE service = $1`, service).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

func querySetCursor(ctx context.Context, db executor, service string, cursor int64) error {
	// The slot itself refuses to move backward, independent of caller
	// ordering.
	_, err := db.ExecContext(ctx, `
		INSERT INTO cursor_state (service, cursor) VALUES ($1, $2)
		ON CONFLICT (service) DO UPDATE SET cursor = $2, updated_at = NOW()
		WHERE cursor_state.cursor < EXCLUDED.cursor`,
		service, cursor)
	return err
}

func queryUpsertSchema(ctx context.Context, db executor, s *model.Schema) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO schemas (did, rkey, cid, name, version, schema_type, schema_body,
			description, metadata, created_at, event_time_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11)
		ON CONFLICT (did, rkey) DO UPDATE SET
			cid = EXCLUDED.cid,
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			schema_type = EXCLUDED.schema_type,
			schema_body = EXCLUDED.schema_body,
			description = EXCLUDED.description,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			event_time_us = EXCLUDED.event_time_us,
			indexed_at = NOW()
		WHERE `+lwwGuard("schemas"),
		s.DID, s.RKey, nullString(s.CID), s.Name, s.Version, s.SchemaType,
		jsonbOrEmpty(s.SchemaBody), nullString(s.Description), nullJSONB(s.Metadata),
		s.CreatedAt, s.EventTimeUS)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func queryUpsertEntry(ctx context.Context, db executor, e *model.Entry) (bool, error) {
	var samples, bytes, shards *int64
	if e.Size != nil {
		samples, bytes, shards = e.Size.Samples, e.Size.Bytes, e.Size.Shards
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO entries (did, rkey, cid, name, schema_ref, storage, description,
			tags, license, size_samples, size_bytes, size_shards,
			metadata_schema_ref, content_metadata, created_at, event_time_us)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13,
			$14::jsonb, $15, $16)
		ON CONFLICT (did, rkey) DO UPDATE SET
			cid = EXCLUDED.cid,
			name = EXCLUDED.name,
			schema_ref = EXCLUDED.schema_ref,
			storage = EXCLUDED.storage,
			description = EXCLUDED.description,
			tags = EXCLUDED.tags,
			license = EXCLUDED.license,
			size_samples = EXCLUDED.size_samples,
			size_bytes = EXCLUDED.size_bytes,
			size_shards = EXCLUDED.size_shards,
			metadata_schema_ref = EXCLUDED.metadata_schema_ref,
			content_metadata = EXCLUDED.content_metadata,
			created_at = EXCLUDED.created_at,
			event_time_us = EXCLUDED.event_time_us,
			indexed_at = NOW()
		WHERE `+lwwGuard("entries"),
		e.DID, e.RKey, nullString(e.CID), e.Name, e.SchemaRef, jsonbOrEmpty(e.Storage),
		nullString(e.Description), pq.Array(e.Tags), nullString(e.License),
		samples, bytes, shards, nullString(e.MetadataSchemaRef),
		nullJSONB(e.ContentMetadata), e.CreatedAt, e.EventTimeUS)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func queryUpsertLabel(ctx context.Context, db executor, l *model.Label) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO labels (did, rkey, cid, name, dataset_uri, version, description,
			created_at, event_time_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (did, rkey) DO UPDATE SET
			cid = EXCLUDED.cid,
			name = EXCLUDED.name,
			dataset_uri = EXCLUDED.dataset_uri,
			version = EXCLUDED.version,
			description = EXCLUDED.description,
			created_at = EXCLUDED.created_at,
			event_time_us = EXCLUDED.event_time_us,
			indexed_at = NOW()
		WHERE `+lwwGuard("labels"),
		l.DID, l.RKey, nullString(l.CID), l.Name, l.DatasetURI,
		nullString(l.Version), nullString(l.Description), l.CreatedAt, l.EventTimeUS)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func queryUpsertLens(ctx context.Context, db executor, l *model.Lens) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO lenses (did, rkey, cid, name, source_schema, target_schema,
			getter_code, putter_code, description, language, metadata,
			created_at, event_time_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11::jsonb, $12, $13)
		ON CONFLICT (did, rkey) DO UPDATE SET
			cid = EXCLUDED.cid,
			name = EXCLUDED.name,
			source_schema = EXCLUDED.source_schema,
			target_schema = EXCLUDED.target_schema,
			getter_code = EXCLUDED.getter_code,
			putter_code = EXCLUDED.putter_code,
			description = EXCLUDED.description,
			language = EXCLUDED.language,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			event_time_us = EXCLUDED.event_time_us,
			indexed_at = NOW()
		WHERE `+lwwGuard("lenses"),
		l.DID, l.RKey, nullString(l.CID), l.Name, l.SourceSchema, l.TargetSchema,
		jsonbOrEmpty(l.GetterCode), jsonbOrEmpty(l.PutterCode),
		nullString(l.Description), nullString(l.Language), nullJSONB(l.Metadata),
		l.CreatedAt, l.EventTimeUS)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func queryUpsertIndexProvider(ctx context.Context, db executor, p *model.IndexProvider) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO index_providers (did, rkey, cid, name, endpoint_url, description,
			created_at, event_time_us)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (did, rkey) DO UPDATE SET
			cid = EXCLUDED.cid,
			name = EXCLUDED.name,
			endpoint_url = EXCLUDED.endpoint_url,
			description = EXCLUDED.description,
			created_at = EXCLUDED.created_at,
			event_time_us = EXCLUDED.event_time_us,
			indexed_at = NOW()
		WHERE `+lwwGuard("index_providers"),
		p.DID, p.RKey, nullString(p.CID), p.Name, p.EndpointURL,
		nullString(p.Description), p.CreatedAt, p.EventTimeUS)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func queryDeleteRecord(ctx context.Context, db executor, collection model.Collection, did, rkey string) (bool, error) {
	table, ok := collectionTables[collection]
	if !ok {
		return false, nil
	}
	res, err := db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE did = $1 AND rkey = $2`, did, rkey)
	if err != nil {
		return false, err
	}
	return rowsChanged(res)
}

func queryRecordExists(ctx context.Context, db executor, collection model.Collection, did, rkey string) (bool, error) {
	table, ok := collectionTables[collection]
	if !ok {
		return false, nil
	}
	var one int
	err := db.QueryRowContext(ctx,
		`SELECT 1 FROM `+table+` WHERE did = $1 AND rkey = $2`, did, rkey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func queryGetSchema(ctx context.Context, db executor, did, rkey string) (*model.Schema, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+schemaColumns+` FROM schemas WHERE did = $1 AND rkey = $2`, did, rkey)
	s, err := scanSchema(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func queryGetEntry(ctx context.Context, db executor, did, rkey string) (*model.Entry, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE did = $1 AND rkey = $2`, did, rkey)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func queryGetEntries(ctx context.Context, db executor, keys [][2]string) ([]*model.Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	conds := make([]string, len(keys))
	args := make([]any, 0, len(keys)*2)
	for i, k := range keys {
		conds[i] = fmt.Sprintf("(did = $%d AND rkey = $%d)", i*2+1, i*2+2)
		args = append(args, k[0], k[1])
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func queryGetIndexProvider(ctx context.Context, db executor, did, rkey string) (*model.IndexProvider, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+indexProviderColumns+` FROM index_providers WHERE did = $1 AND rkey = $2`, did, rkey)
	p, err := scanIndexProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func queryResolveLabel(ctx context.Context, db executor, did, name, version string) (*model.Label, error) {
	var row *sql.Row
	if version != "" {
		row = db.QueryRowContext(ctx, `
			SELECT `+labelColumns+` FROM labels
			WHERE did = $1 AND name = $2 AND version = $3
			ORDER BY created_at DESC LIMIT 1`, did, name, version)
	} else {
		row = db.QueryRowContext(ctx, `
			SELECT `+labelColumns+` FROM labels
			WHERE did = $1 AND name = $2
			ORDER BY created_at DESC LIMIT 1`, did, name)
	}
	l, err := scanLabel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// queryResolveSchema finds a schema by its versioned rkey convention
// ("<schemaId>@<version>"). Without a version, the greatest rkey wins.
func queryResolveSchema(ctx context.Context, db executor, did, schemaID, version string) (*model.Schema, error) {
	var row *sql.Row
	if version != "" {
		row = db.QueryRowContext(ctx,
			`SELECT `+schemaColumns+` FROM schemas WHERE did = $1 AND rkey = $2`,
			did, schemaID+"@"+version)
	} else {
		row = db.QueryRowContext(ctx, `
			SELECT `+schemaColumns+` FROM schemas
			WHERE did = $1 AND rkey LIKE $2
			ORDER BY rkey DESC LIMIT 1`, did, schemaID+"@%")
	}
	s, err := scanSchema(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// pageClause appends the recency-cursor condition and LIMIT to a query.
type pageClause struct {
	conds []string
	args  []any
}

func (p *pageClause) add(cond string, args ...any) {
	n := len(p.args)
	for i := range args {
		cond = strings.Replace(cond, "$?", fmt.Sprintf("$%d", n+i+1), 1)
	}
	p.conds = append(p.conds, cond)
	p.args = append(p.args, args...)
}

func (p *pageClause) cursor(c *model.PageCursor) {
	if c == nil {
		return
	}
	p.add("(indexed_at, did, rkey) < ($?, $?, $?)", c.IndexedAt, c.DID, c.RKey)
}

func (p *pageClause) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(p.conds, " AND ")
}

func (p *pageClause) limit(n int) string {
	p.args = append(p.args, n)
	return fmt.Sprintf("ORDER BY indexed_at DESC, did DESC, rkey DESC LIMIT $%d", len(p.args))
}

func queryListSchemas(ctx context.Context, db executor, f store.ListFilter) ([]*model.Schema, error) {
	var p pageClause
	if f.Repo != "" {
		p.add("did = $?", f.Repo)
	}
	p.cursor(f.Cursor)
	q := `SELECT ` + schemaColumns + ` FROM schemas ` + p.where() + " " + p.limit(f.Limit)

	rows, err := db.QueryContext(ctx, q, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Schema
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func queryListEntries(ctx context.Context, db executor, f store.EntryFilter) ([]*model.Entry, error) {
	var p pageClause
	cols := entryColumns
	order := ""
	if f.Query != "" {
		p.add("search_tsv @@ plainto_tsquery('english', $?)", f.Query)
		// Rank full-text matches first, recency as tie-break.
		cols += `, ts_rank(search_tsv, plainto_tsquery('english', $1)) AS rank`
		order = "rank DESC, "
	}
	if len(f.Tags) > 0 {
		p.add("tags @> $?", pq.Array(f.Tags))
	}
	if f.SchemaRef != "" {
		p.add("schema_ref = $?", f.SchemaRef)
	}
	if f.Repo != "" {
		p.add("did = $?", f.Repo)
	}
	p.cursor(f.Cursor)

	p.args = append(p.args, f.Limit)
	q := fmt.Sprintf(`SELECT %s FROM entries %s ORDER BY %sindexed_at DESC, did DESC, rkey DESC LIMIT $%d`,
		cols, p.where(), order, len(p.args))

	rows, err := db.QueryContext(ctx, q, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Entry
	for rows.Next() {
		var e *model.Entry
		var err error
		if f.Query != "" {
			e, err = scanEntryWithRank(rows)
		} else {
			e, err = scanEntry(rows)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func queryListLabels(ctx context.Context, db executor, f store.ListFilter) ([]*model.Label, error) {
	var p pageClause
	if f.Repo != "" {
		p.add("did = $?", f.Repo)
	}
	p.cursor(f.Cursor)
	q := `SELECT ` + labelColumns + ` FROM labels ` + p.where() + " " + p.limit(f.Limit)

	rows, err := db.QueryContext(ctx, q, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func queryListLenses(ctx context.Context, db executor, f store.LensFilter) ([]*model.Lens, error) {
	var p pageClause
	if f.Repo != "" {
		p.add("did = $?", f.Repo)
	}
	switch {
	case f.Either && f.SourceSchema != "" && f.TargetSchema != "":
		p.add("(source_schema = $? OR target_schema = $?)", f.SourceSchema, f.TargetSchema)
	default:
		if f.SourceSchema != "" {
			p.add("source_schema = $?", f.SourceSchema)
		}
		if f.TargetSchema != "" {
			p.add("target_schema = $?", f.TargetSchema)
		}
	}
	p.cursor(f.Cursor)
	q := `SELECT ` + lensColumns + ` FROM lenses ` + p.where() + " " + p.limit(f.Limit)

	rows, err := db.QueryContext(ctx, q, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Lens
	for rows.Next() {
		l, err := scanLens(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func queryListIndexProviders(ctx context.Context, db executor, f store.ListFilter) ([]*model.IndexProvider, error) {
	var p pageClause
	if f.Repo != "" {
		p.add("did = $?", f.Repo)
	}
	p.cursor(f.Cursor)
	q := `SELECT ` + indexProviderColumns + ` FROM index_providers ` + p.where() + " " + p.limit(f.Limit)

	rows, err := db.QueryContext(ctx, q, p.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.IndexProvider
	for rows.Next() {
		pr, err := scanIndexProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func queryLabelsForDataset(ctx context.Context, db executor, datasetURI string, limit int) ([]*model.Label, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+labelColumns+` FROM labels
		WHERE dataset_uri = $1 ORDER BY created_at DESC LIMIT $2`,
		datasetURI, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func queryRecordCounts(ctx context.Context, db executor) (map[model.Collection]int64, error) {
	counts := make(map[model.Collection]int64, len(collectionTables))
	for _, c := range model.Collections() {
		var n int64
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+collectionTables[c]).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", collectionTables[c], err)
		}
		counts[c] = n
	}
	return counts, nil
}

func queryRecordInteraction(ctx context.Context, db executor, eventType, targetDID, targetRKey string, params json.RawMessage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO analytics_events (event_type, target_did, target_rkey, query_params)
		VALUES ($1, $2, $3, $4::jsonb)`,
		eventType, nullString(targetDID), nullString(targetRKey), nullJSONB(params))
	return err
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// jsonbOrEmpty renders a raw JSON value, defaulting to an empty object for
// NOT NULL jsonb columns.
func jsonbOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func nullJSONB(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
