// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/altsci/atdata/internal/model"
	"github.com/altsci/atdata/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	return queryGetCursor(ctx, s.db, service)
}

func (s *PostgresStore) SetCursor(ctx context.Context, service string, cursor int64) error {
	return querySetCursor(ctx, s.db, service, cursor)
}

func (s *PostgresStore) UpsertSchema(ctx context.Context, sch *model.Schema) (bool, error) {
	return queryUpsertSchema(ctx, s.db, sch)
}

func (s *PostgresStore) UpsertEntry(ctx context.Context, e *model.Entry) (bool, error) {
	return queryUpsertEntry(ctx, s.db, e)
}

func (s *PostgresStore) UpsertLabel(ctx context.Context, l *model.Label) (bool, error) {
	return queryUpsertLabel(ctx, s.db, l)
}

func (s *PostgresStore) UpsertLens(ctx context.Context, l *model.Lens) (bool, error) {
	return queryUpsertLens(ctx, s.db, l)
}

func (s *PostgresStore) UpsertIndexProvider(ctx context.Context, p *model.IndexProvider) (bool, error) {
	return queryUpsertIndexProvider(ctx, s.db, p)
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, collection model.Collection, did, rkey string) (bool, error) {
	return queryDeleteRecord(ctx, s.db, collection, did, rkey)
}

func (s *PostgresStore) RecordExists(ctx context.Context, collection model.Collection, did, rkey string) (bool, error) {
	return queryRecordExists(ctx, s.db, collection, did, rkey)
}

func (s *PostgresStore) GetSchema(ctx context.Context, did, rkey string) (*model.Schema, error) {
	return queryGetSchema(ctx, s.db, did, rkey)
}

func (s *PostgresStore) GetEntry(ctx context.Context, did, rkey string) (*model.Entry, error) {
	return queryGetEntry(ctx, s.db, did, rkey)
}

func (s *PostgresStore) GetEntries(ctx context.Context, keys [][2]string) ([]*model.Entry, error) {
	return queryGetEntries(ctx, s.db, keys)
}

func (s *PostgresStore) GetIndexProvider(ctx context.Context, did, rkey string) (*model.IndexProvider, error) {
	return queryGetIndexProvider(ctx, s.db, did, rkey)
}

func (s *PostgresStore) ResolveLabel(ctx context.Context, did, name, version string) (*model.Label, error) {
	return queryResolveLabel(ctx, s.db, did, name, version)
}

func (s *PostgresStore) ResolveSchema(ctx context.Context, did, schemaID, version string) (*model.Schema, error) {
	return queryResolveSchema(ctx, s.db, did, schemaID, version)
}

func (s *PostgresStore) ListSchemas(ctx context.Context, f store.ListFilter) ([]*model.Schema, error) {
	return queryListSchemas(ctx, s.db, f)
}

func (s *PostgresStore) ListEntries(ctx context.Context, f store.EntryFilter) ([]*model.Entry, error) {
	return queryListEntries(ctx, s.db, f)
}

func (s *PostgresStore) ListLabels(ctx context.Context, f store.ListFilter) ([]*model.Label, error) {
	return queryListLabels(ctx, s.db, f)
}

func (s *PostgresStore) ListLenses(ctx context.Context, f store.LensFilter) ([]*model.Lens, error) {
	return queryListLenses(ctx, s.db, f)
}

func (s *PostgresStore) ListIndexProviders(ctx context.Context, f store.ListFilter) ([]*model.IndexProvider, error) {
	return queryListIndexProviders(ctx, s.db, f)
}

func (s *PostgresStore) LabelsForDataset(ctx context.Context, datasetURI string, limit int) ([]*model.Label, error) {
	return queryLabelsForDataset(ctx, s.db, datasetURI, limit)
}

func (s *PostgresStore) RecordCounts(ctx context.Context) (map[model.Collection]int64, error) {
	return queryRecordCounts(ctx, s.db)
}

func (s *PostgresStore) RecordInteraction(ctx context.Context, eventType, targetDID, targetRKey string, params json.RawMessage) error {
	return queryRecordInteraction(ctx, s.db, eventType, targetDID, targetRKey, params)
}
