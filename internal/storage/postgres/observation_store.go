// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nochiis/web-metrics-probuilds/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var _ store.Repository = (*ObservationStore)(nil)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// ObservationStore writes sites, pages and observation rows into Postgres.
type ObservationStore struct {
	pool pool
}

// NewObservationStore connects a pool using cfg.
func NewObservationStore(ctx context.Context, cfg Config) (*ObservationStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required: %w", store.ErrNoStorage)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ObservationStore{pool: p}, nil
}

// NewObservationStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewObservationStoreWithPool(p pool) (*ObservationStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ObservationStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *ObservationStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *ObservationStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the site, page and observation tables when missing.
func (s *ObservationStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertPage returns the page id for fullURL, creating the site and page rows as needed.
func (s *ObservationStore) UpsertPage(ctx context.Context, domain, fullURL string) (int64, error) {
	if domain == "" || fullURL == "" {
		return 0, fmt.Errorf("domain and url are required")
	}
	var siteID int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO sites (domain) VALUES ($1)
ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
RETURNING id`, domain).Scan(&siteID)
	if err != nil {
		return 0, fmt.Errorf("upsert site: %w", err)
	}

	var pageID int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO pages (site_id, path, full_url) VALUES ($1, $2, $3)
ON CONFLICT (full_url) DO UPDATE SET site_id = EXCLUDED.site_id, path = EXCLUDED.path
RETURNING id`, siteID, store.PagePath(fullURL), fullURL).Scan(&pageID)
	if err != nil {
		return 0, fmt.Errorf("upsert page: %w", err)
	}
	return pageID, nil
}

// AppendObservation inserts one observation row.
func (s *ObservationStore) AppendObservation(
	ctx context.Context,
	pageID int64,
	capturedAt time.Time,
	obs store.Observation,
) error {
	query, args, err := insertStatement(pageID, capturedAt, obs)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", obs.Category, err)
	}
	return nil
}

// AppendObservations inserts all rows in one transaction.
func (s *ObservationStore) AppendObservations(
	ctx context.Context,
	pageID int64,
	capturedAt time.Time,
	obs []store.Observation,
) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin observations tx: %w", err)
	}
	for _, o := range obs {
		query, args, err := insertStatement(pageID, capturedAt, o)
		if err == nil {
			_, err = tx.Exec(ctx, query, args...)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert %s: %w", o.Category, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit observations: %w", err)
	}
	return nil
}

func insertStatement(pageID int64, capturedAt time.Time, obs store.Observation) (string, []any, error) {
	table := string(obs.Category)
	if !validIdentifier.MatchString(table) {
		return "", nil, fmt.Errorf("invalid category %q", table)
	}
	cols := append([]string{"page_id", "captured_at"}, obs.Columns()...)
	for _, c := range cols {
		if !validIdentifier.MatchString(c) {
			return "", nil, fmt.Errorf("invalid column %q", c)
		}
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	args := append([]any{pageID, capturedAt}, obs.Values()...)
	return query, args, nil
}
