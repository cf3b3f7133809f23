// Package postgres provides a Postgres-backed object and review store that
// mirrors the in-memory semantics and writes through on every call.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"trackcore/internal/infra/persistence/memory"
	"trackcore/pkg/domain"
)

// Compile-time contract assertions ensuring the store satisfies the domain interfaces.
var (
	_ domain.ObjectStore = (*Store)(nil)
	_ domain.ReviewStore = (*Store)(nil)
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/trackcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		key TEXT PRIMARY KEY,
		position TEXT NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS objects_position ON objects(position)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		key TEXT PRIMARY KEY,
		position TEXT NOT NULL,
		payload JSONB NOT NULL
	)`,
}

type mirror = memory.Store

// Store persists objects and review collections to Postgres.
type Store struct {
	*mirror
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the tables exist and hydrates the in-memory mirror.
func NewStore(ctx context.Context, dsn string, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(opts...)
	if err := mem.ImportState(snapshot); err != nil {
		return nil, err
	}
	return &Store{mirror: mem, db: db}, nil
}

func objectKey(position string, id domain.ObjectID) string {
	return position + "/" + string(id)
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	err := scanPayloads(ctx, db, "objects", func(position string, payload []byte) error {
		var o domain.TrackedObject
		if err := json.Unmarshal(payload, &o); err != nil {
			return err
		}
		o.Position = position
		snapshot.Objects = append(snapshot.Objects, o)
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}
	err = scanPayloads(ctx, db, "reviews", func(_ string, payload []byte) error {
		var c domain.ReviewCollection
		if err := json.Unmarshal(payload, &c); err != nil {
			return err
		}
		snapshot.Reviews = append(snapshot.Reviews, c)
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}
	return snapshot, nil
}

func scanPayloads(ctx context.Context, db *sql.DB, table string, fn func(position string, payload []byte) error) error {
	rows, err := db.QueryContext(ctx, `SELECT key, position, payload FROM `+table)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key, position string
		var payload []byte
		if err := rows.Scan(&key, &position, &payload); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if len(payload) == 0 {
			continue
		}
		if err := fn(position, payload); err != nil {
			return fmt.Errorf("decode %s %s: %w", table, key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}

// Store writes objects in one transaction, then updates the mirror.
func (s *Store) Store(ctx context.Context, objects []domain.TrackedObject) error {
	if err := memory.ValidateObjects(objects); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, o := range objects {
			data, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("encode object %s: %w", o.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO objects(key,position,payload) VALUES($1,$2,$3) ON CONFLICT(key) DO UPDATE SET payload=EXCLUDED.payload`,
				objectKey(o.Position, o.ID), o.Position, data); err != nil {
				return fmt.Errorf("upsert object %s: %w", o.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.mirror.Store(ctx, objects)
}

// Delete removes objects in one transaction, then updates the mirror.
func (s *Store) Delete(ctx context.Context, position string, ids []domain.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key=$1`, objectKey(position, id)); err != nil {
				return fmt.Errorf("delete object %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.mirror.Delete(ctx, position, ids)
}

// StoreCollection writes a review collection, then updates the mirror.
func (s *Store) StoreCollection(ctx context.Context, c *domain.ReviewCollection) error {
	if c == nil || c.Position == "" || c.Name == "" {
		return domain.Preconditionf("store review collection", "position and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StampCollection(c)
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode review %s: %w", c.Name, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO reviews(key,position,payload) VALUES($1,$2,$3) ON CONFLICT(key) DO UPDATE SET payload=EXCLUDED.payload`,
		c.Position+"/"+c.Name, c.Position, data); err != nil {
		return fmt.Errorf("upsert review %s: %w", c.Name, err)
	}
	s.PutCollection(*c)
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
