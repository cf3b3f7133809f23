// Package sqlite provides a SQLite-backed object and review store. Reads are
// served from an in-memory mirror that is written through on every call.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"trackcore/internal/infra/persistence/memory"
	"trackcore/pkg/domain"
)

// Compile-time contract assertions ensuring the store satisfies the domain interfaces.
var (
	_ domain.ObjectStore = (*Store)(nil)
	_ domain.ReviewStore = (*Store)(nil)
)

const defaultPath = "trackcore.db"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		key TEXT PRIMARY KEY,
		position TEXT NOT NULL,
		payload BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS objects_position ON objects(position)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		key TEXT PRIMARY KEY,
		position TEXT NOT NULL,
		payload BLOB NOT NULL
	)`,
}

// mirror names the embedded memory store so Store can override its writes.
type mirror = memory.Store

// Store persists objects and review collections to SQLite.
type Store struct {
	*mirror
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path and hydrates the mirror.
func NewStore(path string, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	s := &Store{mirror: memory.NewStore(opts...), db: db, path: path}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func objectKey(position string, id domain.ObjectID) string {
	return position + "/" + string(id)
}

func (s *Store) load(ctx context.Context) error {
	var snapshot memory.Snapshot
	rows, err := s.db.QueryContext(ctx, `SELECT key, position, payload FROM objects`)
	if err != nil {
		return fmt.Errorf("select objects: %w", err)
	}
	for rows.Next() {
		var key, position string
		var payload []byte
		if err := rows.Scan(&key, &position, &payload); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan object: %w", err)
		}
		var o domain.TrackedObject
		if err := json.Unmarshal(payload, &o); err != nil {
			_ = rows.Close()
			return fmt.Errorf("decode object %s: %w", key, err)
		}
		o.Position = position
		snapshot.Objects = append(snapshot.Objects, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate objects: %w", err)
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT key, position, payload FROM reviews`)
	if err != nil {
		return fmt.Errorf("select reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key, position string
		var payload []byte
		if err := rows.Scan(&key, &position, &payload); err != nil {
			return fmt.Errorf("scan review: %w", err)
		}
		var c domain.ReviewCollection
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("decode review %s: %w", key, err)
		}
		snapshot.Reviews = append(snapshot.Reviews, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate reviews: %w", err)
	}
	return s.ImportState(snapshot)
}

// Store writes objects in one transaction, then updates the mirror.
func (s *Store) Store(ctx context.Context, objects []domain.TrackedObject) (retErr error) {
	if err := memory.ValidateObjects(objects); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, o := range objects {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode object %s: %w", o.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO objects(key,position,payload) VALUES(?,?,?) ON CONFLICT(key) DO UPDATE SET payload=excluded.payload`,
			objectKey(o.Position, o.ID), o.Position, data); err != nil {
			return fmt.Errorf("upsert object %s: %w", o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return s.mirror.Store(ctx, objects)
}

// Delete removes objects in one transaction, then updates the mirror.
func (s *Store) Delete(ctx context.Context, position string, ids []domain.ObjectID) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key=?`, objectKey(position, id)); err != nil {
			return fmt.Errorf("delete object %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
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
	if _, err := s.db.ExecContext(ctx, `INSERT INTO reviews(key,position,payload) VALUES(?,?,?) ON CONFLICT(key) DO UPDATE SET payload=excluded.payload`,
		c.Position+"/"+c.Name, c.Position, data); err != nil {
		return fmt.Errorf("upsert review %s: %w", c.Name, err)
	}
	s.PutCollection(*c)
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
