// Package manifest tracks the content-addressed state of every file the
// indexer has seen, so a crawl can tell untouched files from new,
// changed, and deleted ones without re-reading or re-chunking them.
package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/brunobiangulo/corpusrag/internal/model"
)

// schemaSQL is the manifest table DDL, executed once per Store.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS manifest_files (
    absolute_path TEXT NOT NULL,
    tenant        TEXT NOT NULL,
    content_hash  TEXT NOT NULL,
    mod_time      INTEGER NOT NULL,
    size          INTEGER NOT NULL,
    extension     TEXT NOT NULL,
    virtual_path  TEXT NOT NULL,
    seen_at       INTEGER NOT NULL,
    PRIMARY KEY (tenant, absolute_path)
);
CREATE INDEX IF NOT EXISTS idx_manifest_files_hash ON manifest_files(content_hash);
`

// Store is the SQLite-backed manifest of indexed files, one row per
// (tenant, absolute_path).
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB and ensures the manifest schema
// exists. The caller owns the connection's lifecycle.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("manifest: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the manifest row for a path, or nil if the path has never
// been seen for this tenant.
func (s *Store) Get(ctx context.Context, tenant, absolutePath string) (*model.File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT absolute_path, tenant, content_hash, mod_time, size, extension, virtual_path
		FROM manifest_files WHERE tenant = ? AND absolute_path = ?
	`, tenant, absolutePath)

	var f model.File
	var modTime int64
	if err := row.Scan(&f.AbsolutePath, &f.Tenant, &f.ContentHash, &modTime, &f.Size, &f.Extension, &f.VirtualPath); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: get %s: %w", absolutePath, err)
	}
	f.ModTime = time.Unix(modTime, 0).UTC()
	return &f, nil
}

// Upsert records or updates a file's manifest row.
func (s *Store) Upsert(ctx context.Context, f model.File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifest_files (absolute_path, tenant, content_hash, mod_time, size, extension, virtual_path, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, absolute_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			mod_time     = excluded.mod_time,
			size         = excluded.size,
			extension    = excluded.extension,
			virtual_path = excluded.virtual_path,
			seen_at      = excluded.seen_at
	`, f.AbsolutePath, f.Tenant, f.ContentHash, f.ModTime.Unix(), f.Size, f.Extension, f.VirtualPath, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("manifest: upsert %s: %w", f.AbsolutePath, err)
	}
	return nil
}

// Delete removes a file's manifest row, e.g. after the crawler observes
// it no longer exists on disk.
func (s *Store) Delete(ctx context.Context, tenant, absolutePath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM manifest_files WHERE tenant = ? AND absolute_path = ?`, tenant, absolutePath)
	if err != nil {
		return fmt.Errorf("manifest: delete %s: %w", absolutePath, err)
	}
	return nil
}

// BeginSweep returns every path currently on record for a tenant, so a
// crawl can diff against the filesystem and find orphans: manifest rows
// whose file no longer exists.
func (s *Store) BeginSweep(ctx context.Context, tenant string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT absolute_path FROM manifest_files WHERE tenant = ?`, tenant)
	if err != nil {
		return nil, fmt.Errorf("manifest: sweep %s: %w", tenant, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("manifest: sweep scan: %w", err)
		}
		seen[p] = struct{}{}
	}
	return seen, rows.Err()
}

// SweepOrphans deletes manifest rows for paths in `stale` — the subset
// of BeginSweep's result the crawl did not revisit — and returns how
// many rows were removed.
func (s *Store) SweepOrphans(ctx context.Context, tenant string, stale map[string]struct{}) (int, error) {
	if len(stale) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("manifest: sweep orphans: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM manifest_files WHERE tenant = ? AND absolute_path = ?`)
	if err != nil {
		return 0, fmt.Errorf("manifest: sweep orphans prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for path := range stale {
		res, err := stmt.ExecContext(ctx, tenant, path)
		if err != nil {
			return n, fmt.Errorf("manifest: sweep orphan %s: %w", path, err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, tx.Commit()
}

// Changed reports whether f differs from the manifest's record of the
// same path (different hash or size), or is entirely new. The mtime is
// not compared.
func (s *Store) Changed(ctx context.Context, f model.File) (bool, error) {
	existing, err := s.Get(ctx, f.Tenant, f.AbsolutePath)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return existing.ContentHash != f.ContentHash || existing.Size != f.Size, nil
}
