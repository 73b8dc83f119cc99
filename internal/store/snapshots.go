// Package store is the durability layer: one converged CRDT snapshot
// per document, plus last-write-wins blobs for the note types that do
// not go through the merge engine. Both are keyed by the same document
// id as the metadata API's records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FetchSnapshot returns the last stored merged state for a document.
// The second return is false for a never-before-seen document.
func (s *PostgresStore) FetchSnapshot(ctx context.Context, documentID string) ([]byte, bool, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE id = $1`, documentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch snapshot %s: %w", documentID, err)
	}
	return content, true, nil
}

// StoreSnapshot overwrites the full merged state for a document.
// Snapshots are whole-state writes; no delta log is kept.
func (s *PostgresStore) StoreSnapshot(ctx context.Context, documentID string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, documentID, content)
	if err != nil {
		return fmt.Errorf("store snapshot %s: %w", documentID, err)
	}
	return nil
}

// FetchBlob returns the opaque content of a non-collaborative note
// (tabular, drawing, kanban and friends).
func (s *PostgresStore) FetchBlob(ctx context.Context, documentID, kind string) ([]byte, bool, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM blobs WHERE document_id = $1 AND kind = $2`, documentID, kind).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch blob %s/%s: %w", documentID, kind, err)
	}
	return content, true, nil
}

// StoreBlob overwrites a blob. Last write wins; there is no merge.
func (s *PostgresStore) StoreBlob(ctx context.Context, documentID, kind string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (document_id, kind, content, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id, kind) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, documentID, kind, content)
	if err != nil {
		return fmt.Errorf("store blob %s/%s: %w", documentID, kind, err)
	}
	return nil
}
