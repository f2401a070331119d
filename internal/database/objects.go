package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/geocrypt/backend/internal/vault"
)

// ObjectStore implements vault.ObjectStore.
type ObjectStore struct {
	db *DB
}

func NewObjectStore(db *DB) *ObjectStore {
	return &ObjectStore{db: db}
}

// Create inserts the object and its key material in a single statement.
func (s *ObjectStore) Create(ctx context.Context, rec vault.Record) error {
	if len(rec.Key) == 0 {
		return fmt.Errorf("object %s: key material is required", rec.Object.ID)
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO protected_objects
			(id, name, original_filename, size_bytes, content_type, ciphertext_ref, key_material, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		objectArgs(rec)...)
	if err != nil {
		return fmt.Errorf("failed to insert object: %w", err)
	}
	return nil
}

// objectArgs binds rec in protected_objects insert order.
func objectArgs(rec vault.Record) []any {
	o := rec.Object
	return []any{o.ID, o.Name, o.OriginalFilename, o.Size, o.ContentType, o.CiphertextRef, rec.Key, o.UploadedBy, o.CreatedAt}
}

const objectColumns = `id, name, original_filename, size_bytes, content_type, ciphertext_ref,
	uploaded_by, created_at, access_count, last_accessed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner, extra ...any) (vault.ProtectedObject, error) {
	var o vault.ProtectedObject
	var last sql.NullTime
	dest := []any{&o.ID, &o.Name, &o.OriginalFilename, &o.Size, &o.ContentType, &o.CiphertextRef,
		&o.UploadedBy, &o.CreatedAt, &o.AccessCount, &last}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return o, err
	}
	if last.Valid {
		t := last.Time
		o.LastAccessed = &t
	}
	return o, nil
}

func (s *ObjectStore) Get(ctx context.Context, id string) (*vault.Record, error) {
	var key []byte
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+`, key_material FROM protected_objects WHERE id = $1`, id)
	o, err := scanObject(row, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", vault.ErrObjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query object: %w", err)
	}
	return &vault.Record{Object: o, Key: key}, nil
}

func (s *ObjectStore) List(ctx context.Context) ([]vault.ProtectedObject, error) {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM protected_objects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var out []vault.ProtectedObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *ObjectStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.db.ExecContext(ctx, `
		UPDATE protected_objects
		SET access_count = access_count + 1, last_accessed = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", vault.ErrObjectNotFound, id)
	}
	return nil
}
