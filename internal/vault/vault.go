// Package vault manages the lifecycle of protected objects: encrypt on
// ingest, decrypt on release, and the access counters updated by every
// successful release.
//
// Ingest is all-or-nothing. The ciphertext blob is written first and is
// unreachable until the object record (reference plus key material) is
// committed in a single store write; if that commit fails the blob is
// removed again. Readers therefore never see an object with ciphertext and
// no key, or a key and no ciphertext.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geocrypt/backend/internal/envelope"
)

// ErrObjectNotFound is returned for an unknown object id.
var ErrObjectNotFound = errors.New("protected object not found")

// ProtectedObject is the public view of a stored file. Key material is
// never part of it.
type ProtectedObject struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	OriginalFilename string     `json:"original_filename"`
	Size             int64      `json:"size"`
	ContentType      string     `json:"content_type"`
	CiphertextRef    string     `json:"ciphertext_ref"`
	UploadedBy       string     `json:"uploaded_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	AccessCount      int64      `json:"access_count"`
	LastAccessed     *time.Time `json:"last_accessed,omitempty"`
}

// Record is what an ObjectStore persists: the object plus its encoded key
// material. Only the vault reads Key.
type Record struct {
	Object ProtectedObject
	Key    []byte
}

// ObjectStore persists object records. Create must store the object and
// its key in one write.
type ObjectStore interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]ProtectedObject, error)
	RecordAccess(ctx context.Context, id string, at time.Time) error
}

// Crypter is the envelope operation pair the vault needs.
type Crypter interface {
	Ingest(plaintext []byte) ([]byte, envelope.KeyMaterial, error)
	Release(ciphertext []byte, key envelope.KeyMaterial) ([]byte, error)
}

// IngestRequest describes an upload.
type IngestRequest struct {
	Name             string
	OriginalFilename string
	ContentType      string
	UploadedBy       string
	Data             []byte
}

// Vault ties a Crypter to blob and object storage.
type Vault struct {
	crypter Crypter
	blobs   BlobStore
	objects ObjectStore
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Vault. A nil logger uses slog.Default().
func New(crypter Crypter, blobs BlobStore, objects ObjectStore, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		crypter: crypter,
		blobs:   blobs,
		objects: objects,
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest encrypts req.Data and persists the object. The caller's plaintext
// buffer is not retained.
func (v *Vault) Ingest(ctx context.Context, req IngestRequest) (*ProtectedObject, error) {
	if req.Name == "" {
		req.Name = req.OriginalFilename
	}
	if req.Name == "" {
		return nil, fmt.Errorf("object name is required")
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	ciphertext, key, err := v.crypter.Ingest(req.Data)
	if err != nil {
		return nil, fmt.Errorf("encrypt object: %w", err)
	}
	keyBytes, err := key.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode key material: %w", err)
	}

	ref := BlobRef(ciphertext)
	if err := v.blobs.Put(ctx, ref, ciphertext); err != nil {
		return nil, fmt.Errorf("store ciphertext: %w", err)
	}

	obj := ProtectedObject{
		ID:               uuid.New().String(),
		Name:             req.Name,
		OriginalFilename: req.OriginalFilename,
		Size:             int64(len(req.Data)),
		ContentType:      req.ContentType,
		CiphertextRef:    ref,
		UploadedBy:       req.UploadedBy,
		CreatedAt:        v.now().UTC(),
	}
	if err := v.objects.Create(ctx, Record{Object: obj, Key: keyBytes}); err != nil {
		if delErr := v.blobs.Delete(ctx, ref); delErr != nil {
			v.logger.Error("Orphaned ciphertext after failed ingest", "ref", ref, "error", delErr)
		}
		return nil, fmt.Errorf("commit object: %w", err)
	}

	v.logger.Info("Object ingested", "object_id", obj.ID, "size", obj.Size, "wrapped_key", key.Wrapped())
	return &obj, nil
}

// Open decrypts an object without touching its access counters. On any
// decryption failure it returns an error wrapping envelope.ErrDecryptionFailed
// and no plaintext.
func (v *Vault) Open(ctx context.Context, id string) ([]byte, *ProtectedObject, error) {
	rec, err := v.objects.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ciphertext, err := v.blobs.Get(ctx, rec.Object.CiphertextRef)
	if err != nil {
		return nil, nil, fmt.Errorf("load ciphertext: %w", err)
	}
	key, err := envelope.ParseKeyMaterial(rec.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", envelope.ErrDecryptionFailed, err)
	}
	plaintext, err := v.crypter.Release(ciphertext, key)
	if err != nil {
		return nil, nil, err
	}
	obj := rec.Object
	return plaintext, &obj, nil
}

// MarkReleased bumps the access counters of obj once its content has
// actually been handed out. A store failure is logged and obj left as is.
func (v *Vault) MarkReleased(ctx context.Context, obj *ProtectedObject) {
	at := v.now().UTC()
	if err := v.objects.RecordAccess(ctx, obj.ID, at); err != nil {
		v.logger.Warn("Failed to update access counters", "object_id", obj.ID, "error", err)
		return
	}
	obj.AccessCount++
	obj.LastAccessed = &at
}

// Release is Open followed by MarkReleased.
func (v *Vault) Release(ctx context.Context, id string) ([]byte, *ProtectedObject, error) {
	plaintext, obj, err := v.Open(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	v.MarkReleased(ctx, obj)
	return plaintext, obj, nil
}

// Get returns object metadata.
func (v *Vault) Get(ctx context.Context, id string) (*ProtectedObject, error) {
	rec, err := v.objects.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	obj := rec.Object
	return &obj, nil
}

// List returns all objects, newest first.
func (v *Vault) List(ctx context.Context) ([]ProtectedObject, error) {
	return v.objects.List(ctx)
}

// MemoryObjectStore keeps records in process memory.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{records: make(map[string]Record)}
}

func (s *MemoryObjectStore) Create(ctx context.Context, rec Record) error {
	if len(rec.Key) == 0 {
		return fmt.Errorf("object %s: key material is required", rec.Object.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.Object.ID]; exists {
		return fmt.Errorf("object %s already exists", rec.Object.ID)
	}
	rec.Key = append([]byte(nil), rec.Key...)
	s.records[rec.Object.ID] = rec
	return nil
}

func (s *MemoryObjectStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	rec.Key = append([]byte(nil), rec.Key...)
	return &rec, nil
}

func (s *MemoryObjectStore) List(ctx context.Context) ([]ProtectedObject, error) {
	s.mu.RLock()
	out := make([]ProtectedObject, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Object)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryObjectStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, id)
	}
	rec.Object.AccessCount++
	rec.Object.LastAccessed = &at
	s.records[id] = rec
	return nil
}
