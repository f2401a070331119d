package anomaly

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same model always
// produces identical bytes.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("anomaly: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeModel serializes m as CBOR.
func EncodeModel(m *Model) ([]byte, error) {
	if !m.Trained() {
		return nil, fmt.Errorf("encode model: model is not trained")
	}
	return encMode.Marshal(m)
}

// DecodeModel parses a CBOR model produced by EncodeModel.
func DecodeModel(data []byte) (*Model, error) {
	var m Model
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if !m.Trained() {
		return nil, fmt.Errorf("decode model: no fitted forest")
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &m, nil
}

// validate checks the structure Score relies on, so a truncated or edited
// model is rejected at load time instead of panicking on the request path.
func (m *Model) validate() error {
	if m.FeatureDim <= 0 {
		return fmt.Errorf("feature dimension %d", m.FeatureDim)
	}
	if len(m.Scaler.Mean) != m.FeatureDim || len(m.Scaler.Scale) != m.FeatureDim {
		return fmt.Errorf("scaler has %d means and %d scales, want %d",
			len(m.Scaler.Mean), len(m.Scaler.Scale), m.FeatureDim)
	}
	for t, tr := range m.Forest.Trees {
		if len(tr.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", t)
		}
		for i, n := range tr.Nodes {
			if n.Left == -1 {
				continue
			}
			// Children always follow their parent.
			if n.Left <= i || n.Left >= len(tr.Nodes) || n.Right <= i || n.Right >= len(tr.Nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", t, i)
			}
			if n.Feature < 0 || n.Feature >= m.FeatureDim {
				return fmt.Errorf("tree %d node %d: feature %d out of range", t, i, n.Feature)
			}
		}
	}
	return nil
}

// FileModelStore keeps the model in a single file, replaced atomically.
type FileModelStore struct {
	path string
}

func NewFileModelStore(path string) *FileModelStore {
	return &FileModelStore{path: path}
}

func (s *FileModelStore) Save(ctx context.Context, m *Model) error {
	data, err := EncodeModel(m)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close model file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit model file: %w", err)
	}
	return nil
}

func (s *FileModelStore) Load(ctx context.Context) (*Model, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	return DecodeModel(data)
}

// RedisClient is the subset of Redis operations RedisModelStore needs. Get
// must return nil data and a nil error for a missing key.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisModelStore shares the serving model between instances.
type RedisModelStore struct {
	client RedisClient
	key    string
}

// NewRedisModelStore stores the model under key, defaulting to
// "geocrypt:anomaly:model".
func NewRedisModelStore(client RedisClient, key string) *RedisModelStore {
	if key == "" {
		key = "geocrypt:anomaly:model"
	}
	return &RedisModelStore{client: client, key: key}
}

func (s *RedisModelStore) Save(ctx context.Context, m *Model) error {
	data, err := EncodeModel(m)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0); err != nil {
		return fmt.Errorf("redis SET model: %w", err)
	}
	return nil
}

func (s *RedisModelStore) Load(ctx context.Context) (*Model, error) {
	data, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("redis GET model: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return DecodeModel(data)
}
