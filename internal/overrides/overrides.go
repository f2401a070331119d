// Package overrides stores time-boxed remote-access grants.
//
// A grant lets one principal bypass the location, network and time factors
// until it expires. Lookups are on the hot path of every access decision.
package overrides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geocrypt/backend/internal/policy"
)

// ErrNotFound is returned by Revoke when the principal holds no grant.
var ErrNotFound = errors.New("remote override not found")

// Store looks up and manages remote-access grants.
type Store interface {
	// Lookup returns the principal's override, or nil when none exists.
	Lookup(ctx context.Context, principal string) (*policy.RemoteOverride, error)
	Grant(ctx context.Context, principal string, expiry time.Time) (*policy.RemoteOverride, error)
	Revoke(ctx context.Context, principal string) error
}

// DefaultGrantDays is the approval window used when an administrator does
// not specify one.
const DefaultGrantDays = 7

// GrantFor approves remote access for the given number of days from now.
func GrantFor(ctx context.Context, s Store, principal string, days int, now time.Time) (*policy.RemoteOverride, error) {
	if days <= 0 {
		days = DefaultGrantDays
	}
	return s.Grant(ctx, principal, now.Add(time.Duration(days)*24*time.Hour))
}

// MemoryStore keeps grants in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]policy.RemoteOverride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]policy.RemoteOverride)}
}

func (s *MemoryStore) Lookup(ctx context.Context, principal string) (*policy.RemoteOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.grants[principal]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemoryStore) Grant(ctx context.Context, principal string, expiry time.Time) (*policy.RemoteOverride, error) {
	if principal == "" {
		return nil, fmt.Errorf("principal is required")
	}
	o := policy.RemoteOverride{Principal: principal, Enabled: true, Expiry: expiry}
	s.mu.Lock()
	s.grants[principal] = o
	s.mu.Unlock()
	return &o, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[principal]; !ok {
		return ErrNotFound
	}
	delete(s.grants, principal)
	return nil
}

// RedisClient is the subset of Redis operations the store needs.
// Get must return nil data and a nil error for a missing key.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisStore keeps grants in Redis so every instance sees the same
// overrides. Keys expire together with the grant.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore creates a Redis-backed store. An empty prefix defaults to
// "geocrypt:override:".
func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "geocrypt:override:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

type overrideJSON struct {
	Principal string `json:"principal"`
	Enabled   bool   `json:"enabled"`
	Expiry    string `json:"expiry"`
}

func (s *RedisStore) Lookup(ctx context.Context, principal string) (*policy.RemoteOverride, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+principal)
	if err != nil {
		return nil, fmt.Errorf("redis GET override: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var oj overrideJSON
	if err := json.Unmarshal(data, &oj); err != nil {
		return nil, fmt.Errorf("unmarshal override: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339Nano, oj.Expiry)
	if err != nil {
		return nil, fmt.Errorf("parse override expiry: %w", err)
	}
	return &policy.RemoteOverride{Principal: oj.Principal, Enabled: oj.Enabled, Expiry: expiry}, nil
}

func (s *RedisStore) Grant(ctx context.Context, principal string, expiry time.Time) (*policy.RemoteOverride, error) {
	if principal == "" {
		return nil, fmt.Errorf("principal is required")
	}
	ttl := expiry.Sub(s.now())
	if ttl <= 0 {
		return nil, fmt.Errorf("override expiry %s is in the past", expiry.Format(time.RFC3339))
	}
	data, err := json.Marshal(overrideJSON{
		Principal: principal,
		Enabled:   true,
		Expiry:    expiry.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal override: %w", err)
	}
	if err := s.client.Set(ctx, s.keyPrefix+principal, data, ttl); err != nil {
		return nil, fmt.Errorf("redis SET override: %w", err)
	}
	slog.Info("Remote override granted", "principal", principal, "expiry", expiry)
	return &policy.RemoteOverride{Principal: principal, Enabled: true, Expiry: expiry}, nil
}

func (s *RedisStore) Revoke(ctx context.Context, principal string) error {
	existing, err := s.Lookup(ctx, principal)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := s.client.Del(ctx, s.keyPrefix+principal); err != nil {
		return fmt.Errorf("redis DEL override: %w", err)
	}
	return nil
}
