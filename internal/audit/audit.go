// Package audit records access attempts, user activity and security alerts.
//
// Access log entries form a hash chain: each entry stores the SHA-256 of
// its canonical JSON and the hash of the entry before it, so editing or
// removing a persisted entry is detectable with Verify. All three logs are
// append-only; alerts can only be marked resolved.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geocrypt/backend/internal/core"
)

// ErrAlertNotFound is returned by Resolve for an unknown alert.
var ErrAlertNotFound = errors.New("security alert not found")

// GenesisHash is the PreviousHash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ============================================================================
// HASH CHAIN
// ============================================================================

// ComputeHash returns the SHA-256 of the entry's canonical JSON with Hash
// cleared.
func ComputeHash(e core.AccessLogEntry) string {
	e.Hash = ""
	data, _ := json.Marshal(e)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Link fills in the chain fields of e after prev ("" for the first entry).
func Link(e *core.AccessLogEntry, prev string) {
	if prev == "" {
		prev = GenesisHash
	}
	e.PreviousHash = prev
	e.Hash = ComputeHash(*e)
}

// Normalize returns ts in UTC at microsecond precision, the resolution
// every store can round-trip, defaulting to now. Entries are hashed after
// normalization so a reloaded chain verifies.
func Normalize(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Truncate(time.Microsecond)
}

// VerifyChain checks entries in append order. It returns -1 when the chain
// is intact, otherwise the index of the first bad entry.
func VerifyChain(entries []core.AccessLogEntry) int {
	prev := GenesisHash
	for i, e := range entries {
		if e.PreviousHash != prev || e.Hash != ComputeHash(e) {
			return i
		}
		prev = e.Hash
	}
	return -1
}

// ============================================================================
// INTERFACES
// ============================================================================

// Query filters access log entries. Zero fields match everything.
type Query struct {
	Principal string
	ObjectID  string
	Outcome   core.Outcome
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (q Query) match(e core.AccessLogEntry) bool {
	if q.Principal != "" && e.Principal != q.Principal {
		return false
	}
	if q.ObjectID != "" && e.ObjectID != q.ObjectID {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// AccessLog is the append-only, hash-chained access log.
type AccessLog interface {
	// Append assigns an ID (when empty), links the entry into the chain and
	// persists it. The stored entry is returned.
	Append(ctx context.Context, e core.AccessLogEntry) (core.AccessLogEntry, error)
	// Query returns matching entries, newest first.
	Query(ctx context.Context, q Query) ([]core.AccessLogEntry, error)
	// Verify returns -1 when the chain is intact, else the first bad index.
	Verify(ctx context.Context) (int, error)
}

// ActivityLog is the append-only activity event log feeding the anomaly
// subsystem.
type ActivityLog interface {
	Record(ctx context.Context, e core.ActivityEvent) (core.ActivityEvent, error)
	// Events returns events in timestamp order. An empty principal selects
	// all principals; a zero since selects all time.
	Events(ctx context.Context, principal string, since time.Time) ([]core.ActivityEvent, error)
}

// AlertStore keeps security alerts.
type AlertStore interface {
	Raise(ctx context.Context, a core.SecurityAlert) (core.SecurityAlert, error)
	Alerts(ctx context.Context, unresolvedOnly bool) ([]core.SecurityAlert, error)
	Resolve(ctx context.Context, id string) error
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryStore implements AccessLog, ActivityLog and AlertStore in process
// memory.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    []core.AccessLogEntry
	activities []core.ActivityEvent
	alerts     []core.SecurityAlert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e core.AccessLogEntry) (core.AccessLogEntry, error) {
	if e.Principal == "" {
		return core.AccessLogEntry{}, fmt.Errorf("access log entry: principal is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Timestamp = Normalize(e.Timestamp)
	e.Reasons = append([]string(nil), e.Reasons...)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := ""
	if n := len(s.entries); n > 0 {
		prev = s.entries[n-1].Hash
	}
	Link(&e, prev)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]core.AccessLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.AccessLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if q.match(s.entries[i]) {
			out = append(out, s.entries[i])
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Verify(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return VerifyChain(s.entries), nil
}

func (s *MemoryStore) Record(ctx context.Context, e core.ActivityEvent) (core.ActivityEvent, error) {
	if !e.Kind.Valid() {
		return core.ActivityEvent{}, fmt.Errorf("activity event: unknown kind %q", e.Kind)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.activities = append(s.activities, e)
	s.mu.Unlock()
	return e, nil
}

func (s *MemoryStore) Events(ctx context.Context, principal string, since time.Time) ([]core.ActivityEvent, error) {
	s.mu.RLock()
	var out []core.ActivityEvent
	for _, e := range s.activities {
		if principal != "" && e.Principal != principal {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) Raise(ctx context.Context, a core.SecurityAlert) (core.SecurityAlert, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return a, nil
}

func (s *MemoryStore) Alerts(ctx context.Context, unresolvedOnly bool) ([]core.SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.SecurityAlert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if unresolvedOnly && s.alerts[i].Resolved {
			continue
		}
		out = append(out, s.alerts[i])
	}
	return out, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Resolved = true
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
}
