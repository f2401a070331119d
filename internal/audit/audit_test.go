package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocrypt/backend/internal/core"
)

func TestMemoryStore_AccessLogChain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	first, err := s.Append(ctx, core.AccessLogEntry{
		Principal: "alice", ObjectID: "obj-1", Action: core.ActionDecrypt,
		Timestamp: base, Outcome: core.OutcomeGranted,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, GenesisHash, first.PreviousHash)
	assert.Len(t, first.Hash, 64)

	second, err := s.Append(ctx, core.AccessLogEntry{
		Principal: "bob", Action: core.ActionView, Timestamp: base.Add(time.Minute),
		Outcome: core.OutcomeDenied, Reasons: []string{"location data not provided"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.PreviousHash)

	bad, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, bad)

	denied, err := s.Query(ctx, Query{Outcome: core.OutcomeDenied})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "bob", denied[0].Principal)

	all, err := s.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	_, err = s.Append(ctx, core.AccessLogEntry{Action: core.ActionView})
	assert.Error(t, err, "principal is required")
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	var entries []core.AccessLogEntry
	prev := ""
	for i := 0; i < 4; i++ {
		e := core.AccessLogEntry{ID: string(rune('a' + i)), Principal: "alice", Outcome: core.OutcomeGranted}
		Link(&e, prev)
		prev = e.Hash
		entries = append(entries, e)
	}
	assert.Equal(t, -1, VerifyChain(entries))

	edited := append([]core.AccessLogEntry(nil), entries...)
	edited[2].Outcome = core.OutcomeDenied
	assert.Equal(t, 2, VerifyChain(edited))

	removed := append(append([]core.AccessLogEntry(nil), entries[:1]...), entries[2:]...)
	assert.Equal(t, 1, VerifyChain(removed))
}

func TestMemoryStore_ActivityLog(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	_, err := s.Record(ctx, core.ActivityEvent{Principal: "alice", Kind: core.ActivityFileAccess, Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.Record(ctx, core.ActivityEvent{Principal: "alice", Kind: core.ActivityLogin, Timestamp: base})
	require.NoError(t, err)
	_, err = s.Record(ctx, core.ActivityEvent{Principal: "bob", Kind: core.ActivityLogin, Timestamp: base})
	require.NoError(t, err)
	_, err = s.Record(ctx, core.ActivityEvent{Principal: "bob", Kind: "TELEPORT"})
	assert.Error(t, err)

	alice, err := s.Events(ctx, "alice", time.Time{})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, core.ActivityLogin, alice[0].Kind, "timestamp order")

	recent, err := s.Events(ctx, "", base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestMemoryStore_Alerts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.Raise(ctx, core.SecurityAlert{Principal: "alice", Description: "unusual access time: 03:00", Severity: core.SeverityMedium})
	require.NoError(t, err)
	_, err = s.Raise(ctx, core.SecurityAlert{Principal: "bob", Severity: core.SeverityHigh})
	require.NoError(t, err)

	require.NoError(t, s.Resolve(ctx, a.ID))
	assert.ErrorIs(t, s.Resolve(ctx, "missing"), ErrAlertNotFound)

	open, err := s.Alerts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "bob", open[0].Principal)

	all, err := s.Alerts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
