package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocrypt/backend/internal/access"
	"github.com/geocrypt/backend/internal/anomaly"
	"github.com/geocrypt/backend/internal/audit"
	"github.com/geocrypt/backend/internal/core"
	"github.com/geocrypt/backend/internal/envelope"
	"github.com/geocrypt/backend/internal/metrics"
	"github.com/geocrypt/backend/internal/overrides"
	"github.com/geocrypt/backend/internal/policy"
	"github.com/geocrypt/backend/internal/vault"
)

var office = core.Coordinates{Latitude: 9.3587, Longitude: 76.6773}

// Monday 10:00 UTC.
var workTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	gw        *Gateway
	blobs     *vault.MemoryBlobStore
	audit     *audit.MemoryStore
	overrides *overrides.MemoryStore
	detector  *anomaly.Detector
	metrics   *metrics.Metrics
}

func officePolicy() *policy.Policy {
	return &policy.Policy{
		WorkHours: policy.WorkHours{StartHour: 6, EndHour: 23},
		Geofences: []policy.Geofence{
			{ID: 1, Name: "Office", Latitude: office.Latitude, Longitude: office.Longitude, RadiusKm: 1.0, Active: true},
		},
		Networks: []policy.AllowedNetwork{
			{ID: 1, GeofenceID: 1, SSID: "Company-Secure", Active: true},
		},
	}
}

type brokenPolicyStore struct{}

func (brokenPolicyStore) Snapshot(ctx context.Context) (*policy.Policy, error) {
	return nil, errors.New("pq: connection reset")
}

func newFixture(t *testing.T, policies policy.Store) *fixture {
	t.Helper()
	if policies == nil {
		store, err := policy.NewMemoryStore(officePolicy())
		require.NoError(t, err)
		policies = store
	}
	cipher, err := envelope.NewCipher()
	require.NoError(t, err)

	f := &fixture{
		blobs:     vault.NewMemoryBlobStore(),
		audit:     audit.NewMemoryStore(),
		overrides: overrides.NewMemoryStore(),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.detector = anomaly.NewDetector(anomaly.Config{
		Forest:  anomaly.ForestConfig{Trees: 50, SampleSize: 64, Contamination: 0.1, Seed: 42},
		Metrics: f.metrics,
	})
	f.gw = New(Config{
		Engine:    access.NewEngine(policies, f.overrides),
		Vault:     vault.New(cipher, f.blobs, vault.NewMemoryObjectStore(), nil),
		Detector:  f.detector,
		Overrides: f.overrides,
		AccessLog: f.audit,
		Activity:  f.audit,
		Alerts:    f.audit,
		Metrics:   f.metrics,
	})
	f.gw.now = func() time.Time { return workTime }
	return f
}

func (f *fixture) ingest(t *testing.T, data string) *vault.ProtectedObject {
	t.Helper()
	obj, err := f.gw.Ingest(context.Background(), vault.IngestRequest{
		OriginalFilename: "plan.txt",
		ContentType:      "text/plain",
		UploadedBy:       "admin",
		Data:             []byte(data),
	})
	require.NoError(t, err)
	return obj
}

func (f *fixture) entries(t *testing.T, q audit.Query) []core.AccessLogEntry {
	t.Helper()
	out, err := f.audit.Query(context.Background(), q)
	require.NoError(t, err)
	return out
}

func TestAccess_GrantedReleasesAndRecords(t *testing.T) {
	f := newFixture(t, nil)
	obj := f.ingest(t, "quarterly plan")

	res, err := f.gw.Access(context.Background(), AccessRequest{
		Principal:   "alice",
		ObjectID:    obj.ID,
		Coordinates: &office,
		NetworkID:   "Company-Secure",
		Now:         workTime,
	})
	require.NoError(t, err)
	assert.True(t, res.Granted())
	assert.Equal(t, "quarterly plan", string(res.Plaintext))
	assert.EqualValues(t, 1, res.Object.AccessCount)
	assert.Equal(t, core.ActionDownload, res.Entry.Action)
	assert.False(t, res.Entry.Suspicious)
	assert.NotEmpty(t, res.Entry.Hash)

	logged := f.entries(t, audit.Query{Principal: "alice"})
	require.Len(t, logged, 1, "one entry per attempt")

	events, err := f.audit.Events(context.Background(), "alice", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.ActivityFileDownload, events[0].Kind)
	assert.Equal(t, "Company-Secure", events[0].Context[core.ContextNetwork])
	assert.Equal(t, obj.ID, events[0].Context[core.ContextObjectID])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AccessDecisions.WithLabelValues("GRANTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ObjectsReleased))
}

func TestAccess_DeniedStillLogged(t *testing.T) {
	f := newFixture(t, nil)
	obj := f.ingest(t, "quarterly plan")
	far := core.Coordinates{Latitude: office.Latitude + 5/111.195, Longitude: office.Longitude}

	res, err := f.gw.Access(context.Background(), AccessRequest{
		Principal:   "bob",
		ObjectID:    obj.ID,
		Coordinates: &far,
		NetworkID:   "Company-Secure",
		Now:         workTime,
	})
	require.NoError(t, err, "a denial is a verdict, not an error")
	assert.False(t, res.Granted())
	assert.Nil(t, res.Plaintext)
	assert.Equal(t, core.OutcomeDenied, res.Entry.Outcome)
	assert.Contains(t, res.Entry.Reasons, access.ReasonLocationOutside)
	assert.Equal(t, access.StatusPassed, res.Verdict.Network.Status)

	meta, err := f.gw.Object(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Zero(t, meta.AccessCount)

	require.Len(t, f.entries(t, audit.Query{Principal: "bob"}), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FactorFailures.WithLabelValues("location")))
}

func TestAccess_MissingContextDenied(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.gw.Access(context.Background(), AccessRequest{
		Principal: "carol",
		NetworkID: "Company-Secure",
		Now:       workTime,
	})
	require.NoError(t, err)
	assert.False(t, res.Granted())
	assert.Equal(t, core.ActionView, res.Entry.Action)
	assert.Contains(t, res.Entry.Reasons, access.ReasonLocationMissing)
}

func TestAccess_PolicyUnavailableFailsClosed(t *testing.T) {
	f := newFixture(t, brokenPolicyStore{})

	res, err := f.gw.Access(context.Background(), AccessRequest{
		Principal:   "alice",
		Coordinates: &office,
		NetworkID:   "Company-Secure",
		Now:         workTime,
	})
	require.ErrorIs(t, err, access.ErrPolicyUnavailable)
	require.NotNil(t, res)
	assert.False(t, res.Granted())
	assert.Equal(t, []string{access.ReasonPolicyUnavailable}, res.Entry.Reasons)
	assert.Len(t, f.entries(t, audit.Query{}), 1)
}

func TestAccess_DecryptionFailureLoggedAsDecryptDenied(t *testing.T) {
	f := newFixture(t, nil)
	obj := f.ingest(t, "0123456789")

	ctx := context.Background()
	blob, err := f.blobs.Get(ctx, obj.CiphertextRef)
	require.NoError(t, err)
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01
	require.NoError(t, f.blobs.Put(ctx, obj.CiphertextRef, tampered))

	res, err := f.gw.Access(ctx, AccessRequest{
		Principal:   "alice",
		ObjectID:    obj.ID,
		Coordinates: &office,
		NetworkID:   "Company-Secure",
		Now:         workTime,
	})
	require.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	assert.Nil(t, res.Plaintext)
	assert.Equal(t, core.ActionDecrypt, res.Entry.Action)
	assert.Equal(t, core.OutcomeDenied, res.Entry.Outcome)
	assert.Contains(t, res.Entry.Reasons, ReasonDecryptionFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecryptFailures))
}

func TestAccess_UnknownObject(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.gw.Access(context.Background(), AccessRequest{
		Principal:   "alice",
		ObjectID:    "missing",
		Coordinates: &office,
		NetworkID:   "Company-Secure",
		Now:         workTime,
	})
	require.ErrorIs(t, err, vault.ErrObjectNotFound)
	assert.False(t, res.Granted())
	assert.Contains(t, res.Entry.Reasons, ReasonObjectNotFound)
}

func TestAccess_RemoteOverrideAndUnusualHour(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.gw.GrantRemote(ctx, "dave", 0)
	require.NoError(t, err)

	night := time.Date(2026, 3, 3, 3, 15, 0, 0, time.UTC)
	res, err := f.gw.Access(ctx, AccessRequest{Principal: "dave", Now: night})
	require.NoError(t, err)
	assert.True(t, res.Granted(), "override bypasses every factor")
	assert.Equal(t, access.StatusGranted, res.Verdict.Override.Status)

	assert.True(t, res.Entry.Suspicious)
	require.NotNil(t, res.Alert)
	assert.Equal(t, core.SeverityMedium, res.Alert.Severity)
	assert.Equal(t, "unusual access time: 03:00", res.Alert.Description)

	open, err := f.gw.Alerts(ctx, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NoError(t, f.gw.ResolveAlert(ctx, open[0].ID))

	require.NoError(t, f.gw.RevokeRemote(ctx, "dave"))
	res, err = f.gw.Access(ctx, AccessRequest{Principal: "dave", Now: night.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, res.Granted())
}

type failingAccessLog struct {
	audit.AccessLog
}

func (failingAccessLog) Append(ctx context.Context, e core.AccessLogEntry) (core.AccessLogEntry, error) {
	return core.AccessLogEntry{}, errors.New("disk full")
}

func TestAccess_WithholdsContentWhenAuditFails(t *testing.T) {
	f := newFixture(t, nil)
	obj := f.ingest(t, "quarterly plan")
	f.gw.accessLog = failingAccessLog{f.audit}

	res, err := f.gw.Access(context.Background(), AccessRequest{
		Principal:   "alice",
		ObjectID:    obj.ID,
		Coordinates: &office,
		NetworkID:   "Company-Secure",
		Now:         workTime,
	})
	require.ErrorIs(t, err, ErrAuditUnavailable)
	assert.Nil(t, res.Plaintext)
	assert.False(t, res.Granted())

	meta, err := f.gw.Object(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Zero(t, meta.AccessCount, "withheld content is not counted as released")
	assert.Nil(t, meta.LastAccessed)
}

func TestIngest_RecordsEncryptEntry(t *testing.T) {
	f := newFixture(t, nil)
	obj := f.ingest(t, "payload")

	logged := f.entries(t, audit.Query{Principal: "admin"})
	require.Len(t, logged, 1)
	assert.Equal(t, core.ActionEncrypt, logged[0].Action)
	assert.Equal(t, core.OutcomeGranted, logged[0].Outcome)
	assert.Equal(t, obj.ID, logged[0].ObjectID)

	_, err := f.gw.Ingest(context.Background(), vault.IngestRequest{UploadedBy: "admin", Data: []byte("x")})
	assert.Error(t, err, "name is required")
	denied := f.entries(t, audit.Query{Principal: "admin", Outcome: core.OutcomeDenied})
	require.Len(t, denied, 1)
	assert.Equal(t, []string{ReasonIngestFailed}, denied[0].Reasons)
}

func TestTrainAndProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	login := func(day, hour int) {
		_, _, err := f.gw.RecordActivity(ctx, core.ActivityEvent{
			Principal: "erin",
			Kind:      core.ActivityLogin,
			Timestamp: time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC),
			Context:   map[string]string{core.ContextLocation: "HQ", core.ContextNetwork: "Company-Secure"},
		})
		require.NoError(t, err)
	}
	for day := 2; day <= 6; day++ {
		login(day, 9)
	}

	_, err := f.gw.Train(ctx, time.Time{})
	var short *anomaly.InsufficientDataError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 5, short.Have)
	assert.False(t, f.detector.Trained())

	for day := 9; day <= 13; day++ {
		login(day, 9)
	}
	model, err := f.gw.Train(ctx, time.Time{})
	require.NoError(t, err)
	require.NotNil(t, model)
	assert.EqualValues(t, 1, model.Version)
	assert.Equal(t, 10, model.Samples)

	profile, err := f.gw.Profile(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 10, profile.EventCount)
	require.NotNil(t, profile.AvgLoginTime)
	assert.Equal(t, "09:00:00", profile.AvgLoginTime.String())
	assert.Equal(t, []string{"HQ"}, profile.TypicalLocations)
	assert.Equal(t, []string{"Company-Secure"}, profile.TypicalNetworks)
}

func TestRecordActivity_RejectsUnknownKind(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.gw.RecordActivity(context.Background(), core.ActivityEvent{Principal: "erin", Kind: "TELEPORT"})
	assert.Error(t, err)
}

func TestAccessLogChainStaysIntact(t *testing.T) {
	f := newFixture(t, nil)
	obj := f.ingest(t, "payload")
	ctx := context.Background()

	for _, p := range []string{"alice", "bob", "carol"} {
		_, err := f.gw.Access(ctx, AccessRequest{
			Principal: p, ObjectID: obj.ID, Coordinates: &office, NetworkID: "Company-Secure", Now: workTime,
		})
		require.NoError(t, err)
	}
	bad, err := f.gw.VerifyLog(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, bad)

	all, err := f.gw.AccessLogs(ctx, audit.Query{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
