package anomaly

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geocrypt/backend/internal/core"
	"github.com/geocrypt/backend/internal/metrics"
)

// 2026-03-02 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, 2+day, hour, minute, 0, 0, time.UTC)
}

func event(kind core.ActivityKind, ts time.Time) core.ActivityEvent {
	return core.ActivityEvent{Principal: "alice", Kind: kind, Timestamp: ts}
}

// routineBatch is 90 identical Monday 09:00 logins plus 10 scattered,
// mutually distinct events.
func routineBatch() (routine core.ActivityEvent, scattered, all []core.ActivityEvent) {
	routine = event(core.ActivityLogin, at(0, 9, 0))
	for i := 0; i < 90; i++ {
		all = append(all, routine)
	}
	hours := []int{1, 3, 5, 12, 14, 17, 19, 21, 23, 2}
	for i, h := range hours {
		e := event(core.ActivityKinds[(i+1)%len(core.ActivityKinds)], at(i%7, h, 7*i))
		scattered = append(scattered, e)
		all = append(all, e)
	}
	return routine, scattered, all
}

func TestExtractFeatures(t *testing.T) {
	v := ExtractFeatures(event(core.ActivityFileDownload, time.Date(2026, 3, 8, 14, 35, 10, 0, time.UTC)))
	require.Len(t, v, FeatureDim)
	assert.Equal(t, 12, FeatureDim)
	assert.Equal(t, 14.0, v[0])
	assert.Equal(t, 35.0, v[1])
	assert.Equal(t, 6.0, v[2], "Sunday is the last weekday")
	onehot := v[3:]
	for i, x := range onehot {
		if core.ActivityKinds[i] == core.ActivityFileDownload {
			assert.Equal(t, 1.0, x)
		} else {
			assert.Equal(t, 0.0, x)
		}
	}

	assert.Equal(t, v, ExtractFeatures(event(core.ActivityFileDownload, time.Date(2026, 3, 8, 14, 35, 10, 0, time.UTC))))

	unknown := ExtractFeatures(event("TELEPORT", at(0, 0, 0)))
	assert.Equal(t, make(FeatureVector, FeatureDim), unknown)
}

func TestFitScaler(t *testing.T) {
	s := FitScaler([]FeatureVector{{1, 5}, {3, 5}})
	assert.Equal(t, []float64{2, 5}, s.Mean)
	assert.Equal(t, []float64{1, 1}, s.Scale, "constant dimension keeps unit scale")
	assert.Equal(t, FeatureVector{1, 0}, s.Transform(FeatureVector{3, 5}))
}

func TestDetector_UntrainedIsNeutral(t *testing.T) {
	d := NewDetector(Config{})
	assert.False(t, d.Trained())
	assert.Nil(t, d.Model())

	for _, kind := range core.ActivityKinds {
		anomalous, score := d.Score(event(kind, at(6, 3, 0)))
		assert.False(t, anomalous)
		assert.Equal(t, 0.0, score)
	}
}

func TestDetector_InsufficientData(t *testing.T) {
	d := NewDetector(Config{})
	_, _, all := routineBatch()

	err := d.Train(context.Background(), all[:9])
	require.ErrorIs(t, err, ErrInsufficientData)
	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 9, ide.Have)
	assert.Equal(t, DefaultMinSamples, ide.Need)
	assert.False(t, d.Trained())

	require.NoError(t, d.Train(context.Background(), all))
	before := d.Model()
	require.ErrorIs(t, d.Train(context.Background(), all[:3]), ErrInsufficientData)
	assert.Same(t, before, d.Model(), "serving model is untouched")
}

func TestDetector_FlagsScatteredEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDetector(Config{Metrics: m})
	routine, scattered, all := routineBatch()

	require.NoError(t, d.Train(context.Background(), all))
	require.True(t, d.Trained())
	model := d.Model()
	assert.EqualValues(t, 1, model.Version)
	assert.Equal(t, 100, model.Samples)
	assert.Len(t, model.Forest.Trees, DefaultForestConfig.Trees)

	anomalous, score := d.Score(routine)
	assert.False(t, anomalous)
	assert.Greater(t, score, 0.0)

	for _, e := range scattered {
		anomalous, score := d.Score(e)
		assert.True(t, anomalous, "%s at %s", e.Kind, e.Timestamp)
		assert.Less(t, score, 0.0)
	}
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Anomalies))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelVersion))
}

func TestDetector_RetrainIsReproducibleAndVersioned(t *testing.T) {
	_, scattered, all := routineBatch()
	a := NewDetector(Config{})
	b := NewDetector(Config{})
	require.NoError(t, a.Train(context.Background(), all))
	require.NoError(t, b.Train(context.Background(), all))

	_, sa := a.Score(scattered[0])
	_, sb := b.Score(scattered[0])
	assert.Equal(t, sa, sb, "fixed seed gives identical models")

	first := a.Model()
	require.NoError(t, a.Train(context.Background(), all))
	assert.NotSame(t, first, a.Model())
	assert.EqualValues(t, 2, a.Model().Version)
	assert.EqualValues(t, 1, first.Version, "published models are never mutated")
}

func TestDetector_ConcurrentScoreDuringTrain(t *testing.T) {
	d := NewDetector(Config{Forest: ForestConfig{Trees: 20}})
	_, scattered, all := routineBatch()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.Score(scattered[0])
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Train(context.Background(), all))
	}
	close(stop)
	wg.Wait()
	assert.EqualValues(t, 3, d.Model().Version)
}

func TestDetector_PersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", "anomaly.cbor")
	_, scattered, all := routineBatch()

	trained := NewDetector(Config{Store: NewFileModelStore(path)})
	require.NoError(t, trained.Train(context.Background(), all))

	fresh := NewDetector(Config{Store: NewFileModelStore(path)})
	ok, err := fresh.LoadFromStore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, fresh.Model().Version)
	assert.True(t, fresh.Model().TrainedAt.Equal(trained.Model().TrainedAt))

	for _, e := range scattered {
		wantA, wantS := trained.Score(e)
		gotA, gotS := fresh.Score(e)
		assert.Equal(t, wantA, gotA)
		assert.InDelta(t, wantS, gotS, 1e-12)
	}
}

func TestFileModelStore_Missing(t *testing.T) {
	s := NewFileModelStore(filepath.Join(t.TempDir(), "none.cbor"))
	m, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)

	d := NewDetector(Config{Store: s})
	ok, err := d.LoadFromStore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeRedis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func TestRedisModelStore(t *testing.T) {
	client := &fakeRedis{data: make(map[string][]byte)}
	s := NewRedisModelStore(client, "")

	m, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)

	d := NewDetector(Config{Store: s})
	_, _, all := routineBatch()
	require.NoError(t, d.Train(context.Background(), all))
	assert.Contains(t, client.data, "geocrypt:anomaly:model")

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, d.Model().Version, loaded.Version)
	assert.Equal(t, d.Model().Scaler, loaded.Scaler)
}

func TestEncodeModel_RejectsUntrained(t *testing.T) {
	_, err := EncodeModel(nil)
	assert.Error(t, err)
	_, err = DecodeModel([]byte{0xff})
	assert.Error(t, err)
}

func TestAnalyzeBehavior(t *testing.T) {
	ctx := func(loc, network string) map[string]string {
		return map[string]string{core.ContextLocation: loc, core.ContextNetwork: network}
	}
	events := []core.ActivityEvent{
		{Principal: "alice", Kind: core.ActivityLogin, Timestamp: at(0, 9, 0), Context: ctx("Office", "Company-Secure")},
		{Principal: "alice", Kind: core.ActivityLogin, Timestamp: at(1, 10, 0), Context: ctx("Office", "Company-Secure")},
		{Principal: "alice", Kind: core.ActivityLogout, Timestamp: at(0, 23, 30)},
		{Principal: "alice", Kind: core.ActivityLogout, Timestamp: at(1, 0, 30)},
		{Principal: "alice", Kind: core.ActivityFileAccess, Timestamp: at(0, 11, 0), Context: ctx("Annex", "Guest")},
		{Principal: "alice", Kind: core.ActivityFileDownload, Timestamp: at(0, 12, 0)},
		{Principal: "alice", Kind: core.ActivityFileUpload, Timestamp: at(0, 13, 0)},
		{Principal: "alice", Kind: core.ActivityFileDelete, Timestamp: at(2, 13, 0)},
		{Principal: "bob", Kind: core.ActivityFileAccess, Timestamp: at(3, 13, 0), Context: ctx("Home", "Home-WiFi")},
	}

	p := AnalyzeBehavior("alice", events)
	assert.Equal(t, "alice", p.Principal)
	assert.Equal(t, 8, p.EventCount)
	require.NotNil(t, p.AvgLoginTime)
	assert.Equal(t, "09:30:00", p.AvgLoginTime.String())
	require.NotNil(t, p.AvgLogoutTime)
	assert.Equal(t, "00:00:00", p.AvgLogoutTime.String(), "circular mean wraps midnight")
	assert.Equal(t, 2.0, p.FilesPerDay)
	assert.Equal(t, []string{"Office", "Annex"}, p.TypicalLocations)
	assert.Equal(t, []string{"Company-Secure", "Guest"}, p.TypicalNetworks)
}

func TestAnalyzeBehavior_IdempotentAndOrderIndependent(t *testing.T) {
	_, _, all := routineBatch()
	for i := range all {
		all[i].Context = map[string]string{core.ContextLocation: []string{"A", "B", "C", "D", "E", "F", "G"}[i%7]}
	}
	first := AnalyzeBehavior("alice", all)
	assert.Equal(t, first, AnalyzeBehavior("alice", all))
	assert.Len(t, first.TypicalLocations, MaxTypical)

	reversed := make([]core.ActivityEvent, len(all))
	for i, e := range all {
		reversed[len(all)-1-i] = e
	}
	assert.Equal(t, first, AnalyzeBehavior("alice", reversed))
}

func TestAnalyzeBehavior_Empty(t *testing.T) {
	p := AnalyzeBehavior("alice", nil)
	assert.Zero(t, p.EventCount)
	assert.Nil(t, p.AvgLoginTime)
	assert.Nil(t, p.AvgLogoutTime)
	assert.Zero(t, p.FilesPerDay)
	assert.Empty(t, p.TypicalLocations)
	assert.NotNil(t, p.TypicalLocations)
}

type fixedScorer struct {
	anomalous bool
	score     float64
}

func (f fixedScorer) Score(core.ActivityEvent) (bool, float64) { return f.anomalous, f.score }

func TestAssess(t *testing.T) {
	tests := []struct {
		name     string
		scorer   Scorer
		hour     int
		reasons  int
		severity core.Severity
	}{
		{"normal", fixedScorer{false, 0.1}, 10, 0, ""},
		{"model only", fixedScorer{true, -0.2}, 10, 1, core.SeverityHigh},
		{"late night only", fixedScorer{false, 0.1}, 23, 1, core.SeverityMedium},
		{"early morning only", nil, 5, 1, core.SeverityMedium},
		{"both", fixedScorer{true, -0.2}, 2, 2, core.SeverityHigh},
		{"boundary 22 is usual", nil, 22, 0, ""},
		{"boundary 6 is usual", nil, 6, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(event(core.ActivityFileAccess, at(0, tt.hour, 15)), tt.scorer, DefaultUsualHours)
			assert.Len(t, a.Reasons, tt.reasons)
			assert.Equal(t, tt.severity, a.Severity)
			assert.Equal(t, tt.reasons > 0, a.Suspicious())
		})
	}

	a := Assess(event(core.ActivityLogin, at(0, 3, 0)), nil, DefaultUsualHours)
	assert.Equal(t, []string{"unusual access time: 03:00"}, a.Reasons)
}

type failingModelStore struct{}

func (failingModelStore) Save(ctx context.Context, m *Model) error {
	return errors.New("read-only file system")
}

func (failingModelStore) Load(ctx context.Context) (*Model, error) {
	return nil, nil
}

func TestDetector_SaveFailureKeepsServingModel(t *testing.T) {
	_, _, all := routineBatch()
	d := NewDetector(Config{})
	require.NoError(t, d.Train(context.Background(), all))
	require.EqualValues(t, 1, d.Model().Version)

	d.store = failingModelStore{}
	err := d.Train(context.Background(), all)
	require.Error(t, err)
	assert.EqualValues(t, 1, d.Model().Version, "an unpersisted model is never served")

	fresh := NewDetector(Config{Store: failingModelStore{}})
	require.Error(t, fresh.Train(context.Background(), all))
	assert.False(t, fresh.Trained())
}

func TestDecodeModel_RejectsCorruptStructure(t *testing.T) {
	_, _, all := routineBatch()
	d := NewDetector(Config{})
	require.NoError(t, d.Train(context.Background(), all))

	corrupt := func(t *testing.T, edit func(m *Model)) []byte {
		data, err := EncodeModel(d.Model())
		require.NoError(t, err)
		m, err := DecodeModel(data)
		require.NoError(t, err)
		edit(m)
		data, err = encMode.Marshal(m)
		require.NoError(t, err)
		return data
	}
	// Node 0 is the root, internal for any non-trivial batch.
	root := func(m *Model) *node { return &m.Forest.Trees[0].Nodes[0] }

	require.NotEqual(t, -1, root(d.Model()).Left)

	tests := []struct {
		name string
		edit func(m *Model)
	}{
		{"short scale", func(m *Model) { m.Scaler.Scale = m.Scaler.Scale[:1] }},
		{"left out of range", func(m *Model) { root(m).Left = 1 << 20 }},
		{"right points back", func(m *Model) { root(m).Right = 0 }},
		{"feature out of range", func(m *Model) { root(m).Feature = FeatureDim }},
		{"empty tree", func(m *Model) { m.Forest.Trees[0].Nodes = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeModel(corrupt(t, tt.edit))
			assert.Error(t, err)
		})
	}
}
