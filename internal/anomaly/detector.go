// Package anomaly scores activity events against a model of normal
// behaviour and summarizes per-principal behaviour profiles.
//
// The detector starts untrained and scores every event as (false, 0).
// Training fits a standard scaler and an isolation forest into a new
// immutable Model and swaps it in atomically, so a concurrent Score always
// sees one complete model. Training is an explicit command; the package
// runs no background loop.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geocrypt/backend/internal/core"
	"github.com/geocrypt/backend/internal/metrics"
)

// DefaultMinSamples is the smallest batch Train accepts.
const DefaultMinSamples = 10

// ErrInsufficientData is matched by every InsufficientDataError.
var ErrInsufficientData = errors.New("insufficient training data")

// InsufficientDataError reports how many samples were supplied and needed.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: have %d samples, need %d (%d short)", ErrInsufficientData, e.Have, e.Need, e.Need-e.Have)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// Model is an immutable, versioned snapshot of the fitted scaler and
// forest. Never modify a Model after it has been published.
type Model struct {
	Version    uint64    `cbor:"1,keyasint"`
	TrainedAt  time.Time `cbor:"2,keyasint"`
	Samples    int       `cbor:"3,keyasint"`
	MinSamples int       `cbor:"4,keyasint"`
	FeatureDim int       `cbor:"5,keyasint"`
	Scaler     Scaler    `cbor:"6,keyasint"`
	Forest     *Forest   `cbor:"7,keyasint"`
}

// Trained reports whether m can score events.
func (m *Model) Trained() bool {
	return m != nil && m.Forest != nil && len(m.Forest.Trees) > 0
}

// ModelStore persists the serving model.
type ModelStore interface {
	Save(ctx context.Context, m *Model) error
	// Load returns nil and no error when no model has been saved.
	Load(ctx context.Context) (*Model, error)
}

// Config tunes a Detector. Zero values select defaults.
type Config struct {
	MinSamples int
	Forest     ForestConfig
	Store      ModelStore
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Detector trains and serves the anomaly model.
type Detector struct {
	model      atomic.Pointer[Model]
	trainMu    sync.Mutex
	minSamples int
	forest     ForestConfig
	store      ModelStore
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewDetector creates an untrained detector.
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		minSamples: cfg.MinSamples,
		forest:     cfg.Forest,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if d.minSamples <= 0 {
		d.minSamples = DefaultMinSamples
	}
	if d.forest.Trees <= 0 {
		d.forest.Trees = DefaultForestConfig.Trees
	}
	if d.forest.SampleSize <= 0 {
		d.forest.SampleSize = DefaultForestConfig.SampleSize
	}
	if d.forest.Contamination <= 0 {
		d.forest.Contamination = DefaultForestConfig.Contamination
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Model returns the serving model, or nil while untrained.
func (d *Detector) Model() *Model {
	return d.model.Load()
}

// Trained reports whether a model is serving.
func (d *Detector) Trained() bool {
	return d.model.Load().Trained()
}

// Train fits a new model on events, persists it and swaps it in. With fewer
// than the minimum sample count, or when the store rejects the model, the
// serving model is left untouched. Concurrent Score calls are never blocked.
func (d *Detector) Train(ctx context.Context, events []core.ActivityEvent) error {
	if len(events) < d.minSamples {
		d.metrics.RecordTraining("insufficient_data", d.version())
		return &InsufficientDataError{Have: len(events), Need: d.minSamples}
	}

	d.trainMu.Lock()
	defer d.trainMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	start := d.now()
	features := ExtractAll(events)
	scaler := FitScaler(features)
	forest := FitForest(scaler.TransformAll(features), d.forest)

	next := &Model{
		Version:    d.version() + 1,
		TrainedAt:  start.UTC(),
		Samples:    len(events),
		MinSamples: d.minSamples,
		FeatureDim: FeatureDim,
		Scaler:     scaler,
		Forest:     forest,
	}
	if d.store != nil {
		if err := d.store.Save(ctx, next); err != nil {
			d.metrics.RecordTraining("persist_failed", d.version())
			d.logger.Error("Failed to persist anomaly model, keeping the serving model",
				"version", next.Version, "error", err)
			return fmt.Errorf("persist model v%d: %w", next.Version, err)
		}
	}

	d.model.Store(next)
	d.metrics.RecordTraining("trained", next.Version)
	d.logger.Info("Anomaly model trained",
		"version", next.Version,
		"samples", next.Samples,
		"trees", len(forest.Trees),
		"duration", d.now().Sub(start))
	return nil
}

// Score returns whether e is anomalous and the decision score (negative is
// anomalous). An untrained detector always returns (false, 0).
func (d *Detector) Score(e core.ActivityEvent) (bool, float64) {
	m := d.model.Load()
	if !m.Trained() {
		return false, 0
	}
	score := m.Forest.Decision(m.Scaler.Transform(ExtractFeatures(e)))
	anomalous := score < 0
	d.metrics.RecordScore(anomalous, score)
	return anomalous, score
}

// LoadFromStore installs the persisted model, if any. It reports whether a
// model was loaded.
func (d *Detector) LoadFromStore(ctx context.Context) (bool, error) {
	if d.store == nil {
		return false, nil
	}
	m, err := d.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load anomaly model: %w", err)
	}
	if !m.Trained() {
		return false, nil
	}
	if m.FeatureDim != FeatureDim {
		return false, fmt.Errorf("load anomaly model: feature dimension %d, want %d", m.FeatureDim, FeatureDim)
	}
	d.trainMu.Lock()
	d.model.Store(m)
	d.trainMu.Unlock()
	d.metrics.RecordTraining("loaded", m.Version)
	d.logger.Info("Anomaly model loaded", "version", m.Version, "trained_at", m.TrainedAt)
	return true, nil
}

func (d *Detector) version() uint64 {
	if m := d.model.Load(); m != nil {
		return m.Version
	}
	return 0
}
