package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordDecision("denied", []string{"location", "time"})
	m.RecordDecision("granted", nil)
	m.RecordRelease(true)
	m.RecordRelease(false)
	m.RecordIngest()
	m.RecordScore(true, -0.12)
	m.RecordTraining("trained", 3)
	m.RecordAlert("HIGH")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccessDecisions.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FactorFailures.WithLabelValues("time")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObjectsReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecryptFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObjectsIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ModelVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityAlerts.WithLabelValues("HIGH")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("denied", []string{"location"})
		m.RecordRelease(false)
		m.RecordIngest()
		m.RecordScore(false, 0)
		m.RecordTraining("trained", 1)
		m.RecordAlert("LOW")
	})
}
