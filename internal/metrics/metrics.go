// Package metrics holds the Prometheus instrumentation for access
// decisions, envelope operations and the anomaly model.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Decision metrics
	AccessDecisions *prometheus.CounterVec
	FactorFailures  *prometheus.CounterVec

	// Envelope metrics
	DecryptFailures prometheus.Counter
	ObjectsIngested prometheus.Counter
	ObjectsReleased prometheus.Counter

	// Anomaly metrics
	AnomalyScore   prometheus.Histogram
	Anomalies      prometheus.Counter
	TrainingRuns   *prometheus.CounterVec
	ModelVersion   prometheus.Gauge
	SecurityAlerts *prometheus.CounterVec
}

// New creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AccessDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocrypt_access_decisions_total",
				Help: "Access decisions by outcome",
			},
			[]string{"outcome"}, // outcome: granted, denied, override, error
		),

		FactorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocrypt_factor_failures_total",
				Help: "Failed access factors by kind",
			},
			[]string{"factor"},
		),

		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "geocrypt_decrypt_failures_total",
			Help: "Releases rejected because authentication of the ciphertext failed",
		}),

		ObjectsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "geocrypt_objects_ingested_total",
			Help: "Objects encrypted and stored",
		}),

		ObjectsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "geocrypt_objects_released_total",
			Help: "Objects decrypted for an authorized request",
		}),

		AnomalyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "geocrypt_anomaly_score",
			Help:    "Decision function of the anomaly model; negative values are anomalous",
			Buckets: []float64{-0.3, -0.2, -0.1, -0.05, 0, 0.05, 0.1, 0.2, 0.3},
		}),

		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name: "geocrypt_anomalies_total",
			Help: "Events flagged as anomalous by the model",
		}),

		TrainingRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocrypt_training_runs_total",
				Help: "Anomaly model training runs by result",
			},
			[]string{"result"}, // result: trained, loaded, insufficient_data
		),

		ModelVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "geocrypt_model_version",
			Help: "Version of the anomaly model currently serving",
		}),

		SecurityAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geocrypt_security_alerts_total",
				Help: "Security alerts raised by severity",
			},
			[]string{"severity"},
		),
	}
}

// RecordDecision counts one access decision and its failed factors.
func (m *Metrics) RecordDecision(outcome string, failedFactors []string) {
	if m == nil {
		return
	}
	m.AccessDecisions.WithLabelValues(outcome).Inc()
	for _, f := range failedFactors {
		m.FactorFailures.WithLabelValues(f).Inc()
	}
}

func (m *Metrics) RecordIngest() {
	if m == nil {
		return
	}
	m.ObjectsIngested.Inc()
}

// RecordRelease counts a release attempt; ok=false means decryption failed.
func (m *Metrics) RecordRelease(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.ObjectsReleased.Inc()
		return
	}
	m.DecryptFailures.Inc()
}

// RecordScore observes a model score. Untrained scores are not observed.
func (m *Metrics) RecordScore(anomalous bool, score float64) {
	if m == nil {
		return
	}
	m.AnomalyScore.Observe(score)
	if anomalous {
		m.Anomalies.Inc()
	}
}

// RecordTraining counts a training run; version is the serving model
// version afterwards.
func (m *Metrics) RecordTraining(result string, version uint64) {
	if m == nil {
		return
	}
	m.TrainingRuns.WithLabelValues(result).Inc()
	m.ModelVersion.Set(float64(version))
}

func (m *Metrics) RecordAlert(severity string) {
	if m == nil {
		return
	}
	m.SecurityAlerts.WithLabelValues(severity).Inc()
}
