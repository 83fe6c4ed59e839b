// Package metrics instruments batch processing and liquidity maintenance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aaep"

// Metrics holds the counters the daemon increments.
type Metrics struct {
	registry *prometheus.Registry

	opsProcessed   *prometheus.CounterVec
	batchesHandled *prometheus.CounterVec
	gasCollected   prometheus.Counter
	topUps         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,

		opsProcessed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ops_processed_total",
				Help:      "User operations settled, by outcome",
			}, []string{"outcome"}),

		batchesHandled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_handled_total",
				Help:      "Batches submitted to handleOps, by result",
			}, []string{"result"}),

		gasCollected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gas_collected_wei_total",
				Help:      "Native gas proceeds credited to beneficiaries",
			}),

		topUps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "topups_total",
				Help:      "Liquidity top-up attempts, by outcome",
			}, []string{"outcome"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncOpProcessed(success bool) {
	outcome := "success"
	if !success {
		outcome = "reverted"
	}
	m.opsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncBatchHandled(aborted bool) {
	result := "settled"
	if aborted {
		result = "aborted"
	}
	m.batchesHandled.WithLabelValues(result).Inc()
}

func (m *Metrics) AddGasCollected(wei float64) {
	m.gasCollected.Add(wei)
}

func (m *Metrics) IncTopUp(outcome string) {
	m.topUps.WithLabelValues(outcome).Inc()
}
