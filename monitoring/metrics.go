// Package monitoring exports prometheus metrics for chain reconciliation and
// payments.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lnmobile"

// Lookup failure kinds.
const (
	LookupTipHeight   = "tip_height"
	LookupBlockHash   = "block_hash"
	LookupBlockHeader = "block_header"
	LookupFeeEstimate = "fee_estimate"
	LookupTxStatus    = "tx_status"
	LookupMerkleProof = "merkle_proof"
	LookupTxHex       = "tx_hex"
	LookupAddress     = "address"
	LookupAddressTxs  = "address_txs"
	LookupRelevant    = "relevant_txids"
)

// Payment outcomes.
const (
	PaymentSent       = "sent"
	PaymentFailed     = "failed"
	PaymentPathFailed = "path_failed"
	PaymentReceived   = "received"
	PaymentNoRoute    = "no_route"
)

// Metrics holds the collectors of the node. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	cycleDuration   prometheus.Histogram
	confirmations   prometheus.Counter
	unconfirmations prometheus.Counter
	lookupFailures  *prometheus.CounterVec
	payments        *prometheus.CounterVec
	backendHealthy  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of chain reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmations delivered to the engine.",
		}),
		unconfirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unconfirmations_total",
			Help:      "Un-confirmations delivered to the engine.",
		}),
		lookupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lookup_failures_total",
				Help:      "Failed chain data lookups by kind.",
			},
			[]string{"kind"},
		),
		payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payment outcomes reported by the engine.",
			},
			[]string{"result"},
		),
		backendHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_backend_healthy",
			Help:      "1 if the chain backend answered the last " +
				"health check.",
		}),
	}

	collectors := []prometheus.Collector{
		m.cycleDuration, m.confirmations, m.unconfirmations,
		m.lookupFailures, m.payments, m.backendHealthy,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveCycle records the duration of a reconciliation cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// AddConfirmations counts delivered confirmations.
func (m *Metrics) AddConfirmations(n int) {
	if m == nil {
		return
	}
	m.confirmations.Add(float64(n))
}

// AddUnconfirmations counts delivered un-confirmations.
func (m *Metrics) AddUnconfirmations(n int) {
	if m == nil {
		return
	}
	m.unconfirmations.Add(float64(n))
}

// LookupFailed counts a failed lookup of the given kind.
func (m *Metrics) LookupFailed(kind string) {
	if m == nil {
		return
	}
	m.lookupFailures.WithLabelValues(kind).Inc()
}

// PaymentResult counts a payment outcome such as PaymentSent.
func (m *Metrics) PaymentResult(result string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(result).Inc()
}

// SetBackendHealthy records the outcome of the last chain backend health
// check.
func (m *Metrics) SetBackendHealthy(healthy bool) {
	if m == nil {
		return
	}

	v := 0.0
	if healthy {
		v = 1
	}
	m.backendHealthy.Set(v)
}
