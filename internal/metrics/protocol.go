package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProtocolMetrics groups the counters and gauges exported on /metrics.
// A nil *ProtocolMetrics is valid and records nothing.
type ProtocolMetrics struct {
	ledgerOps          *prometheus.CounterVec
	clearingRuns       *prometheus.CounterVec
	clearingMatches    prometheus.Counter
	collateralFallback prometheus.Counter
	clearingDuration   prometheus.Histogram
	indexerProjected   *prometheus.CounterVec
	indexerDeferred    prometheus.Counter
	indexerCursor      prometheus.Gauge
	liquidations       *prometheus.CounterVec
	wsClients          prometheus.Gauge
}

var (
	protocolOnce     sync.Once
	protocolRegistry *ProtocolMetrics
)

// Protocol returns the process-wide metrics registry, registering it with the
// default prometheus registerer on first use.
func Protocol() *ProtocolMetrics {
	protocolOnce.Do(func() {
		protocolRegistry = &ProtocolMetrics{
			ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger mutations by operation and result.",
			}, []string{"op", "result"}),
			clearingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "clearing_runs_total",
				Help: "Clearing runs by outcome.",
			}, []string{"outcome"}),
			clearingMatches: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "clearing_matches_total",
				Help: "Loans submitted by the clearing engine.",
			}),
			collateralFallback: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "clearing_collateral_fallback_total",
				Help: "Proposals priced with the fallback collateral ratio because no quote was available.",
			}),
			clearingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "clearing_run_duration_seconds",
				Help:    "Wall time of a clearing run.",
				Buckets: prometheus.DefBuckets,
			}),
			indexerProjected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "indexer_events_projected_total",
				Help: "Ledger events projected into the replica by type.",
			}, []string{"type"}),
			indexerDeferred: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "indexer_events_deferred_total",
				Help: "Events deferred to a later cycle after retries were exhausted.",
			}),
			indexerCursor: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "indexer_cursor",
				Help: "Highest ledger sequence durably projected.",
			}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "liquidations_total",
				Help: "Liquidation attempts by result.",
			}, []string{"result"}),
			wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ws_clients",
				Help: "Connected websocket clients.",
			}),
		}
		prometheus.MustRegister(
			protocolRegistry.ledgerOps,
			protocolRegistry.clearingRuns,
			protocolRegistry.clearingMatches,
			protocolRegistry.collateralFallback,
			protocolRegistry.clearingDuration,
			protocolRegistry.indexerProjected,
			protocolRegistry.indexerDeferred,
			protocolRegistry.indexerCursor,
			protocolRegistry.liquidations,
			protocolRegistry.wsClients,
		)
	})
	return protocolRegistry
}

func (m *ProtocolMetrics) ObserveLedgerOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

func (m *ProtocolMetrics) ObserveClearingRun(outcome string, matches int, took time.Duration) {
	if m == nil {
		return
	}
	m.clearingRuns.WithLabelValues(outcome).Inc()
	m.clearingMatches.Add(float64(matches))
	m.clearingDuration.Observe(took.Seconds())
}

func (m *ProtocolMetrics) IncCollateralFallback() {
	if m == nil {
		return
	}
	m.collateralFallback.Inc()
}

func (m *ProtocolMetrics) ObserveProjected(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.indexerProjected.WithLabelValues(eventType).Inc()
}

func (m *ProtocolMetrics) IncDeferred() {
	if m == nil {
		return
	}
	m.indexerDeferred.Inc()
}

func (m *ProtocolMetrics) SetCursor(seq uint64) {
	if m == nil {
		return
	}
	m.indexerCursor.Set(float64(seq))
}

func (m *ProtocolMetrics) ObserveLiquidation(result string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(result).Inc()
}

func (m *ProtocolMetrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
