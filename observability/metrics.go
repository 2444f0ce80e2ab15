package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WatcherMetrics exposes Prometheus collectors covering the deposit watcher:
// scanner progress, processor outcomes, gateway health, and reconciliation
// findings.
type WatcherMetrics struct {
	lastScannedBlock prometheus.Gauge
	depositsDetected *prometheus.CounterVec
	depositsCredited *prometheus.CounterVec
	depositsFailed   prometheus.Counter
	clicksCredited   prometheus.Counter
	referralBonuses  prometheus.Counter
	rpcRetries       prometheus.Counter
	rpcFailovers     prometheus.Counter
	discrepancies    *prometheus.CounterVec
	trackersActive   prometheus.Gauge
}

var (
	watcherOnce     sync.Once
	watcherRegistry *WatcherMetrics
)

// Watcher returns the lazily-initialised watcher metrics registry.
func Watcher() *WatcherMetrics {
	watcherOnce.Do(func() {
		watcherRegistry = &WatcherMetrics{
			lastScannedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "depositwatch",
				Subsystem: "scanner",
				Name:      "last_scanned_block",
				Help:      "Height of the last fully scanned block.",
			}),
			depositsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "scanner",
				Name:      "deposits_detected_total",
				Help:      "Count of detected transfers to monitored addresses segmented by token.",
			}, []string{"token"}),
			depositsCredited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "processor",
				Name:      "deposits_credited_total",
				Help:      "Count of deposits that reached CREDITED segmented by token.",
			}, []string{"token"}),
			depositsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "processor",
				Name:      "deposits_failed_total",
				Help:      "Count of deposits marked FAILED for manual review.",
			}),
			clicksCredited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "processor",
				Name:      "clicks_credited_total",
				Help:      "Total click units credited to user balances.",
			}),
			referralBonuses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "processor",
				Name:      "referral_bonuses_total",
				Help:      "Count of referral bonuses paid out.",
			}),
			rpcRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "rpc",
				Name:      "retries_total",
				Help:      "Count of retried upstream RPC attempts.",
			}),
			rpcFailovers: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "rpc",
				Name:      "failovers_total",
				Help:      "Count of active-provider switches between primary and fallback.",
			}),
			discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "depositwatch",
				Subsystem: "recon",
				Name:      "discrepancies_total",
				Help:      "Count of reconciliation discrepancies requiring operator triage.",
			}, []string{"type"}),
			trackersActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "depositwatch",
				Subsystem: "processor",
				Name:      "confirmation_trackers_active",
				Help:      "Number of in-flight confirmation polling tasks.",
			}),
		}
		prometheus.MustRegister(
			watcherRegistry.lastScannedBlock,
			watcherRegistry.depositsDetected,
			watcherRegistry.depositsCredited,
			watcherRegistry.depositsFailed,
			watcherRegistry.clicksCredited,
			watcherRegistry.referralBonuses,
			watcherRegistry.rpcRetries,
			watcherRegistry.rpcFailovers,
			watcherRegistry.discrepancies,
			watcherRegistry.trackersActive,
		)
	})
	return watcherRegistry
}

// SetLastScannedBlock records scanner cursor progress.
func (m *WatcherMetrics) SetLastScannedBlock(height uint64) {
	if m == nil {
		return
	}
	m.lastScannedBlock.Set(float64(height))
}

// RecordDetected increments the detection counter for the supplied token.
func (m *WatcherMetrics) RecordDetected(token string) {
	if m == nil {
		return
	}
	m.depositsDetected.WithLabelValues(normalizeToken(token)).Inc()
}

// RecordCredited records a credited deposit and the click units it minted.
func (m *WatcherMetrics) RecordCredited(token string, clicks int64) {
	if m == nil {
		return
	}
	m.depositsCredited.WithLabelValues(normalizeToken(token)).Inc()
	if clicks > 0 {
		m.clicksCredited.Add(float64(clicks))
	}
}

// RecordFailed counts a deposit that entered the FAILED state.
func (m *WatcherMetrics) RecordFailed() {
	if m == nil {
		return
	}
	m.depositsFailed.Inc()
}

// RecordReferralBonus counts a referral payout.
func (m *WatcherMetrics) RecordReferralBonus() {
	if m == nil {
		return
	}
	m.referralBonuses.Inc()
}

// RecordRPCRetry counts a retried upstream attempt.
func (m *WatcherMetrics) RecordRPCRetry() {
	if m == nil {
		return
	}
	m.rpcRetries.Inc()
}

// RecordRPCFailover counts an active-provider switch.
func (m *WatcherMetrics) RecordRPCFailover() {
	if m == nil {
		return
	}
	m.rpcFailovers.Inc()
}

// RecordDiscrepancy counts a reconciliation finding by type.
func (m *WatcherMetrics) RecordDiscrepancy(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.discrepancies.WithLabelValues(kind).Inc()
}

// SetActiveTrackers records the number of live confirmation tasks.
func (m *WatcherMetrics) SetActiveTrackers(n int) {
	if m == nil {
		return
	}
	m.trackersActive.Set(float64(n))
}

func normalizeToken(token string) string {
	normalized := strings.TrimSpace(strings.ToUpper(token))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}
