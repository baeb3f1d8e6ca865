package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "mvault",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" or
// "quota_exceeded" so dashboards and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// VaultMetrics wraps collectors tracking settlement engine activity.
type VaultMetrics struct {
	operations  *prometheus.CounterVec
	settledUSD  *prometheus.CounterVec
	fees        *prometheus.CounterVec
	transitions *prometheus.CounterVec
	pending     *prometheus.GaugeVec
}

// Vault exposes the singleton metrics registry for the settlement engine.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of settlement operations segmented by kind and outcome.",
			}, []string{"operation", "outcome"}),
			settledUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "vault",
				Name:      "settled_usd_total",
				Help:      "Sum of settled value in USD terms segmented by operation and token.",
			}, []string{"operation", "token"}),
			fees: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "vault",
				Name:      "fees_total",
				Help:      "Sum of collected fees segmented by operation and token.",
			}, []string{"operation", "token"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "vault",
				Name:      "request_transitions_total",
				Help:      "Count of request status transitions segmented by kind and status.",
			}, []string{"kind", "status"}),
			pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "mvault",
				Subsystem: "vault",
				Name:      "pending_requests",
				Help:      "Number of requests awaiting an operator decision.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.settledUSD,
			vaultRegistry.fees,
			vaultRegistry.transitions,
			vaultRegistry.pending,
		)
	})
	return vaultRegistry
}

// ObserveOperation records the outcome of a settlement operation.
func (m *VaultMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RecordSettlement adds the settled USD value and collected fee for an
// operation. Amounts carry eighteen decimals and are scaled down to whole
// units before export so counters stay within float range.
func (m *VaultMetrics) RecordSettlement(operation, token string, usd, fee *big.Int) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	tok := strings.TrimSpace(token)
	if tok == "" {
		tok = "unknown"
	}
	if v := amountToUnits(usd); v > 0 {
		m.settledUSD.WithLabelValues(op, tok).Add(v)
	}
	if v := amountToUnits(fee); v > 0 {
		m.fees.WithLabelValues(op, tok).Add(v)
	}
}

// RecordTransition increments the transition counter for a request kind and
// its new status, and adjusts the pending gauge.
func (m *VaultMetrics) RecordTransition(kind, status string) {
	if m == nil {
		return
	}
	k := strings.TrimSpace(kind)
	if k == "" {
		k = "unknown"
	}
	s := strings.TrimSpace(status)
	if s == "" {
		s = "unknown"
	}
	m.transitions.WithLabelValues(k, s).Inc()
	switch s {
	case "pending":
		m.pending.WithLabelValues(k).Inc()
	case "approved", "rejected":
		m.pending.WithLabelValues(k).Dec()
	}
}

// OracleMetrics wraps collectors describing price feed health.
type OracleMetrics struct {
	rate    *prometheus.GaugeVec
	rejects *prometheus.CounterVec
}

// Oracle exposes the singleton metrics registry for price feeds.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "mvault",
				Subsystem: "oracle",
				Name:      "rate",
				Help:      "Latest accepted answer per feed, in whole units.",
			}, []string{"feed"}),
			rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mvault",
				Subsystem: "oracle",
				Name:      "rejections_total",
				Help:      "Count of feed updates rejected by health checks.",
			}, []string{"feed", "reason"}),
		}
		prometheus.MustRegister(
			oracleRegistry.rate,
			oracleRegistry.rejects,
		)
	})
	return oracleRegistry
}

// RecordRate publishes the latest accepted answer for a feed. The answer is
// scaled down from the feed's native decimals before export.
func (m *OracleMetrics) RecordRate(feed string, answer *big.Int, decimals uint8) {
	if m == nil || strings.TrimSpace(feed) == "" || answer == nil {
		return
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	value, _ := new(big.Rat).SetFrac(answer, scale).Float64()
	m.rate.WithLabelValues(feed).Set(value)
}

// RecordRejection counts a feed update rejected by a health check.
func (m *OracleMetrics) RecordRejection(feed, reason string) {
	if m == nil {
		return
	}
	f := strings.TrimSpace(feed)
	if f == "" {
		f = "unknown"
	}
	r := strings.TrimSpace(reason)
	if r == "" {
		r = "unspecified"
	}
	m.rejects.WithLabelValues(f, r).Inc()
}

var unitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func amountToUnits(amount *big.Int) float64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	whole := new(big.Int).Quo(amount, unitScale)
	if !whole.IsInt64() {
		return math.MaxInt64
	}
	return float64(whole.Int64())
}
