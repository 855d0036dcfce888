// Package metrics exposes the resolver's Prometheus collectors.
//
// All methods are safe to call on a nil *Collectors, so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resolver"

// Collectors holds every metric the resolver exports.
type Collectors struct {
	reg *prometheus.Registry

	ordersDiscovered *prometheus.CounterVec
	ordersSkipped    *prometheus.CounterVec
	ordersFilled     *prometheus.CounterVec
	fillFailures     *prometheus.CounterVec

	withdrawals      *prometheus.CounterVec
	withdrawAttempts *prometheus.CounterVec

	secretsStored *prometheus.CounterVec
	secrets       *prometheus.GaugeVec

	transitions  *prometheus.CounterVec
	swapsStuck   prometheus.Counter
	pendingSwaps prometheus.Gauge

	tickDuration prometheus.Histogram
	ticks        prometheus.Counter
}

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collectors{
		reg: reg,
		ordersDiscovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_discovered_total",
			Help:      "Orders discovered, by source",
		}, []string{"source"}),
		ordersSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_skipped_total",
			Help:      "Orders skipped before filling, by reason",
		}, []string{"reason"}),
		ordersFilled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_filled_total",
			Help:      "Orders filled on the source chain",
		}, []string{"chain_id"}),
		fillFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fill_failures_total",
			Help:      "Failed fill attempts, by error class",
		}, []string{"class"}),
		withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Withdrawal outcomes after retries, by side and result",
		}, []string{"side", "result"}),
		withdrawAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdraw_attempts_total",
			Help:      "Individual withdrawal attempts, by side and result",
		}, []string{"side", "result"}),
		secretsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "secrets_stored_total",
			Help:      "Secrets ingested, by source",
		}, []string{"source"}),
		secrets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "secrets",
			Help:      "Secrets in the store, by status",
		}, []string{"status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_transitions_total",
			Help:      "Swap status transitions, by target status",
		}, []string{"status"}),
		swapsStuck: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_stuck_total",
			Help:      "Swaps reported stuck waiting for a deposit",
		}),
		pendingSwaps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_swaps",
			Help:      "Swaps not yet in a terminal status",
		}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Coordinator tick duration",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Coordinator ticks run",
		}),
	}
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// Handler serves the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collectors) OrderDiscovered(source string) {
	if c == nil {
		return
	}
	c.ordersDiscovered.WithLabelValues(source).Inc()
}

func (c *Collectors) OrderSkipped(reason string) {
	if c == nil {
		return
	}
	c.ordersSkipped.WithLabelValues(reason).Inc()
}

func (c *Collectors) OrderFilled(chainID uint64) {
	if c == nil {
		return
	}
	c.ordersFilled.WithLabelValues(strconv.FormatUint(chainID, 10)).Inc()
}

func (c *Collectors) FillFailed(class string) {
	if c == nil {
		return
	}
	c.fillFailures.WithLabelValues(class).Inc()
}

// Withdrawal records the final outcome of a retried withdrawal.
func (c *Collectors) Withdrawal(side, result string) {
	if c == nil {
		return
	}
	c.withdrawals.WithLabelValues(side, result).Inc()
}

func (c *Collectors) WithdrawAttempt(side, result string) {
	if c == nil {
		return
	}
	c.withdrawAttempts.WithLabelValues(side, result).Inc()
}

func (c *Collectors) SecretStored(source string) {
	if c == nil {
		return
	}
	c.secretsStored.WithLabelValues(source).Inc()
}

// SetSecretStats publishes the secret store counts.
func (c *Collectors) SetSecretStats(pending, confirmed, failed int) {
	if c == nil {
		return
	}
	c.secrets.WithLabelValues("pending").Set(float64(pending))
	c.secrets.WithLabelValues("confirmed").Set(float64(confirmed))
	c.secrets.WithLabelValues("failed").Set(float64(failed))
}

func (c *Collectors) SwapTransition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collectors) SwapStuck() {
	if c == nil {
		return
	}
	c.swapsStuck.Inc()
}

func (c *Collectors) SetPendingSwaps(n int) {
	if c == nil {
		return
	}
	c.pendingSwaps.Set(float64(n))
}

// ObserveTick records one coordinator tick.
func (c *Collectors) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}
