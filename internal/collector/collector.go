// Package collector is the process-wide metrics aggregator (C2): a current
// snapshot per bot, a bounded ring-buffer history per bot, and a derived
// system snapshot. Modeled on the teacher's monitoring.MetricsCollector,
// generalized from portfolio-only aggregates to the full per-bot snapshot
// spec.md §3/§4.2 describes, and wired to a prometheus registry the way the
// teacher's pkg/observability/metrics.go does for its own counters.
package collector

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/juant72/sniperforge-sub011/internal/bot"
)

// SystemSnapshot is the derived aggregate described in spec.md §3.
type SystemSnapshot struct {
	RegisteredBots  int             `json:"registered_bots"`
	RunningBots     int             `json:"running_bots"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	TotalTrades     int64           `json:"total_trades"`
	ControllerUptime time.Duration  `json:"controller_uptime"`
	MemoryUsageBytes uint64         `json:"memory_usage_bytes"`
	HostCores       int             `json:"host_cores"`
	Warning         string          `json:"warning,omitempty"`
}

// ring is a fixed-depth, drop-oldest buffer of historical snapshots for one
// bot. §9 DESIGN NOTES resolves the spec's ambiguity here in favor of the
// stricter "bounded depth, drop oldest" interpretation.
type ring struct {
	buf   []bot.Metrics
	depth int
	next  int
	full  bool
}

func newRing(depth int) *ring {
	if depth <= 0 {
		depth = 1
	}
	return &ring{buf: make([]bot.Metrics, depth), depth: depth}
}

func (r *ring) push(m bot.Metrics) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % r.depth
	if r.next == 0 {
		r.full = true
	}
}

// since returns every retained snapshot at or after cutoff, oldest first.
// Queries older than the buffer depth simply return what is available
// (§4.2): the collector never blocks awaiting older data it never kept.
func (r *ring) since(cutoff time.Time) []bot.Metrics {
	n := r.next
	count := n
	if r.full {
		count = r.depth
	}
	out := make([]bot.Metrics, 0, count)
	start := 0
	if r.full {
		start = n
	}
	for i := 0; i < count; i++ {
		idx := (start + i) % r.depth
		m := r.buf[idx]
		if !m.CollectedAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// health tracks consecutive metrics() failures per bot for the "N
// consecutive ticks" alert threshold in §4.2.
type health struct {
	consecutiveErrors int
	alerted           bool
}

// Collector is the C2 singleton. Reads (CurrentSnapshot, History,
// SystemSnapshot) never block on the tick goroutine: each bot's current
// snapshot and ring are guarded by the same mutex, but the tick itself does
// no I/O beyond calling bot.Metrics(), which the contract requires be
// cheap and I/O-free.
type Collector struct {
	mu sync.Mutex

	current map[string]bot.Metrics
	rings   map[string]*ring
	health  map[string]*health

	historyDepth   int
	consecutiveMax int
	startedAt      time.Time

	tradesGauge   *prometheus.GaugeVec
	pnlGauge      *prometheus.GaugeVec
	restartsGauge *prometheus.GaugeVec
	driftCounter  prometheus.Counter
	healthAlerts  prometheus.Counter
}

// New builds a Collector and registers its gauges against reg. Passing a
// fresh prometheus.NewRegistry() per test avoids cross-test collisions on
// the global default registry.
func New(reg prometheus.Registerer, historyDepth int) *Collector {
	c := &Collector{
		current:        make(map[string]bot.Metrics),
		rings:          make(map[string]*ring),
		health:         make(map[string]*health),
		historyDepth:   historyDepth,
		consecutiveMax: 3,
		startedAt:      time.Now().UTC(),
		tradesGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botcore_bot_trades_executed",
			Help: "Total trades executed by bot id.",
		}, []string{"bot_id"}),
		pnlGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botcore_bot_profit_and_loss",
			Help: "Current profit-and-loss by bot id.",
		}, []string{"bot_id"}),
		restartsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "botcore_bot_restart_count",
			Help: "Restart count by bot id.",
		}, []string{"bot_id"}),
		driftCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botcore_reconciler_drift_events_total",
			Help: "Total reconciliation drift events emitted.",
		}),
		healthAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botcore_bot_health_alerts_total",
			Help: "Total consecutive-failure health alerts raised.",
		}),
	}
	reg.MustRegister(c.tradesGauge, c.pnlGauge, c.restartsGauge, c.driftCounter, c.healthAlerts)
	return c
}

// Record stores a successful metrics() read, pushing it into the ring and
// resetting the bot's consecutive-error count.
func (c *Collector) Record(id string, m bot.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[id] = m
	r, ok := c.rings[id]
	if !ok {
		r = newRing(c.historyDepth)
		c.rings[id] = r
	}
	r.push(m)
	if h, ok := c.health[id]; ok {
		h.consecutiveErrors = 0
		h.alerted = false
	}

	pnl, _ := m.ProfitAndLoss.Float64()
	c.tradesGauge.WithLabelValues(id).Set(float64(m.TradesExecuted))
	c.pnlGauge.WithLabelValues(id).Set(pnl)
	c.restartsGauge.WithLabelValues(id).Set(float64(m.RestartCount))
}

// RecordEvent is the out-of-band path (§4.2): a bot reports a trade
// immediately rather than waiting for the next tick. It updates the
// current snapshot only; the ring buffer still advances on the tick cadence
// to bound history-query cardinality.
func (c *Collector) RecordEvent(id string, m bot.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[id] = m
}

// RecordFailure logs a failed metrics() call for id: the previous snapshot
// is retained (caller must not overwrite current), and a health alert is
// raised once the bot has failed consecutiveMax ticks in a row.
func (c *Collector) RecordFailure(id string) (alert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[id]
	if !ok {
		h = &health{}
		c.health[id] = h
	}
	h.consecutiveErrors++
	if h.consecutiveErrors >= c.consecutiveMax && !h.alerted {
		h.alerted = true
		c.healthAlerts.Inc()
		return true
	}
	return false
}

// Forget drops all collected state for id, called on bot Delete.
func (c *Collector) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.current, id)
	delete(c.rings, id)
	delete(c.health, id)
}

// CurrentSnapshot returns the most-recent-authoritative copy for id.
func (c *Collector) CurrentSnapshot(id string) (bot.Metrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.current[id]
	return m, ok
}

// History returns retained snapshots for id within the trailing window.
func (c *Collector) History(id string, window time.Duration) []bot.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rings[id]
	if !ok {
		return nil
	}
	return r.since(time.Now().UTC().Add(-window))
}

// RecordDrift increments the drift-events counter (§4.6).
func (c *Collector) RecordDrift(n int) {
	c.driftCounter.Add(float64(n))
}

// SystemSnapshot computes the derived aggregate described in spec.md §3.
func (c *Collector) SystemSnapshot(registered, running int, cores int) SystemSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	totalProfit := decimal.Zero
	var totalTrades int64
	for _, m := range c.current {
		totalProfit = totalProfit.Add(m.ProfitAndLoss)
		totalTrades += m.TradesExecuted
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s := SystemSnapshot{
		RegisteredBots:   registered,
		RunningBots:      running,
		TotalProfit:      totalProfit,
		TotalTrades:      totalTrades,
		ControllerUptime: time.Since(c.startedAt),
		MemoryUsageBytes: memStats.Alloc,
		HostCores:        cores,
	}
	if cores > 0 && running > 2*cores {
		s.Warning = "running bot count exceeds 2x host core count"
	}
	return s
}
