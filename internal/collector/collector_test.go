package collector

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/juant72/sniperforge-sub011/internal/bot"
)

func metricsAt(id string, trades int64, at time.Time) bot.Metrics {
	return bot.Metrics{BotID: id, TradesExecuted: trades, ProfitAndLoss: decimal.NewFromInt(trades), CollectedAt: at}
}

func TestRecordAndCurrentSnapshot(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	c.Record("bot-1", metricsAt("bot-1", 5, time.Now().UTC()))
	m, ok := c.CurrentSnapshot("bot-1")
	require.True(t, ok)
	require.Equal(t, int64(5), m.TradesExecuted)
}

func TestRecordEventUpdatesCurrentWithoutTouchingHistory(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	now := time.Now().UTC()
	c.Record("bot-1", metricsAt("bot-1", 1, now))

	c.RecordEvent("bot-1", metricsAt("bot-1", 2, now.Add(time.Millisecond)))

	m, ok := c.CurrentSnapshot("bot-1")
	require.True(t, ok)
	require.Equal(t, int64(2), m.TradesExecuted)

	history := c.History("bot-1", time.Hour)
	require.Len(t, history, 1)
	require.Equal(t, int64(1), history[0].TradesExecuted)
}

func TestHistoryReturnsWithinWindow(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	now := time.Now().UTC()
	c.Record("bot-1", metricsAt("bot-1", 1, now.Add(-time.Hour)))
	c.Record("bot-1", metricsAt("bot-1", 2, now))
	history := c.History("bot-1", time.Minute)
	require.Len(t, history, 1)
	require.Equal(t, int64(2), history[0].TradesExecuted)
}

func TestRingBufferDropsOldestBeyondDepth(t *testing.T) {
	c := New(prometheus.NewRegistry(), 3)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		c.Record("bot-1", metricsAt("bot-1", int64(i), now.Add(time.Duration(i)*time.Second)))
	}
	history := c.History("bot-1", time.Hour)
	require.Len(t, history, 3)
	require.Equal(t, int64(2), history[0].TradesExecuted) // 0,1 dropped; 2,3,4 retained
}

func TestRecordFailureAlertsAfterConsecutiveMax(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	require.False(t, c.RecordFailure("bot-1"))
	require.False(t, c.RecordFailure("bot-1"))
	require.True(t, c.RecordFailure("bot-1"))
	// Once alerted, it stays latched until a success resets it.
	require.False(t, c.RecordFailure("bot-1"))
}

func TestRecordResetsHealthAfterFailures(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	c.RecordFailure("bot-1")
	c.RecordFailure("bot-1")
	c.Record("bot-1", metricsAt("bot-1", 1, time.Now().UTC()))
	require.False(t, c.RecordFailure("bot-1"))
	require.False(t, c.RecordFailure("bot-1"))
	require.True(t, c.RecordFailure("bot-1"))
}

func TestForgetClearsAllState(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	c.Record("bot-1", metricsAt("bot-1", 1, time.Now().UTC()))
	c.Forget("bot-1")
	_, ok := c.CurrentSnapshot("bot-1")
	require.False(t, ok)
	require.Nil(t, c.History("bot-1", time.Hour))
}

func TestSystemSnapshotAggregatesAndWarns(t *testing.T) {
	c := New(prometheus.NewRegistry(), 10)
	c.Record("bot-1", metricsAt("bot-1", 3, time.Now().UTC()))
	c.Record("bot-2", metricsAt("bot-2", 4, time.Now().UTC()))
	snap := c.SystemSnapshot(2, 5, 2)
	require.Equal(t, int64(7), snap.TotalTrades)
	require.NotEmpty(t, snap.Warning)
}
