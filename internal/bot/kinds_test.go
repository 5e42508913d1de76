package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Kind("unknown"), "id-1")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestArbitrageBotLifecycle(t *testing.T) {
	b, err := New(KindArbitrage, "bot-1")
	require.NoError(t, err)
	require.Equal(t, KindArbitrage, b.Kind())
	require.Equal(t, Stopped, b.Status().Lifecycle)

	cfg := []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015,"max_position_size":5000}`)
	require.NoError(t, b.Start(context.Background(), cfg))
	require.Equal(t, Running, b.Status().Lifecycle)

	// Idempotent: starting again with the same config is a no-op, not an error.
	err = b.Start(context.Background(), cfg)
	require.True(t, err == nil || err == ErrAlreadyRunning)

	time.Sleep(2 * tickInterval)
	m := b.Metrics()
	require.Equal(t, "bot-1", m.BotID)
	require.GreaterOrEqual(t, m.TradesExecuted, int64(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
	require.Equal(t, Stopped, b.Status().Lifecycle)
}

func TestArbitrageBotRejectsInvalidConfig(t *testing.T) {
	b, err := New(KindArbitrage, "bot-2")
	require.NoError(t, err)
	err = b.Start(context.Background(), []byte(`{"pairs":[]}`))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

// ApplyConfig itself never decides Applied vs RequiresRestart -- that
// classification is centralized in validator.Classify, exercised by the
// controller (see controller_test.go). A bot's own ApplyConfig only parses
// and adopts the new config, or rejects it outright.
func TestArbitrageApplyConfigAdoptsConfig(t *testing.T) {
	b, err := New(KindArbitrage, "bot-3")
	require.NoError(t, err)
	cfg := []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015,"max_position_size":5000}`)
	require.NoError(t, b.Start(context.Background(), cfg))

	result, err := b.ApplyConfig(context.Background(), []byte(`{"pairs":["ETH/USDT"],"min_profit_threshold":0.025,"max_position_size":5000}`))
	require.NoError(t, err)
	require.Equal(t, Applied, result.Outcome)

	result, err = b.ApplyConfig(context.Background(), []byte(`not json`))
	require.Error(t, err)
	require.Equal(t, Rejected, result.Outcome)
}

func TestBotRestartCounterLifecycle(t *testing.T) {
	b, err := New(KindArbitrage, "bot-6")
	require.NoError(t, err)
	require.Equal(t, 0, b.Metrics().RestartCount)

	b.RestoreRestartCount(3)
	require.Equal(t, 3, b.Metrics().RestartCount)

	b.BumpRestartCount()
	require.Equal(t, 4, b.Metrics().RestartCount)
}

func TestMLAnalyticsBotHasNoPauseSupport(t *testing.T) {
	b, err := New(KindMLAnalytics, "bot-4")
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background(), []byte(`{"model":"lstm-v1","confidence_floor":0.6}`)))
	require.ErrorIs(t, b.Pause(context.Background()), ErrUnsupported)
}

func TestBotStopIsIdempotentOnAlreadyStopped(t *testing.T) {
	b, err := New(KindFlashloan, "bot-5")
	require.NoError(t, err)
	err = b.Stop(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStopped)
}
