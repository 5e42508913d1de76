package hotreload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/juant72/sniperforge-sub011/internal/bot"
	"github.com/juant72/sniperforge-sub011/internal/collector"
	"github.com/juant72/sniperforge-sub011/internal/controller"
	"github.com/juant72/sniperforge-sub011/internal/resource"
	"github.com/juant72/sniperforge-sub011/internal/store"
	"github.com/juant72/sniperforge-sub011/pkg/observability"
)

func newTestManager(t *testing.T, path string) (*Manager, *controller.Controller, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, 30, 30)
	require.NoError(t, err)
	acct := resource.New(4, 0, 2.0)
	coll := collector.New(prometheus.NewRegistry(), 60)
	logger := observability.NewLogger(observability.Config{ServiceName: "test", Level: "error", Format: "text"})
	ctrl := controller.New(controller.Config{ShutdownBudget: time.Second, MassOpConcurrency: 4}, st, coll, acct, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)

	return NewManager(path, ctrl, logger), ctrl, cancel
}

func TestHotReloadMissingFileIsNoOp(t *testing.T) {
	mgr, _, cancel := newTestManager(t, filepath.Join(t.TempDir(), "missing.yaml"))
	defer cancel()
	require.NoError(t, mgr.HotReloadConfigs(context.Background()))
	require.Empty(t, mgr.Desired())
}

func TestHotReloadParsesDesiredState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desired-state.yaml")
	content := `bots:
  - id: bot-1
    kind: arbitrage
    desired_status: running
    config:
      pairs: ["BTC/USDT"]
      min_profit_threshold: 0.02
    resources:
      cpu: 0.5
      memory: 67108864
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	mgr, _, cancel := newTestManager(t, path)
	defer cancel()
	require.NoError(t, mgr.HotReloadConfigs(context.Background()))

	desired := mgr.Desired()
	require.Contains(t, desired, "bot-1")
	require.Equal(t, bot.Running, desired["bot-1"].DesiredState)
	require.Equal(t, bot.KindArbitrage, desired["bot-1"].Kind)
}

func TestHotReloadIsNoOpWhenMtimeUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desired-state.yaml")
	content := `bots:
  - id: bot-1
    kind: arbitrage
    desired_status: stopped
    config:
      pairs: ["BTC/USDT"]
      min_profit_threshold: 0.02
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	mgr, _, cancel := newTestManager(t, path)
	defer cancel()
	require.NoError(t, mgr.HotReloadConfigs(context.Background()))
	first := mgr.Desired()

	require.NoError(t, mgr.HotReloadConfigs(context.Background()))
	second := mgr.Desired()
	require.Equal(t, first, second)
}

func TestHotReloadAppliesLiveConfigToRunningBot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desired-state.yaml")
	mgr, ctrl, cancel := newTestManager(t, path)
	defer cancel()

	id, err := ctrl.CreateBot(bot.KindArbitrage, []byte(`{"pairs":["BTC/USDT"],"min_profit_threshold":0.015}`), resource.Reservation{})
	require.NoError(t, err)
	require.NoError(t, ctrl.StartBot(context.Background(), id, nil))

	content := `bots:
  - id: ` + id + `
    kind: arbitrage
    desired_status: running
    config:
      pairs: ["BTC/USDT"]
      min_profit_threshold: 0.05
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, mgr.HotReloadConfigs(context.Background()))

	lifecycle, err := ctrl.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, bot.Running, lifecycle) // live-applicable change, no restart
}
