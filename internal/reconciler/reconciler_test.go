package reconciler

import (
	"context"
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

func newTestScheduler(t *testing.T, desired map[string]DesiredBot) (*Scheduler, *controller.Controller, context.CancelFunc) {
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

	sched := NewScheduler(ctrl, coll, time.Minute, 3, StopOnly, func() map[string]DesiredBot { return desired })
	return sched, ctrl, cancel
}

const arbitrageCfg = `{"pairs":["BTC/USDT"],"min_profit_threshold":0.015,"max_position_size":5000}`

func TestReconcileCreatesMissingBot(t *testing.T) {
	desired := map[string]DesiredBot{
		"bot-1": {ID: "bot-1", Kind: bot.KindArbitrage, DesiredState: bot.Stopped, Config: []byte(arbitrageCfg)},
	}
	sched, ctrl, cancel := newTestScheduler(t, desired)
	defer cancel()

	evt := sched.RunOnce(context.Background())
	require.Equal(t, 1, evt.Drifts)
	require.Len(t, ctrl.ListBots(), 1)
}

func TestReconcileCreatesBotUnderDesiredID(t *testing.T) {
	desired := map[string]DesiredBot{
		"bot-1": {ID: "bot-1", Kind: bot.KindArbitrage, DesiredState: bot.Stopped, Config: []byte(arbitrageCfg)},
	}
	sched, ctrl, cancel := newTestScheduler(t, desired)
	defer cancel()

	sched.RunOnce(context.Background())
	bots := ctrl.ListBots()
	require.Len(t, bots, 1)
	require.Equal(t, "bot-1", bots[0].ID)

	// A second tick must see the same id already registered and converge to
	// zero operations, not recreate it under a fresh random id.
	evt := sched.RunOnce(context.Background())
	require.Equal(t, 0, evt.Drifts)
	require.Len(t, ctrl.ListBots(), 1)
}

func TestReconcileStartsDesiredRunningBot(t *testing.T) {
	desired := map[string]DesiredBot{
		"bot-1": {ID: "bot-1", Kind: bot.KindArbitrage, DesiredState: bot.Running, Config: []byte(arbitrageCfg)},
	}
	sched, ctrl, cancel := newTestScheduler(t, desired)
	defer cancel()

	// First tick creates it (Stopped); second tick starts it.
	sched.RunOnce(context.Background())
	sched.RunOnce(context.Background())

	bots := ctrl.ListBots()
	require.Len(t, bots, 1)
	require.Equal(t, bot.Running, bots[0].Lifecycle)
}

func TestReconcileSteadyStateIssuesZeroOperations(t *testing.T) {
	desired := map[string]DesiredBot{
		"bot-1": {ID: "bot-1", Kind: bot.KindArbitrage, DesiredState: bot.Running, Config: []byte(arbitrageCfg)},
	}
	sched, _, cancel := newTestScheduler(t, desired)
	defer cancel()

	sched.RunOnce(context.Background()) // create
	sched.RunOnce(context.Background()) // start
	evt := sched.RunOnce(context.Background())
	require.Equal(t, 0, evt.Drifts)
}

func TestReconcileStopsOrphanedBot(t *testing.T) {
	sched, ctrl, cancel := newTestScheduler(t, map[string]DesiredBot{})
	defer cancel()

	id, err := ctrl.CreateBot(bot.KindArbitrage, []byte(arbitrageCfg), resource.Reservation{})
	require.NoError(t, err)
	require.NoError(t, ctrl.StartBot(context.Background(), id, nil))

	evt := sched.RunOnce(context.Background())
	require.Equal(t, 1, evt.Drifts)

	lifecycle, err := ctrl.GetStatus(id)
	require.NoError(t, err)
	require.Equal(t, bot.Stopped, lifecycle)
}

func TestReconcileDeletesOrphanedBotWithStopAndDeletePolicy(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, 30, 30)
	require.NoError(t, err)
	acct := resource.New(4, 0, 2.0)
	coll := collector.New(prometheus.NewRegistry(), 60)
	logger := observability.NewLogger(observability.Config{ServiceName: "test", Level: "error", Format: "text"})
	ctrl := controller.New(controller.Config{ShutdownBudget: time.Second, MassOpConcurrency: 4}, st, coll, acct, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	id, err := ctrl.CreateBot(bot.KindArbitrage, []byte(arbitrageCfg), resource.Reservation{})
	require.NoError(t, err)

	sched := NewScheduler(ctrl, coll, time.Minute, 3, StopAndDelete, func() map[string]DesiredBot { return map[string]DesiredBot{} })
	sched.RunOnce(context.Background())

	_, err = ctrl.GetStatus(id)
	require.ErrorIs(t, err, bot.ErrNotFound)
}
