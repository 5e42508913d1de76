// Command trading-bots wires together the bot lifecycle controller, the
// reconciler, the control-plane server, and the durable state store
// described in spec.md -- the composition root, modeled on the teacher's
// cmd/trading-bots/main.go wiring of engine + monitor + API handlers,
// generalized to this subsystem's components.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/juant72/sniperforge-sub011/internal/bot"
	"github.com/juant72/sniperforge-sub011/internal/collector"
	"github.com/juant72/sniperforge-sub011/internal/config"
	"github.com/juant72/sniperforge-sub011/internal/controller"
	"github.com/juant72/sniperforge-sub011/internal/controlplane"
	"github.com/juant72/sniperforge-sub011/internal/hotreload"
	"github.com/juant72/sniperforge-sub011/internal/reconciler"
	"github.com/juant72/sniperforge-sub011/internal/resource"
	"github.com/juant72/sniperforge-sub011/internal/store"
	"github.com/juant72/sniperforge-sub011/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "configs/trading-bots.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.Config{
		ServiceName: "trading-bots",
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(cfg.Store.DataDir, cfg.Store.BackupRetentionDays, cfg.Store.BackupRetentionCount)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	sysRecord, records, err := st.Recover()
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	logger.Info(ctx, "recovered controller state", map[string]interface{}{
		"restart_count": sysRecord.RestartCount,
		"bots_recovered": len(records),
	})

	acct := resource.New(cfg.Resource.Cores, cfg.Resource.MemoryBytes, float64(cfg.Resource.MaxBotsFactor))

	reg := prometheus.NewRegistry()
	coll := collector.New(reg, cfg.Collector.HistoryDepth)

	ctrl := controller.New(controller.Config{
		ShutdownBudget:    cfg.Server.ShutdownBudget(),
		MassOpConcurrency: 8,
		EnvPrefix:         "BOTCORE",
	}, st, coll, acct, logger)

	go ctrl.Run(ctx)
	if err := ctrl.Restore(records); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	if config.DemoMode() && len(records) == 0 {
		if err := seedDemoBot(ctrl); err != nil {
			logger.Warn(ctx, "demo bot seed failed", map[string]interface{}{"error": err.Error()})
		}
	}

	desiredStatePath := desiredStatePath()
	reloadMgr := hotreload.NewManager(desiredStatePath, ctrl, logger)
	if err := reloadMgr.HotReloadConfigs(ctx); err != nil {
		logger.Warn(ctx, "initial desired-state load failed", map[string]interface{}{"error": err.Error()})
	}

	policy := reconciler.StopOnly
	if cfg.Reconciler.DeleteOrphans {
		policy = reconciler.StopAndDelete
	}
	sched := reconciler.NewScheduler(ctrl, coll, cfg.Reconciler.Interval(), cfg.Reconciler.MaxRetries, policy, reloadMgr.Desired)
	if cfg.Reconciler.Enabled {
		go sched.Run(ctx)
	}

	go runCollectorTicks(ctx, ctrl, st, cfg.Collector.TickInterval(), cfg.Store.MetricsFlushInterval())

	srv := controlplane.NewServer(ctrl, reloadMgr, logger, cfg.Server.IdleTimeout())
	tcpAddr := fmt.Sprintf("%s:%d", cfg.Server.TCP.BindAddress, cfg.Server.TCP.Port)
	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ServeTCP(ctx, tcpAddr) }()
	go func() { errCh <- srv.ServeHTTP(ctx, httpAddr, reg) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Error(ctx, "server error", err, nil)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownBudget()+5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	logger.Info(ctx, "trading-bots controller shutdown complete", nil)
	return nil
}

// runCollectorTicks drives the collector's per-bot metrics() calls at the
// configured tick rate, and flushes the store's dirty metrics-only records
// at the slower cadence spec.md §4.3 prescribes.
func runCollectorTicks(ctx context.Context, ctrl *controller.Controller, st *store.Store, tick, flush time.Duration) {
	tickTicker := time.NewTicker(tick)
	defer tickTicker.Stop()
	flushTicker := time.NewTicker(flush)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C:
			ctrl.Tick()
		case <-flushTicker.C:
			_ = st.ForceSave()
		}
	}
}

// seedDemoBot boots a single synthetic Arbitrage bot so an operator can
// exercise the control-plane end to end without hand-crafting a desired-
// state file, per spec.md §6's `*_DEMO_MODE` flag.
func seedDemoBot(ctrl *controller.Controller) error {
	cfg, err := yaml.Marshal(map[string]interface{}{
		"pairs":                []string{"BTC/USDT"},
		"min_profit_threshold": 0.015,
		"max_position_size":    5000.0,
	})
	if err != nil {
		return err
	}
	_, err = ctrl.CreateBot(bot.KindArbitrage, cfg, resource.Reservation{CPU: 0.25, Memory: 64 << 20})
	return err
}

// desiredStatePath resolves the desired-state file location, matching the
// teacher's convention of keeping runtime config under configs/.
func desiredStatePath() string {
	if v := os.Getenv("DESIRED_STATE_FILE"); v != "" {
		return v
	}
	return "configs/desired-state.yaml"
}
