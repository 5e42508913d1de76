package bot

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"
)

// arbitrageConfig mirrors the teacher's strategies.ArbitrageConfig field
// set, and is also the literal shape spec.md §8 scenario 1 uses
// (pairs, min_profit_threshold, max_position_size).
type arbitrageConfig struct {
	Pairs              []string `json:"pairs"`
	MinProfitThreshold float64  `json:"min_profit_threshold"`
	MaxPositionSize    float64  `json:"max_position_size"`
	SlippageTolerance  float64  `json:"slippage_tolerance"`
}

type liquiditySniperConfig struct {
	TargetPairs   []string `json:"target_pairs"`
	MaxSlippage   float64  `json:"max_slippage"`
	SnipeWindowMS int      `json:"snipe_window_ms"`
}

type mlAnalyticsConfig struct {
	Model           string  `json:"model"`
	ConfidenceFloor float64 `json:"confidence_floor"`
	LookbackPeriods int     `json:"lookback_periods"`
}

type sentimentMonitorConfig struct {
	Sources        []string `json:"sources"`
	PollInterval   int      `json:"poll_interval_seconds"`
	AlertThreshold float64  `json:"alert_threshold"`
}

type flashloanConfig struct {
	Protocol        string  `json:"protocol"`
	MaxLoanSize     float64 `json:"max_loan_size"`
	MinProfitMargin float64 `json:"min_profit_margin"`
}

// arbitrageBot, and the four sibling kinds below, are thin wrappers over
// engine: each owns only its config parsing/validation and the trade
// distribution it feeds into engine.run via tradeFn. Lifecycle bookkeeping,
// panic containment, and the simulated work loop live in engine, per
// contract.go's "controller never branches on kind" rule.
type arbitrageBot struct {
	*engine
	cfg arbitrageConfig
}

func newArbitrageBot(id string) Bot {
	return &arbitrageBot{engine: newEngine(id, KindArbitrage)}
}

func (b *arbitrageBot) Start(ctx context.Context, config []byte) error {
	var cfg arbitrageConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Pairs) == 0 {
		return fmt.Errorf("%w: pairs must not be empty", ErrInvalidConfig)
	}
	if cfg.MinProfitThreshold <= 0 {
		return fmt.Errorf("%w: min_profit_threshold must be positive", ErrInvalidConfig)
	}
	b.cfg = cfg
	threshold := decimal.NewFromFloat(cfg.MinProfitThreshold)
	return b.engine.start(config, func() decimal.Decimal {
		return simulateTrade(threshold, 0.015)
	})
}

func (b *arbitrageBot) Stop(ctx context.Context) error { return b.engine.stop(ctx) }
func (b *arbitrageBot) Pause(ctx context.Context) error {
	if err := b.engine.pause(); err != nil {
		return err
	}
	return nil
}
func (b *arbitrageBot) Resume(ctx context.Context) error { return b.engine.resume() }

// ApplyConfig parses and adopts newConfig. Whether the change is
// live-applicable or RequiresRestart is decided centrally by
// validator.Classify (§4.8), not here, so this only ever reports Applied or
// Rejected; the controller overrides Applied with RequiresRestart itself
// when Classify says so.
func (b *arbitrageBot) ApplyConfig(ctx context.Context, newConfig []byte) (ApplyResult, error) {
	var cfg arbitrageConfig
	if err := unmarshalConfig(newConfig, &cfg); err != nil {
		return ApplyResult{Outcome: Rejected, Reason: err.Error()}, err
	}
	b.cfg = cfg
	b.engine.setConfig(newConfig)
	return ApplyResult{Outcome: Applied}, nil
}

type liquiditySniperBot struct {
	*engine
	cfg liquiditySniperConfig
}

func newLiquiditySniperBot(id string) Bot {
	return &liquiditySniperBot{engine: newEngine(id, KindLiquiditySniper)}
}

func (b *liquiditySniperBot) Start(ctx context.Context, config []byte) error {
	var cfg liquiditySniperConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.TargetPairs) == 0 {
		return fmt.Errorf("%w: target_pairs must not be empty", ErrInvalidConfig)
	}
	b.cfg = cfg
	return b.engine.start(config, func() decimal.Decimal {
		return simulateTrade(decimal.NewFromFloat(0.02), 0.3)
	})
}

func (b *liquiditySniperBot) Stop(ctx context.Context) error  { return b.engine.stop(ctx) }
func (b *liquiditySniperBot) Pause(ctx context.Context) error { return b.engine.pause() }
func (b *liquiditySniperBot) Resume(ctx context.Context) error { return b.engine.resume() }

func (b *liquiditySniperBot) ApplyConfig(ctx context.Context, newConfig []byte) (ApplyResult, error) {
	var cfg liquiditySniperConfig
	if err := unmarshalConfig(newConfig, &cfg); err != nil {
		return ApplyResult{Outcome: Rejected, Reason: err.Error()}, err
	}
	b.cfg = cfg
	b.engine.setConfig(newConfig)
	return ApplyResult{Outcome: Applied}, nil
}

// mlAnalyticsBot has no pause/resume support: it reports ErrUnsupported so
// the controller treats Pause as Stop, per §4.1.
type mlAnalyticsBot struct {
	*engine
	cfg mlAnalyticsConfig
}

func newMLAnalyticsBot(id string) Bot {
	return &mlAnalyticsBot{engine: newEngine(id, KindMLAnalytics)}
}

func (b *mlAnalyticsBot) Start(ctx context.Context, config []byte) error {
	var cfg mlAnalyticsConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Model == "" {
		return fmt.Errorf("%w: model must be set", ErrInvalidConfig)
	}
	b.cfg = cfg
	return b.engine.start(config, func() decimal.Decimal {
		return simulateTrade(decimal.NewFromFloat(0.01), 0.1)
	})
}

func (b *mlAnalyticsBot) Stop(ctx context.Context) error   { return b.engine.stop(ctx) }
func (b *mlAnalyticsBot) Pause(ctx context.Context) error  { return ErrUnsupported }
func (b *mlAnalyticsBot) Resume(ctx context.Context) error { return ErrUnsupported }

func (b *mlAnalyticsBot) ApplyConfig(ctx context.Context, newConfig []byte) (ApplyResult, error) {
	var cfg mlAnalyticsConfig
	if err := unmarshalConfig(newConfig, &cfg); err != nil {
		return ApplyResult{Outcome: Rejected, Reason: err.Error()}, err
	}
	b.cfg = cfg
	b.engine.setConfig(newConfig)
	return ApplyResult{Outcome: Applied}, nil
}

type sentimentMonitorBot struct {
	*engine
	cfg sentimentMonitorConfig
}

func newSentimentMonitorBot(id string) Bot {
	return &sentimentMonitorBot{engine: newEngine(id, KindSentimentMonitor)}
}

func (b *sentimentMonitorBot) Start(ctx context.Context, config []byte) error {
	var cfg sentimentMonitorConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.Sources) == 0 {
		return fmt.Errorf("%w: sources must not be empty", ErrInvalidConfig)
	}
	b.cfg = cfg
	return b.engine.start(config, func() decimal.Decimal {
		return simulateTrade(decimal.NewFromFloat(0.005), 0.05)
	})
}

func (b *sentimentMonitorBot) Stop(ctx context.Context) error   { return b.engine.stop(ctx) }
func (b *sentimentMonitorBot) Pause(ctx context.Context) error  { return ErrUnsupported }
func (b *sentimentMonitorBot) Resume(ctx context.Context) error { return ErrUnsupported }

func (b *sentimentMonitorBot) ApplyConfig(ctx context.Context, newConfig []byte) (ApplyResult, error) {
	var cfg sentimentMonitorConfig
	if err := unmarshalConfig(newConfig, &cfg); err != nil {
		return ApplyResult{Outcome: Rejected, Reason: err.Error()}, err
	}
	b.cfg = cfg
	b.engine.setConfig(newConfig)
	return ApplyResult{Outcome: Applied}, nil
}

type flashloanBot struct {
	*engine
	cfg flashloanConfig
}

func newFlashloanBot(id string) Bot {
	return &flashloanBot{engine: newEngine(id, KindFlashloan)}
}

func (b *flashloanBot) Start(ctx context.Context, config []byte) error {
	var cfg flashloanConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Protocol == "" {
		return fmt.Errorf("%w: protocol must be set", ErrInvalidConfig)
	}
	if cfg.MaxLoanSize <= 0 {
		return fmt.Errorf("%w: max_loan_size must be positive", ErrInvalidConfig)
	}
	b.cfg = cfg
	return b.engine.start(config, func() decimal.Decimal {
		return simulateTrade(decimal.NewFromFloat(0.03), 0.2)
	})
}

func (b *flashloanBot) Stop(ctx context.Context) error  { return b.engine.stop(ctx) }
func (b *flashloanBot) Pause(ctx context.Context) error { return b.engine.pause() }
func (b *flashloanBot) Resume(ctx context.Context) error { return b.engine.resume() }

func (b *flashloanBot) ApplyConfig(ctx context.Context, newConfig []byte) (ApplyResult, error) {
	var cfg flashloanConfig
	if err := unmarshalConfig(newConfig, &cfg); err != nil {
		return ApplyResult{Outcome: Rejected, Reason: err.Error()}, err
	}
	b.cfg = cfg
	b.engine.setConfig(newConfig)
	return ApplyResult{Outcome: Applied}, nil
}

// simulateTrade produces a pseudo-random profit/loss outcome: with
// probability lossChance it returns a negative draw around -threshold,
// otherwise a positive draw around +threshold. Exchange interaction is
// explicitly out of scope (§1); this only gives observable motion to the
// reconciler, collector, and control-plane.
func simulateTrade(threshold decimal.Decimal, lossChance float64) decimal.Decimal {
	if rand.Float64() < lossChance {
		return threshold.Neg().Mul(decimal.NewFromFloat(0.5 + rand.Float64()))
	}
	return threshold.Mul(decimal.NewFromFloat(0.5 + rand.Float64()))
}
