// Package bot defines the polymorphic contract every trading bot fulfils
// (C1) and the closed set of concrete bot kinds the controller can create.
//
// The controller never branches on Kind for lifecycle logic; kind-specific
// behaviour lives entirely inside each concrete type returned by New.
package bot

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a bot's behaviour and selects its config schema.
type Kind string

const (
	KindArbitrage        Kind = "arbitrage"
	KindLiquiditySniper  Kind = "liquidity_sniper"
	KindMLAnalytics      Kind = "ml_analytics"
	KindSentimentMonitor Kind = "sentiment_monitor"
	KindFlashloan        Kind = "flashloan"
)

// ValidKinds enumerates the closed kind set, used by the validator and
// control-plane to reject unknown kinds before a Bot is ever constructed.
var ValidKinds = []Kind{
	KindArbitrage,
	KindLiquiditySniper,
	KindMLAnalytics,
	KindSentimentMonitor,
	KindFlashloan,
}

// IsValid reports whether k is one of the closed enumeration members.
func (k Kind) IsValid() bool {
	for _, v := range ValidKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Lifecycle is the finite state of a bot instance inside the controller.
type Lifecycle string

const (
	Stopped     Lifecycle = "stopped"
	Starting    Lifecycle = "starting"
	Running     Lifecycle = "running"
	Pausing     Lifecycle = "pausing"
	Paused      Lifecycle = "paused"
	Stopping    Lifecycle = "stopping"
	Maintenance Lifecycle = "maintenance"
	Errored     Lifecycle = "errored"
)

// Sentinel errors returned across the bot contract boundary. The
// control-plane maps these to response error variants; the controller maps
// them to lifecycle transitions.
var (
	ErrInvalidConfig     = errors.New("invalid config")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrAlreadyRunning    = errors.New("already running")
	ErrAlreadyStopped    = errors.New("already stopped")
	ErrNotFound          = errors.New("not found")
	ErrUnsupported       = errors.New("capability not supported")
	ErrShutdownTimeout   = errors.New("shutdown timeout")
)

// ApplyOutcome is the result of a live reconfiguration request.
type ApplyOutcome int

const (
	Applied ApplyOutcome = iota
	RequiresRestart
	Rejected
)

// ApplyResult carries the outcome of ApplyConfig plus, for Rejected, the
// human-readable reason.
type ApplyResult struct {
	Outcome ApplyOutcome
	Reason  string
}

// StatusReport is the cheap, I/O-free result of Status().
type StatusReport struct {
	Lifecycle Lifecycle
	Alive     bool // liveness hint; false signals the bot's task has died
}

// Metrics is the value-type snapshot returned by Metrics(). All money and
// ratio fields are decimal.Decimal, matching the teacher's pervasive use of
// shopspring/decimal for anything PnL-shaped.
type Metrics struct {
	BotID           string          `json:"bot_id"`
	TradesExecuted  int64           `json:"trades_executed"`
	TradesSucceeded int64           `json:"trades_succeeded"`
	TradesFailed    int64           `json:"trades_failed"`
	SuccessRate     decimal.Decimal `json:"success_rate"`
	ProfitAndLoss   decimal.Decimal `json:"profit_and_loss"`
	UptimeSeconds   int64           `json:"uptime_seconds"`
	RestartCount    int             `json:"restart_count"`
	LastError       string          `json:"last_error,omitempty"`
	CollectedAt     time.Time       `json:"collected_at"`
}

// Bot is the capability set the controller invokes from a single logical
// actor per bot (§4.1 / §5 concurrency contract). Implementations must not
// require external synchronisation: the controller never calls two methods
// on the same Bot concurrently.
type Bot interface {
	// Start transitions Stopped/Paused -> Running. Returns ErrAlreadyRunning
	// (non-fatal, idempotent no-op) if already Running with an equivalent
	// config, ErrInvalidConfig, or ErrResourceExhausted.
	Start(ctx context.Context, config []byte) error

	// Stop requests a graceful transition to Stopped within the caller's
	// context deadline (the shutdown budget). Callers that exceed the
	// budget forcibly mark the bot Stopped regardless of this call's
	// eventual return.
	Stop(ctx context.Context) error

	// Pause and Resume are optional. Implementations that do not support
	// pausing return ErrUnsupported; the controller then treats Pause as
	// Stop for that kind.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Status is cheap: no I/O, callable from a hot path.
	Status() StatusReport

	// Metrics returns the current snapshot. Called at the collector's tick
	// rate; implementations must not block on external I/O.
	Metrics() Metrics

	// ApplyConfig requests a live reconfiguration without a restart.
	ApplyConfig(ctx context.Context, newConfig []byte) (ApplyResult, error)

	// Kind returns the stable kind tag.
	Kind() Kind

	// RestoreRestartCount hydrates the restart counter from a persisted
	// value during crash recovery; it is not itself a restart event.
	RestoreRestartCount(n int)

	// BumpRestartCount records a restart of this bot instance caused by a
	// RequiresRestart config change, independent of any lifecycle
	// transition. Crash-recovery restarts are counted on the persisted
	// record by the store and arrive through RestoreRestartCount.
	BumpRestartCount()

	// SetTradeHook installs an optional callback invoked immediately after
	// each simulated trade, the out-of-band counterpart to the collector's
	// regular tick (§4.2).
	SetTradeHook(fn func(Metrics))
}

// New constructs the concrete Bot implementation for kind. It does not
// start the bot; the returned instance begins Stopped.
func New(kind Kind, id string) (Bot, error) {
	switch kind {
	case KindArbitrage:
		return newArbitrageBot(id), nil
	case KindLiquiditySniper:
		return newLiquiditySniperBot(id), nil
	case KindMLAnalytics:
		return newMLAnalyticsBot(id), nil
	case KindSentimentMonitor:
		return newSentimentMonitorBot(id), nil
	case KindFlashloan:
		return newFlashloanBot(id), nil
	default:
		return nil, ErrInvalidConfig
	}
}
