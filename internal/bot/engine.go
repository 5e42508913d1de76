package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// tickInterval is how often a running bot's simulated work loop advances its
// counters. Real exchange interaction is explicitly out of scope; this just
// gives the reconciler, collector, and control-plane something live to
// observe end to end.
const tickInterval = 500 * time.Millisecond

// engine is the shared machinery behind every concrete bot kind: lifecycle
// bookkeeping, a simulated trade-generating goroutine, and panic
// containment. Kind-specific types embed engine and supply a kind tag plus
// config parsing/validation.
type engine struct {
	id   string
	kind Kind

	mu           sync.Mutex
	lifecycle    Lifecycle
	rawConfig    []byte
	startedAt    time.Time
	restartCount int
	lastError    string

	trades      int64
	succeeded   int64
	failed      int64
	pnl         decimal.Decimal

	tradeHook func(Metrics)

	cancel context.CancelFunc
	done   chan struct{}
}

func newEngine(id string, kind Kind) *engine {
	return &engine{
		id:        id,
		kind:      kind,
		lifecycle: Stopped,
		pnl:       decimal.Zero,
	}
}

func (e *engine) Kind() Kind { return e.kind }

func (e *engine) Status() StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	alive := e.lifecycle == Running || e.lifecycle == Starting || e.lifecycle == Pausing || e.lifecycle == Paused
	return StatusReport{Lifecycle: e.lifecycle, Alive: alive}
}

func (e *engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	successRate := decimal.Zero
	if e.trades > 0 {
		successRate = decimal.NewFromInt(e.succeeded).Div(decimal.NewFromInt(e.trades))
	}

	uptime := int64(0)
	if !e.startedAt.IsZero() && (e.lifecycle == Running || e.lifecycle == Pausing || e.lifecycle == Paused) {
		uptime = int64(time.Since(e.startedAt).Seconds())
	}

	return Metrics{
		BotID:           e.id,
		TradesExecuted:  e.trades,
		TradesSucceeded: e.succeeded,
		TradesFailed:    e.failed,
		SuccessRate:     successRate,
		ProfitAndLoss:   e.pnl,
		UptimeSeconds:   uptime,
		RestartCount:    e.restartCount,
		LastError:       e.lastError,
		CollectedAt:     time.Now().UTC(),
	}
}

// start begins the simulated work loop once the caller has validated config
// and decided the lifecycle transition is legal. tradeFn produces one
// simulated trade outcome per tick; kind-specific types pass their own
// profit distribution in.
func (e *engine) start(config []byte, tradeFn func() decimal.Decimal) error {
	e.mu.Lock()
	if e.lifecycle == Running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.rawConfig = config
	e.lifecycle = Starting
	e.startedAt = time.Now().UTC()
	e.lastError = ""
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx, tradeFn)

	e.mu.Lock()
	e.lifecycle = Running
	e.mu.Unlock()
	return nil
}

func (e *engine) run(ctx context.Context, tradeFn func() decimal.Decimal) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.lifecycle = Errored
			e.lastError = fmt.Sprintf("panic: %v", r)
			e.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			if e.lifecycle != Running {
				e.mu.Unlock()
				continue
			}
			e.mu.Unlock()

			delta := tradeFn()
			e.mu.Lock()
			e.trades++
			if delta.IsNegative() {
				e.failed++
			} else {
				e.succeeded++
			}
			e.pnl = e.pnl.Add(delta)
			hook := e.tradeHook
			e.mu.Unlock()

			if hook != nil {
				hook(e.Metrics())
			}
		}
	}
}

func (e *engine) stop(ctx context.Context) error {
	e.mu.Lock()
	if e.lifecycle == Stopped {
		e.mu.Unlock()
		return ErrAlreadyStopped
	}
	cancel := e.cancel
	done := e.done
	e.lifecycle = Stopping
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			e.mu.Lock()
			e.lifecycle = Stopped
			e.mu.Unlock()
			return ErrShutdownTimeout
		}
	}

	e.mu.Lock()
	e.lifecycle = Stopped
	e.mu.Unlock()
	return nil
}

func (e *engine) pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle != Running {
		return fmt.Errorf("%w: bot is %s", ErrUnsupported, e.lifecycle)
	}
	e.lifecycle = Paused
	return nil
}

func (e *engine) resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lifecycle != Paused {
		return fmt.Errorf("%w: bot is %s", ErrUnsupported, e.lifecycle)
	}
	e.lifecycle = Running
	return nil
}

// RestoreRestartCount hydrates the restart counter from a persisted value.
// Used once, by Controller.Restore, to carry a bot's restart history across
// a process restart; it is not itself a restart event.
func (e *engine) RestoreRestartCount(n int) {
	e.mu.Lock()
	e.restartCount = n
	e.mu.Unlock()
}

// BumpRestartCount records that this bot instance has been restarted by a
// RequiresRestart config change (§4.8) staged as Stop+Start. Crash recovery
// is counted on the persisted record instead and hydrated through
// RestoreRestartCount. It does not itself change lifecycle.
func (e *engine) BumpRestartCount() {
	e.mu.Lock()
	e.restartCount++
	e.mu.Unlock()
}

// SetTradeHook installs a callback invoked synchronously, outside e's lock,
// immediately after every simulated trade. This is the out-of-band path
// (§4.2) that lets a bot push a metrics update ahead of the collector's own
// tick cadence; pass nil to disable it.
func (e *engine) SetTradeHook(fn func(Metrics)) {
	e.mu.Lock()
	e.tradeHook = fn
	e.mu.Unlock()
}

func (e *engine) currentConfig() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rawConfig
}

func (e *engine) setConfig(config []byte) {
	e.mu.Lock()
	e.rawConfig = config
	e.mu.Unlock()
}

// unmarshalConfig is a small helper shared by every kind's ApplyConfig/Start
// path: decode and reject obviously malformed JSON up front.
func unmarshalConfig(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty config", ErrInvalidConfig)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
