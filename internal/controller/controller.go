// Package controller is the central actor (C5): it owns the bot registry,
// consults the resource accountant and validator, persists through the
// state store, and records events in the metrics collector. Per §9 DESIGN
// NOTES it is implemented as a single owning goroutine receiving commands
// over a channel, with read-mostly snapshots published via atomic.Pointer
// for lock-free queries -- generalized from the teacher's
// TradingBotEngine's mutex-guarded map (bot_engine.go).
package controller

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/juant72/sniperforge-sub011/internal/bot"
	"github.com/juant72/sniperforge-sub011/internal/collector"
	"github.com/juant72/sniperforge-sub011/internal/resource"
	"github.com/juant72/sniperforge-sub011/internal/store"
	"github.com/juant72/sniperforge-sub011/internal/validator"
	"github.com/juant72/sniperforge-sub011/pkg/observability"
)

// Summary is the list_bots / control-plane wire shape: {id, kind,
// lifecycle, metrics, default-flag} per spec.md §6.
type Summary struct {
	ID        string        `json:"id"`
	Kind      bot.Kind      `json:"kind"`
	Lifecycle bot.Lifecycle `json:"lifecycle"`
	Metrics   bot.Metrics   `json:"metrics"`
	Default   bool          `json:"default"`
	Config    []byte        `json:"-"` // internal-only: compared by the reconciler, never put on the wire
}

// MassResult aggregates per-bot outcomes from start_all/stop_all (§6).
type MassResult struct {
	Successful     []string          `json:"successful"`
	Failed         []FailedOp        `json:"failed"`
	TotalAttempted int               `json:"total_attempted"`
}

// FailedOp names one bot's failure reason within a MassResult.
type FailedOp struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// entry is the in-memory registry row: the live Bot instance plus its
// durable record shadow.
type entry struct {
	instance bot.Bot
	record   store.BotRecord
}

// Config bundles the controller's tunables, sourced from spec.md §6's
// configuration tree.
type Config struct {
	ShutdownBudget    time.Duration
	MassOpConcurrency int
	EnvPrefix         string
}

// Controller is the C5 actor. All mutations are processed by Run on a
// single goroutine reading from cmdCh; queries are served from snapshot
// without touching cmdCh at all, matching §5's "queries... are lock-free
// against the coordinator".
type Controller struct {
	cfg        Config
	store      *store.Store
	collector  *collector.Collector
	accountant *resource.Accountant
	logger     *observability.Logger

	cmdCh    chan func(*state)
	snapshot atomic.Pointer[[]Summary]

	// massOpLimiter paces how fast start_all/stop_all issue per-bot
	// operations, smoothing bursts the way the teacher paces retries
	// elsewhere with golang.org/x/time/rate (SPEC_FULL §4.5); the
	// intra-operation concurrency cap itself is still the plain channel
	// semaphore in massApply.
	massOpLimiter *rate.Limiter

	startedAt time.Time
}

// state is the registry mutated exclusively inside Run.
type state struct {
	registry map[string]*entry
}

// New constructs a Controller. Callers must call Run in a goroutine before
// issuing any operation.
func New(cfg Config, st *store.Store, coll *collector.Collector, acct *resource.Accountant, logger *observability.Logger) *Controller {
	if cfg.ShutdownBudget <= 0 {
		cfg.ShutdownBudget = 10 * time.Second
	}
	if cfg.MassOpConcurrency <= 0 {
		cfg.MassOpConcurrency = 8
	}
	c := &Controller{
		cfg:        cfg,
		store:      st,
		collector:  coll,
		accountant: acct,
		logger:     logger,
		cmdCh:         make(chan func(*state), 64),
		massOpLimiter: rate.NewLimiter(rate.Limit(cfg.MassOpConcurrency*2), cfg.MassOpConcurrency),
		startedAt:     time.Now().UTC(),
	}
	empty := []Summary{}
	c.snapshot.Store(&empty)
	return c
}

// Run is the actor loop. It must be started exactly once, typically via
// `go controller.Run(ctx)`.
func (c *Controller) Run(ctx context.Context) {
	st := &state{registry: make(map[string]*entry)}
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmdCh:
			fn(st)
			c.publishSnapshot(st)
		}
	}
}

// do submits fn to the actor loop and blocks until it has run.
func (c *Controller) do(fn func(*state)) {
	done := make(chan struct{})
	c.cmdCh <- func(st *state) {
		fn(st)
		close(done)
	}
	<-done
}

func (c *Controller) publishSnapshot(st *state) {
	summaries := make([]Summary, 0, len(st.registry))
	for id, e := range st.registry {
		m, ok := c.collector.CurrentSnapshot(id)
		if !ok {
			m = e.instance.Metrics()
		}
		summaries = append(summaries, Summary{
			ID:        id,
			Kind:      e.record.Kind,
			Lifecycle: e.instance.Status().Lifecycle,
			Metrics:   m,
			Config:    e.record.Config,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	c.snapshot.Store(&summaries)
}

// Restore populates the registry from recovered store records. Callers must
// have already started Run in its own goroutine before calling this. It
// re-admits each record's persisted reservation so I4/§4.4's quota model
// keeps holding across a process restart instead of starting from an empty
// accountant, and hydrates each bot's restart counter (store.LoadAll has
// already bumped it for records recovered from a Running-like lifecycle).
func (c *Controller) Restore(records []store.BotRecord) error {
	for _, rec := range records {
		instance, err := bot.New(rec.Kind, rec.ID)
		if err != nil {
			return fmt.Errorf("controller: restore bot %s: %w", rec.ID, err)
		}
		instance.RestoreRestartCount(rec.RestartCount)
		instance.SetTradeHook(func(m bot.Metrics) { c.collector.RecordEvent(rec.ID, m) })

		reservation := resource.Reservation{CPU: rec.ReservedCPU, Memory: rec.ReservedMemory}
		if err := c.accountant.Reserve(rec.ID, reservation); err != nil {
			c.logger.Warn(context.Background(), "could not re-admit reservation on recovery", map[string]interface{}{"bot_id": rec.ID, "error": err.Error()})
		}

		rec := rec
		c.do(func(st *state) {
			st.registry[rec.ID] = &entry{instance: instance, record: rec}
		})
	}
	return nil
}

// ListBots returns every registry summary (read-only, lock-free).
func (c *Controller) ListBots() []Summary {
	p := c.snapshot.Load()
	out := make([]Summary, len(*p))
	copy(out, *p)
	return out
}

// GetStatus returns a bot's lifecycle (get_status).
func (c *Controller) GetStatus(id string) (bot.Lifecycle, error) {
	for _, s := range c.ListBots() {
		if s.ID == id {
			return s.Lifecycle, nil
		}
	}
	return "", bot.ErrNotFound
}

// GetMetrics returns the collector's current snapshot for id (get_metrics).
func (c *Controller) GetMetrics(id string) (bot.Metrics, error) {
	if _, err := c.GetStatus(id); err != nil {
		return bot.Metrics{}, err
	}
	m, ok := c.collector.CurrentSnapshot(id)
	if !ok {
		return bot.Metrics{}, bot.ErrNotFound
	}
	return m, nil
}

// CreateBot validates config, admits the reservation, constructs the
// instance Stopped, and persists it (create_bot). requestedID is optional:
// the control-plane's ad-hoc CreateBot RPC omits it and gets a minted UUID,
// while the reconciler's declarative opCreate (§4.6) passes the desired
// bot's own id so the bot it creates is the one reconcile() will find on the
// next tick, rather than an orphan under a fresh random id.
func (c *Controller) CreateBot(kind bot.Kind, yamlConfig []byte, reservation resource.Reservation, requestedID ...string) (string, error) {
	config, err := validator.Validate(kind, yamlConfig, c.cfg.EnvPrefix)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if len(requestedID) > 0 && requestedID[0] != "" {
		id = requestedID[0]
		var exists bool
		c.do(func(st *state) { _, exists = st.registry[id] })
		if exists {
			return "", fmt.Errorf("controller: bot %s already exists", id)
		}
	}

	if err := c.accountant.Reserve(id, reservation); err != nil {
		return "", err
	}

	instance, err := bot.New(kind, id)
	if err != nil {
		c.accountant.Release(id)
		return "", err
	}
	instance.SetTradeHook(func(m bot.Metrics) { c.collector.RecordEvent(id, m) })

	rec := store.BotRecord{
		ID:             id,
		Kind:           kind,
		Lifecycle:      bot.Stopped,
		Config:         config,
		ReservedCPU:    reservation.CPU,
		ReservedMemory: reservation.Memory,
		CreatedAt:      time.Now().UTC(),
		LastTransition: time.Now().UTC(),
	}
	if err := c.store.SaveBot(rec); err != nil {
		c.accountant.Release(id)
		return "", err
	}

	c.do(func(st *state) {
		st.registry[id] = &entry{instance: instance, record: rec}
	})
	return id, nil
}

// StartBot transitions Stopped/Paused -> Running (start_bot). AlreadyRunning
// with an equivalent config is a no-op success, per the bot contract.
func (c *Controller) StartBot(ctx context.Context, id string, yamlConfig []byte) error {
	var e *entry
	c.do(func(st *state) { e = st.registry[id] })
	if e == nil {
		return bot.ErrNotFound
	}

	config := e.record.Config
	if len(yamlConfig) > 0 {
		validated, err := validator.Validate(e.record.Kind, yamlConfig, c.cfg.EnvPrefix)
		if err != nil {
			return err
		}
		config = validated
	}

	alreadyRunningNoOp := e.instance.Status().Lifecycle == bot.Running && string(config) == string(e.record.Config)

	if !alreadyRunningNoOp {
		reservation := resource.Reservation{CPU: e.record.ReservedCPU, Memory: e.record.ReservedMemory}
		if err := c.accountant.Reserve(id, reservation); err != nil {
			return err
		}
	}

	err := e.instance.Start(ctx, config)
	if err != nil && err != bot.ErrAlreadyRunning {
		c.transitionErrored(id, err)
		return fmt.Errorf("%w", err)
	}
	if alreadyRunningNoOp {
		// Idempotence law: no mutation, no persistence write.
		return nil
	}

	c.do(func(st *state) {
		rec := st.registry[id].record
		rec.Lifecycle = bot.Running
		rec.Config = config
		rec.LastTransition = time.Now().UTC()
		st.registry[id].record = rec
	})
	return c.persist(id)
}

// StopBot requests a graceful stop within the shutdown budget, forcing
// Stopped and releasing the reservation if the budget is exceeded (§5).
func (c *Controller) StopBot(id string) error {
	var e *entry
	c.do(func(st *state) { e = st.registry[id] })
	if e == nil {
		return bot.ErrNotFound
	}

	if e.instance.Status().Lifecycle == bot.Stopped {
		// Idempotence law: no mutation, no persistence write.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownBudget)
	defer cancel()
	err := e.instance.Stop(stopCtx)

	c.do(func(st *state) {
		rec := st.registry[id].record
		rec.Lifecycle = bot.Stopped
		rec.LastTransition = time.Now().UTC()
		st.registry[id].record = rec
	})
	c.accountant.Release(id)
	if perr := c.persist(id); perr != nil {
		return perr
	}
	if err != nil && err != bot.ErrAlreadyStopped {
		if err == bot.ErrShutdownTimeout {
			c.logger.Warn(context.Background(), "bot forced to Stopped after shutdown budget", map[string]interface{}{"bot_id": id})
			return bot.ErrShutdownTimeout
		}
		return err
	}
	return nil
}

// PauseBot treats Pause as Stop for kinds that do not support it (§4.1).
func (c *Controller) PauseBot(ctx context.Context, id string) error {
	var e *entry
	c.do(func(st *state) { e = st.registry[id] })
	if e == nil {
		return bot.ErrNotFound
	}
	if err := e.instance.Pause(ctx); err != nil {
		return c.StopBot(id)
	}
	c.do(func(st *state) {
		rec := st.registry[id].record
		rec.Lifecycle = bot.Paused
		rec.LastTransition = time.Now().UTC()
		st.registry[id].record = rec
	})
	return c.persist(id)
}

// ResumeBot transitions Paused -> Running.
func (c *Controller) ResumeBot(ctx context.Context, id string) error {
	var e *entry
	c.do(func(st *state) { e = st.registry[id] })
	if e == nil {
		return bot.ErrNotFound
	}
	if err := e.instance.Resume(ctx); err != nil {
		return err
	}
	c.do(func(st *state) {
		rec := st.registry[id].record
		rec.Lifecycle = bot.Running
		rec.LastTransition = time.Now().UTC()
		st.registry[id].record = rec
	})
	return c.persist(id)
}

// DeleteBot removes id from the registry and the durable store.
func (c *Controller) DeleteBot(id string) error {
	var existed bool
	c.do(func(st *state) {
		if _, ok := st.registry[id]; ok {
			delete(st.registry, id)
			existed = true
		}
	})
	if !existed {
		return bot.ErrNotFound
	}
	c.accountant.Release(id)
	c.collector.Forget(id)
	return c.store.DeleteBot(id)
}

// ApplyConfig live-reconfigures id; RequiresRestart is honored by issuing
// Stop then Start, matching the controller's contract in §4.1/§4.6. Whether
// a change is live-applicable or RequiresRestart is decided centrally by
// validator.Classify (§4.8) rather than left to each bot kind, so every kind
// is classified the same way.
func (c *Controller) ApplyConfig(ctx context.Context, id string, yamlConfig []byte) (bot.ApplyResult, error) {
	var e *entry
	c.do(func(st *state) { e = st.registry[id] })
	if e == nil {
		return bot.ApplyResult{}, bot.ErrNotFound
	}

	config, err := validator.Validate(e.record.Kind, yamlConfig, c.cfg.EnvPrefix)
	if err != nil {
		return bot.ApplyResult{Outcome: bot.Rejected, Reason: err.Error()}, err
	}

	diff, err := validator.Classify(e.record.Kind, e.record.Config, config)
	if err != nil {
		return bot.ApplyResult{Outcome: bot.Rejected, Reason: err.Error()}, err
	}
	if diff == validator.NoChange {
		// Idempotence law: no mutation, no persistence write.
		return bot.ApplyResult{Outcome: bot.Applied}, nil
	}

	result, err := e.instance.ApplyConfig(ctx, config)
	if err != nil || result.Outcome == bot.Rejected {
		// Rollback: never corrupt persisted state on a rejected apply.
		return result, err
	}

	if diff == validator.RequiresRestart {
		if err := c.StopBot(id); err != nil {
			return bot.ApplyResult{Outcome: bot.RequiresRestart}, err
		}
		e.instance.BumpRestartCount()
		if err := c.StartBot(ctx, id, config); err != nil {
			return bot.ApplyResult{Outcome: bot.RequiresRestart}, err
		}
		return bot.ApplyResult{Outcome: bot.RequiresRestart}, nil
	}

	c.do(func(st *state) {
		rec := st.registry[id].record
		rec.Config = config
		st.registry[id].record = rec
	})
	return bot.ApplyResult{Outcome: bot.Applied}, c.persist(id)
}

// StartAll / StopAll apply the operation to every registered bot with a
// bounded intra-operation concurrency cap, aggregating outcomes rather
// than aborting on first failure (§5, §7).
func (c *Controller) StartAll(ctx context.Context) MassResult {
	ids := c.registeredIDs()
	return c.massApply(ids, func(id string) error { return c.StartBot(ctx, id, nil) })
}

func (c *Controller) StopAll() MassResult {
	ids := c.registeredIDs()
	return c.massApply(ids, func(id string) error { return c.StopBot(id) })
}

func (c *Controller) registeredIDs() []string {
	var ids []string
	c.do(func(st *state) {
		for id := range st.registry {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

func (c *Controller) massApply(ids []string, op func(string) error) MassResult {
	result := MassResult{TotalAttempted: len(ids)}
	sem := make(chan struct{}, c.cfg.MassOpConcurrency)
	type outcome struct {
		id  string
		err error
	}
	outcomes := make(chan outcome, len(ids))

	for _, id := range ids {
		id := id
		_ = c.massOpLimiter.Wait(context.Background())
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			outcomes <- outcome{id: id, err: op(id)}
		}()
	}
	for range ids {
		o := <-outcomes
		if o.err != nil {
			result.Failed = append(result.Failed, FailedOp{ID: o.id, Reason: o.err.Error()})
		} else {
			result.Successful = append(result.Successful, o.id)
		}
	}
	sort.Strings(result.Successful)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].ID < result.Failed[j].ID })
	return result
}

// GetSystemMetrics returns the derived system snapshot (get_system_metrics).
func (c *Controller) GetSystemMetrics() collector.SystemSnapshot {
	summaries := c.ListBots()
	running := 0
	for _, s := range summaries {
		if s.Lifecycle == bot.Running {
			running++
		}
	}
	status := c.accountant.Status()
	snap := c.collector.SystemSnapshot(len(summaries), running, status.Cores)
	snap.ControllerUptime = time.Since(c.startedAt)
	return snap
}

// GetResourceStatus delegates to the accountant (get_resource_status).
func (c *Controller) GetResourceStatus() resource.Status {
	return c.accountant.Status()
}

// CreateBackup delegates to the store (create_backup).
func (c *Controller) CreateBackup() (string, error) {
	return c.store.Backup(time.Now())
}

// ForceSave delegates to the store (force_save).
func (c *Controller) ForceSave() error {
	return c.store.ForceSave()
}

// MetricsHistory returns the collector's retained history for id over the
// given window (get_metrics_history).
func (c *Controller) MetricsHistory(id string, window time.Duration) ([]bot.Metrics, error) {
	if _, err := c.GetStatus(id); err != nil {
		return nil, err
	}
	return c.collector.History(id, window), nil
}

// persist writes the current in-memory record for id to the store. Callers
// must have already applied the in-memory registry mutation via c.do.
func (c *Controller) persist(id string) error {
	var rec store.BotRecord
	c.do(func(st *state) { rec = st.registry[id].record })
	m := rec.Metrics
	if cm, ok := c.collector.CurrentSnapshot(id); ok {
		m = cm
	}
	rec.Metrics = m
	return c.store.SaveBot(rec)
}

func (c *Controller) transitionErrored(id string, cause error) {
	c.do(func(st *state) {
		e, ok := st.registry[id]
		if !ok {
			return
		}
		rec := e.record
		rec.Lifecycle = bot.Errored
		rec.LastTransition = time.Now().UTC()
		st.registry[id].record = rec
	})
	c.accountant.Release(id)
	_ = c.persist(id)
	c.logger.Error(context.Background(), "bot start failed", cause, map[string]interface{}{"bot_id": id})
}

// Tick is invoked by the collector's schedule; it calls Metrics() on every
// registered bot and records the result (C2's per-tick work, driven from
// here because only the controller's actor loop may read the registry).
func (c *Controller) Tick() {
	var snapshot []*entry
	var ids []string
	c.do(func(st *state) {
		for id, e := range st.registry {
			snapshot = append(snapshot, e)
			ids = append(ids, id)
		}
	})
	for i, e := range snapshot {
		id := ids[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.collector.RecordFailure(id)
				}
			}()
			m := e.instance.Metrics()
			c.collector.Record(id, m)
			c.store.MarkDirty(recordWithMetrics(e.record, m))
		}()
	}
}

func recordWithMetrics(rec store.BotRecord, m bot.Metrics) store.BotRecord {
	rec.Metrics = m
	return rec
}
