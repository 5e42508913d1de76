// Package reconciler closes the gap between desired and observed bot
// state (C6). Per §9 DESIGN NOTES it is modeled as a stateless function
// `reconcile(desired, current) -> []operation` plus a tiny scheduler that
// rate-limits operations per bot and owns retries/backoff -- grounded on
// the teacher's performanceMonitoringLoop/healthCheckLoop ticker pattern.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juant72/sniperforge-sub011/internal/bot"
	"github.com/juant72/sniperforge-sub011/internal/collector"
	"github.com/juant72/sniperforge-sub011/internal/controller"
	"github.com/juant72/sniperforge-sub011/internal/resource"
	"github.com/juant72/sniperforge-sub011/internal/validator"
)

// DesiredBot is one entry in the operator-declared desired state (spec.md §3).
type DesiredBot struct {
	ID             string
	Kind           bot.Kind
	DesiredState   bot.Lifecycle // only Running/Stopped are meaningful targets
	Config         []byte        // YAML, same shape the validator accepts
	ReservationCPU float64
	ReservationMem int64
}

// opKind names the class of operation the reconciler issues for one bot: it
// selects the controller call in execute and labels the ReconciliationEvent's
// human-readable audit trail.
type opKind string

const (
	opCreate      opKind = "create"
	opStart       opKind = "start"
	opStop        opKind = "stop"
	opApplyConfig opKind = "apply_config"
	opDelete      opKind = "delete"
)

// operation is one unit of convergence work computed by reconcile().
type operation struct {
	id   string
	kind opKind
	desired DesiredBot
}

// DriftOutcome records one operation's issued-and-executed result.
type DriftOutcome struct {
	BotID string `json:"bot_id"`
	Op    string `json:"op"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Event is published on every tick: the source of truth for operator
// visibility into why a bot is in a given state (§4.6).
type Event struct {
	At       time.Time      `json:"at"`
	Drifts   int            `json:"drifts"`
	Outcomes []DriftOutcome `json:"outcomes"`
}

// DeletePolicy controls step 2 of reconcile: whether registered-but-not-
// desired bots are only stopped, or stopped and deleted.
type DeletePolicy int

const (
	StopOnly DeletePolicy = iota
	StopAndDelete
)

// reconcile computes the minimal set of operations to converge current
// toward desired, executing at most one operation per bot per tick to
// bound blast radius (§4.6 step list 1-5).
func reconcile(desired map[string]DesiredBot, current []controller.Summary, policy DeletePolicy) []operation {
	currentByID := make(map[string]controller.Summary, len(current))
	for _, s := range current {
		currentByID[s.ID] = s
	}

	var ops []operation
	var ids []string
	for id := range desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := desired[id]
		cur, exists := currentByID[id]
		switch {
		case !exists:
			ops = append(ops, operation{id: id, kind: opCreate, desired: d})
		case d.DesiredState == bot.Running && cur.Lifecycle != bot.Running:
			ops = append(ops, operation{id: id, kind: opStart, desired: d})
		case d.DesiredState == bot.Stopped && cur.Lifecycle == bot.Running:
			ops = append(ops, operation{id: id, kind: opStop, desired: d})
		case len(d.Config) > 0:
			// cur.Config holds the validator's canonical JSON, so the desired
			// YAML/JSON is canonicalised the same way before comparing; an
			// unchanged config is steady state (idempotence law).
			want, err := validator.Validate(d.Kind, d.Config, "")
			if err != nil || string(want) != string(cur.Config) {
				ops = append(ops, operation{id: id, kind: opApplyConfig, desired: d})
			}
		default:
			// Desired lifecycle and config already match: steady state,
			// zero operations for this bot this tick (idempotence law).
		}
	}

	var currentIDs []string
	for id := range currentByID {
		currentIDs = append(currentIDs, id)
	}
	sort.Strings(currentIDs)
	for _, id := range currentIDs {
		if _, wanted := desired[id]; wanted {
			continue
		}
		kind := opStop
		if policy == StopAndDelete {
			kind = opDelete
		}
		ops = append(ops, operation{id: id, kind: kind})
	}
	return ops
}

// attempt tracks per-bot retry/backoff state across ticks.
type attempt struct {
	count      int
	nextTry    time.Time
}

// Scheduler owns the tick loop, retry/backoff accounting, and drift
// publication. Its collaborators are desiredFn, the controller, and the
// collector's drift counter.
type Scheduler struct {
	ctrl       *controller.Controller
	coll       *collector.Collector
	interval   time.Duration
	maxRetries int
	policy     DeletePolicy

	desiredFn func() map[string]DesiredBot
	events    chan Event

	attempts map[string]*attempt
}

// NewScheduler builds a Scheduler. desiredFn is polled once per tick,
// matching spec.md's "edited externally (file + hot-reload)" desired-state
// model -- the caller is responsible for making desiredFn reflect the
// latest on-disk declaration.
func NewScheduler(ctrl *controller.Controller, coll *collector.Collector, interval time.Duration, maxRetries int, policy DeletePolicy, desiredFn func() map[string]DesiredBot) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Scheduler{
		ctrl:       ctrl,
		coll:       coll,
		interval:   interval,
		maxRetries: maxRetries,
		policy:     policy,
		desiredFn:  desiredFn,
		events:     make(chan Event, 8),
		attempts:   make(map[string]*attempt),
	}
}

// Events exposes the ReconciliationEvent stream for operator visibility.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Run ticks on s.interval until ctx is cancelled, and exposes RunOnce so
// callers (tests, or a manual "reconcile now" hook) can drive a single pass.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconciliation pass: compute ops, execute at
// most one per bot, and retry failures on later ticks with exponential
// backoff. Once a bot has failed maxRetries times in a row, RunOnce issues a
// best-effort StopBot and records the attempt count in that tick's outcome;
// it does not set the bot's lifecycle to Errored, and later ticks keep
// retrying the operation without further backoff.
func (s *Scheduler) RunOnce(ctx context.Context) Event {
	desired := s.desiredFn()
	current := s.ctrl.ListBots()
	ops := reconcile(desired, current, s.policy)

	evt := Event{At: time.Now().UTC(), Drifts: len(ops)}
	for _, op := range ops {
		a := s.attempts[op.id]
		if a != nil && time.Now().Before(a.nextTry) {
			continue // still backing off from a prior failure
		}

		err := s.execute(ctx, op)
		outcome := DriftOutcome{BotID: op.id, Op: string(op.kind), OK: err == nil}
		if err != nil {
			outcome.Error = err.Error()
			if a == nil {
				a = &attempt{}
				s.attempts[op.id] = a
			}
			a.count++
			if a.count >= s.maxRetries {
				_ = s.ctrl.StopBot(op.id) // best-effort: force toward a known state
				outcome.Error = fmt.Sprintf("%s (stopped after %d failed attempts)", err, a.count)
			} else {
				backoff := time.Duration(1<<uint(a.count)) * time.Second
				a.nextTry = time.Now().Add(backoff)
			}
		} else {
			delete(s.attempts, op.id)
		}
		evt.Outcomes = append(evt.Outcomes, outcome)
	}

	if s.coll != nil {
		s.coll.RecordDrift(len(ops))
	}
	select {
	case s.events <- evt:
	default: // drop if nobody is listening; events are advisory, not durable
	}
	return evt
}

func (s *Scheduler) execute(ctx context.Context, op operation) error {
	switch op.kind {
	case opCreate:
		d := op.desired
		_, err := s.ctrl.CreateBot(d.Kind, d.Config, resource.Reservation{CPU: d.ReservationCPU, Memory: d.ReservationMem}, d.ID)
		// Created under d.ID itself (not a minted id), so the next tick's
		// currentByID[d.ID] lookup in reconcile() actually finds it --
		// otherwise this bot would be recreated under a fresh random id every
		// tick forever. A Running target is picked up by opStart on the next
		// tick, keeping "at most one operation per bot per tick" (§4.6) exact.
		return err
	case opStart:
		return s.ctrl.StartBot(ctx, op.id, op.desired.Config)
	case opStop:
		return s.ctrl.StopBot(op.id)
	case opDelete:
		if err := s.ctrl.StopBot(op.id); err != nil {
			return err
		}
		return s.ctrl.DeleteBot(op.id)
	case opApplyConfig:
		if len(op.desired.Config) == 0 {
			return nil
		}
		_, err := s.ctrl.ApplyConfig(ctx, op.id, op.desired.Config)
		return err
	default:
		return fmt.Errorf("reconciler: unknown operation %q", op.kind)
	}
}
