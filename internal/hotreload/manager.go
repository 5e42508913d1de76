// Package hotreload implements the desired-state file source plus the
// control-plane's hot_reload_configs hook. It owns the only disk read of
// the desired-state file; the reconciler (C6) consumes its Desired()
// snapshot, and live config changes reach the controller (C5) through
// ApplyConfig, so neither touches the filesystem itself.
package hotreload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/juant72/sniperforge-sub011/internal/bot"
	"github.com/juant72/sniperforge-sub011/internal/controller"
	"github.com/juant72/sniperforge-sub011/internal/reconciler"
	"github.com/juant72/sniperforge-sub011/pkg/observability"
)

// fileBot mirrors spec.md §6's per-bot desired-state block:
// `{id?, kind, desired_status, config{...}, resources{cpu, memory}}`.
type fileBot struct {
	ID            string                 `yaml:"id"`
	Kind          bot.Kind               `yaml:"kind"`
	DesiredStatus string                 `yaml:"desired_status"`
	Config        map[string]interface{} `yaml:"config"`
	Resources     struct {
		CPU    float64 `yaml:"cpu"`
		Memory int64   `yaml:"memory"`
	} `yaml:"resources"`
}

type fileSchema struct {
	Bots []fileBot `yaml:"bots"`
}

// Manager reads the desired-state file on demand and applies live
// reconfiguration to already-running bots when it changes.
type Manager struct {
	path   string
	ctrl   *controller.Controller
	logger *observability.Logger

	mu       sync.Mutex
	lastMod  time.Time
	desired  map[string]reconciler.DesiredBot
}

// NewManager builds a Manager reading from path. A missing file is treated
// as an empty desired state (valid at first boot, before any bot is
// declared), not an error.
func NewManager(path string, ctrl *controller.Controller, logger *observability.Logger) *Manager {
	return &Manager{
		path:    path,
		ctrl:    ctrl,
		logger:  logger,
		desired: make(map[string]reconciler.DesiredBot),
	}
}

// Desired returns the last-loaded desired state, safe for concurrent read
// by the reconciler scheduler.
func (m *Manager) Desired() map[string]reconciler.DesiredBot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]reconciler.DesiredBot, len(m.desired))
	for k, v := range m.desired {
		out[k] = v
	}
	return out
}

// HotReloadConfigs is the §4.5/§4.7 hook invoked before every control-plane
// dispatch. It is cheap when the file's mtime hasn't moved: a single
// os.Stat, no parse, no controller calls.
func (m *Manager) HotReloadConfigs(ctx context.Context) error {
	info, err := os.Stat(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hotreload: stat %s: %w", m.path, err)
	}

	m.mu.Lock()
	unchanged := info.ModTime().Equal(m.lastMod)
	m.mu.Unlock()
	if unchanged {
		return nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("hotreload: read %s: %w", m.path, err)
	}
	var schema fileSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("hotreload: parse %s: %w", m.path, err)
	}

	next := make(map[string]reconciler.DesiredBot, len(schema.Bots))
	for _, fb := range schema.Bots {
		if fb.ID == "" {
			continue // blocks without an id are skipped and never reach the reconciler
		}
		cfgYAML, err := yaml.Marshal(fb.Config)
		if err != nil {
			return fmt.Errorf("hotreload: re-encode config for %s: %w", fb.ID, err)
		}
		state := bot.Stopped
		if fb.DesiredStatus == "running" || fb.DesiredStatus == "Running" {
			state = bot.Running
		}
		next[fb.ID] = reconciler.DesiredBot{
			ID:             fb.ID,
			Kind:           fb.Kind,
			DesiredState:   state,
			Config:         cfgYAML,
			ReservationCPU: fb.Resources.CPU,
			ReservationMem: fb.Resources.Memory,
		}
	}

	m.mu.Lock()
	previous := m.desired
	m.desired = next
	m.lastMod = info.ModTime()
	m.mu.Unlock()

	return m.applyLiveChanges(ctx, previous, next)
}

// applyLiveChanges pushes config changes to already-Running bots
// immediately, rather than waiting for the reconciler's next tick, per
// §4.5 "the controller first calls the validator to refresh any config
// that has changed on disk". Lifecycle transitions (create/start/stop) are
// left to the reconciler, which owns retry/backoff.
func (m *Manager) applyLiveChanges(ctx context.Context, previous, next map[string]reconciler.DesiredBot) error {
	statuses := m.ctrl.ListBots()
	running := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		running[s.ID] = s.Lifecycle == bot.Running
	}

	for id, d := range next {
		if !running[id] {
			continue
		}
		prev, existed := previous[id]
		if existed && string(prev.Config) == string(d.Config) {
			continue
		}
		if _, err := m.ctrl.ApplyConfig(ctx, id, d.Config); err != nil {
			m.logger.Warn(ctx, "hot reload apply_config failed", map[string]interface{}{"bot_id": id, "error": err.Error()})
		}
	}
	return nil
}
