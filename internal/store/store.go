// Package store is the durable, crash-safe record of controller state (C3).
// Every write goes to a temporary path and is atomically renamed over the
// target, per §9 DESIGN NOTES; no partial file is ever observable.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/juant72/sniperforge-sub011/internal/bot"
)

// currentSchemaVersion is bumped whenever BotRecord's on-disk shape changes
// incompatibly. load_all refuses versions newer than this and migrates
// older ones via migrateBotRecord.
const currentSchemaVersion = 1

// BotRecord is the persisted-per-bot shape described in spec.md §3.
type BotRecord struct {
	SchemaVersion  int             `json:"schema_version"`
	ID             string          `json:"id"`
	Kind           bot.Kind        `json:"kind"`
	Lifecycle      bot.Lifecycle   `json:"lifecycle"`
	Config         []byte          `json:"config"`
	ReservedCPU    float64         `json:"reserved_cpu"`
	ReservedMemory int64           `json:"reserved_memory"`
	CreatedAt      time.Time       `json:"created_at"`
	LastTransition time.Time       `json:"last_transition"`
	RestartCount   int             `json:"restart_count"`
	Metrics        bot.Metrics     `json:"metrics"`
}

// SystemRecord is the controller-singleton bookkeeping record (C3's
// save_system), used for restart-counter monotonicity (I6).
type SystemRecord struct {
	SchemaVersion  int       `json:"schema_version"`
	RestartCount   int       `json:"restart_count"`
	FirstStartedAt time.Time `json:"first_started_at"`
	LastStartedAt  time.Time `json:"last_started_at"`
}

// ErrFutureSchema is returned by load_all/load_system when a persisted
// record's schema version is newer than this binary understands.
var ErrFutureSchema = fmt.Errorf("record schema version is newer than this binary supports")

// Store is the durable state layer. It keeps an in-memory dirty set for
// force_save and a single-writer discipline: Save* calls serialise through
// mu, reads do not (matching §5 "state store serialises writes... reads may
// proceed concurrently").
type Store struct {
	dataDir        string
	backupDir      string
	botDir         string
	retentionDays  int
	retentionCount int

	mu     sync.Mutex
	dirty  map[string]BotRecord
}

// New creates a Store rooted at dataDir, creating the bots/ and backups/
// subdirectories described in spec.md §6 persistent state layout.
func New(dataDir string, retentionDays, retentionCount int) (*Store, error) {
	botDir := filepath.Join(dataDir, "bots")
	backupDir := filepath.Join(dataDir, "backups")
	for _, d := range []string{dataDir, botDir, backupDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", d, err)
		}
	}
	return &Store{
		dataDir:        dataDir,
		backupDir:      backupDir,
		botDir:         botDir,
		retentionDays:  retentionDays,
		retentionCount: retentionCount,
		dirty:          make(map[string]BotRecord),
	}, nil
}

func (s *Store) botPath(id string) string {
	return filepath.Join(s.botDir, id+".json")
}

func (s *Store) systemPath() string {
	return filepath.Join(s.dataDir, "system_state.json")
}

// writeAtomic writes data to path by first writing to path+".tmp" then
// renaming over path, so a reader never observes a partial file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveBot persists an individual bot record atomically (C3 save_bot).
func (s *Store) SaveBot(rec BotRecord) error {
	rec.SchemaVersion = currentSchemaVersion
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal bot %s: %w", rec.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.botPath(rec.ID), data); err != nil {
		return fmt.Errorf("store: save bot %s: %w", rec.ID, err)
	}
	delete(s.dirty, rec.ID)
	return nil
}

// MarkDirty stages a metrics-only update for the slower flush cadence
// (§4.3 "Metrics snapshots are persisted on a slower cadence").
func (s *Store) MarkDirty(rec BotRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[rec.ID] = rec
}

// ForceSave flushes every dirty (metrics-only) record to disk immediately.
func (s *Store) ForceSave() error {
	s.mu.Lock()
	dirty := make([]BotRecord, 0, len(s.dirty))
	for _, rec := range s.dirty {
		dirty = append(dirty, rec)
	}
	s.dirty = make(map[string]BotRecord)
	s.mu.Unlock()

	for _, rec := range dirty {
		if err := s.SaveBot(rec); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBot removes a bot record from durable storage (controller Delete).
func (s *Store) DeleteBot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, id)
	if err := os.Remove(s.botPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete bot %s: %w", id, err)
	}
	return nil
}

// LoadAll enumerates all persisted bot records at startup (C3 load_all).
// Per invariant I5, any record with a persisted lifecycle of Running is
// rewritten in memory (not on disk) to Stopped before being returned; the
// bot's own RestartCount is bumped in the same pass, since this is the one
// place that knows the bot was interrupted mid-flight rather than stopped
// deliberately.
func (s *Store) LoadAll() ([]BotRecord, error) {
	entries, err := os.ReadDir(s.botDir)
	if err != nil {
		return nil, fmt.Errorf("store: read bot dir: %w", err)
	}
	var records []BotRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.botDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", entry.Name(), err)
		}
		rec, err := decodeBotRecord(data)
		if err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", entry.Name(), err)
		}
		if rec.Lifecycle == bot.Running || rec.Lifecycle == bot.Starting || rec.Lifecycle == bot.Pausing || rec.Lifecycle == bot.Paused || rec.Lifecycle == bot.Stopping {
			rec.Lifecycle = bot.Stopped
			rec.RestartCount++
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func decodeBotRecord(data []byte) (BotRecord, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return BotRecord{}, err
	}
	if probe.SchemaVersion > currentSchemaVersion {
		return BotRecord{}, ErrFutureSchema
	}
	var rec BotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return BotRecord{}, err
	}
	return migrateBotRecord(rec), nil
}

// migrateBotRecord upgrades older-schema records on read. There is only one
// schema version today; this is where a v0->v1 migration would live.
func migrateBotRecord(rec BotRecord) BotRecord {
	if rec.Metrics.SuccessRate.Equal(decimal.Decimal{}) {
		rec.Metrics.SuccessRate = decimal.Zero
	}
	return rec
}

// SaveSystem persists the controller-singleton record (C3 save_system).
func (s *Store) SaveSystem(rec SystemRecord) error {
	rec.SchemaVersion = currentSchemaVersion
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal system record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.systemPath(), data); err != nil {
		return fmt.Errorf("store: save system record: %w", err)
	}
	return nil
}

// LoadSystem reads the controller-singleton record, returning a zero-value
// record (restart count 0) if this is the first ever start.
func (s *Store) LoadSystem() (SystemRecord, error) {
	data, err := os.ReadFile(s.systemPath())
	if os.IsNotExist(err) {
		return SystemRecord{}, nil
	}
	if err != nil {
		return SystemRecord{}, fmt.Errorf("store: read system record: %w", err)
	}
	var rec SystemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SystemRecord{}, fmt.Errorf("store: decode system record: %w", err)
	}
	if rec.SchemaVersion > currentSchemaVersion {
		return SystemRecord{}, ErrFutureSchema
	}
	return rec, nil
}

// Recover implements the §4.3 recovery protocol steps 1-3: load the system
// record, bump and persist the restart counter (I6: monotonic, once per
// process start), then load every bot record with Running mapped to
// Stopped (I5).
func (s *Store) Recover() (SystemRecord, []BotRecord, error) {
	sys, err := s.LoadSystem()
	if err != nil {
		return SystemRecord{}, nil, err
	}
	now := time.Now().UTC()
	if sys.FirstStartedAt.IsZero() {
		sys.FirstStartedAt = now
	}
	sys.LastStartedAt = now
	sys.RestartCount++
	if err := s.SaveSystem(sys); err != nil {
		return SystemRecord{}, nil, err
	}

	records, err := s.LoadAll()
	if err != nil {
		return SystemRecord{}, nil, err
	}
	return sys, records, nil
}

// Backup produces a timestamped full snapshot directory under backups/,
// copying every current bot record and the system record.
func (s *Store) Backup(at time.Time) (string, error) {
	if err := s.ForceSave(); err != nil {
		return "", err
	}
	name := at.UTC().Format("20060102T150405Z")
	dest := filepath.Join(s.backupDir, name)
	if err := os.MkdirAll(filepath.Join(dest, "bots"), 0o755); err != nil {
		return "", fmt.Errorf("store: create backup dir: %w", err)
	}

	if data, err := os.ReadFile(s.systemPath()); err == nil {
		if err := os.WriteFile(filepath.Join(dest, "system_state.json"), data, 0o644); err != nil {
			return "", fmt.Errorf("store: copy system record: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("store: read system record for backup: %w", err)
	}

	entries, err := os.ReadDir(s.botDir)
	if err != nil {
		return "", fmt.Errorf("store: read bot dir for backup: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.botDir, entry.Name()))
		if err != nil {
			return "", fmt.Errorf("store: copy bot %s for backup: %w", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dest, "bots", entry.Name()), data, 0o644); err != nil {
			return "", fmt.Errorf("store: write backup bot %s: %w", entry.Name(), err)
		}
	}

	if err := s.pruneBackups(at); err != nil {
		return dest, err
	}
	return dest, nil
}

// pruneBackups enforces the rolling retention window (default 30 days or N
// snapshots, whichever comes first), per §4.3.
func (s *Store) pruneBackups(now time.Time) error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return fmt.Errorf("store: read backup dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	cutoff := now.Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	var keep []string
	for _, n := range names {
		ts, err := time.Parse("20060102T150405Z", n)
		if err != nil || ts.After(cutoff) {
			keep = append(keep, n)
		}
	}
	if s.retentionCount > 0 && len(keep) > s.retentionCount {
		toRemove := keep[:len(keep)-s.retentionCount]
		keep = keep[len(keep)-s.retentionCount:]
		for _, n := range toRemove {
			if err := os.RemoveAll(filepath.Join(s.backupDir, n)); err != nil {
				return fmt.Errorf("store: prune backup %s: %w", n, err)
			}
		}
	}
	for _, n := range names {
		found := false
		for _, k := range keep {
			if k == n {
				found = true
				break
			}
		}
		if !found {
			if err := os.RemoveAll(filepath.Join(s.backupDir, n)); err != nil {
				return fmt.Errorf("store: prune backup %s: %w", n, err)
			}
		}
	}
	return nil
}
