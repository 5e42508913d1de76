package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/juant72/sniperforge-sub011/internal/bot"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, 30, 30)
	require.NoError(t, err)
	return s
}

func TestSaveAndLoadAllRecoversRunningToStopped(t *testing.T) {
	s := newTestStore(t)
	rec := BotRecord{
		ID:        "bot-1",
		Kind:      bot.KindArbitrage,
		Lifecycle: bot.Running,
		Config:    []byte(`{"pairs":["BTC/USDT"]}`),
		CreatedAt: time.Now().UTC(),
		Metrics:   bot.Metrics{SuccessRate: decimal.Zero},
	}
	require.NoError(t, s.SaveBot(rec))

	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, bot.Stopped, records[0].Lifecycle)
}

func TestDeleteBotRemovesRecord(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBot(BotRecord{ID: "bot-1", Kind: bot.KindFlashloan, Lifecycle: bot.Stopped}))
	require.NoError(t, s.DeleteBot("bot-1"))
	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDeleteBotUnknownIsNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.DeleteBot("never-existed"))
}

func TestForceSaveFlushesDirtyRecords(t *testing.T) {
	s := newTestStore(t)
	s.MarkDirty(BotRecord{ID: "bot-1", Kind: bot.KindArbitrage, Lifecycle: bot.Stopped})
	require.NoError(t, s.ForceSave())
	records, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRecoverBumpsRestartCountMonotonically(t *testing.T) {
	s := newTestStore(t)
	sys1, _, err := s.Recover()
	require.NoError(t, err)
	require.Equal(t, 1, sys1.RestartCount)

	sys2, _, err := s.Recover()
	require.NoError(t, err)
	require.Equal(t, 2, sys2.RestartCount)
	require.Equal(t, sys1.FirstStartedAt, sys2.FirstStartedAt)
}

func TestBackupCopiesCurrentRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBot(BotRecord{ID: "bot-1", Kind: bot.KindArbitrage, Lifecycle: bot.Stopped}))
	dest, err := s.Backup(time.Now())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dest, "bots", "bot-1.json"))
}

func TestLoadAllRejectsFutureSchema(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBot(BotRecord{ID: "bot-1", Kind: bot.KindArbitrage, Lifecycle: bot.Stopped}))
	// Corrupt the on-disk schema version to simulate a newer binary's format.
	path := s.botPath("bot-1")
	data := []byte(`{"schema_version": 999, "id": "bot-1"}`)
	require.NoError(t, writeAtomic(path, data))

	_, err := s.LoadAll()
	require.ErrorIs(t, err, ErrFutureSchema)
}
