package resource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveAdmitsWithinCap(t *testing.T) {
	a := New(2, 1<<30, 2.0) // 2 cores, safeFactor 2.0 => maxBots 4
	require.NoError(t, a.Reserve("bot-1", Reservation{CPU: 0.5, Memory: 1 << 20}))
	s := a.Status()
	require.Equal(t, 1, s.RunningBots)
	require.Equal(t, 4, s.MaxBots)
}

func TestReserveRejectsOverHardCap(t *testing.T) {
	a := New(1, 0, 2.0) // maxBots = 2
	require.NoError(t, a.Reserve("bot-1", Reservation{CPU: 0.1}))
	require.NoError(t, a.Reserve("bot-2", Reservation{CPU: 0.1}))
	err := a.Reserve("bot-3", Reservation{CPU: 0.1})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReserveRejectsOverMemoryCap(t *testing.T) {
	a := New(4, 1000, 2.0)
	require.NoError(t, a.Reserve("bot-1", Reservation{Memory: 800}))
	err := a.Reserve("bot-2", Reservation{Memory: 400})
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReserveIsIdempotentForSameID(t *testing.T) {
	a := New(4, 0, 2.0)
	require.NoError(t, a.Reserve("bot-1", Reservation{CPU: 1}))
	require.NoError(t, a.Reserve("bot-1", Reservation{CPU: 1}))
	require.Equal(t, 1, a.Status().RunningBots)
	require.Equal(t, 1.0, a.Status().ReservedCPU)
}

func TestReleaseIsNoOpForUnknownID(t *testing.T) {
	a := New(4, 0, 2.0)
	a.Release("never-reserved")
	require.Equal(t, 0, a.Status().RunningBots)
}

func TestReleaseFreesReservation(t *testing.T) {
	a := New(4, 0, 2.0)
	require.NoError(t, a.Reserve("bot-1", Reservation{CPU: 2}))
	a.Release("bot-1")
	s := a.Status()
	require.Equal(t, 0, s.RunningBots)
	require.Equal(t, float64(0), s.ReservedCPU)
}

func TestStatusWarnsWhenRunningExceedsCores(t *testing.T) {
	a := New(1, 0, 4.0)
	require.NoError(t, a.Reserve("bot-1", Reservation{}))
	require.NoError(t, a.Reserve("bot-2", Reservation{}))
	s := a.Status()
	require.NotEmpty(t, s.Warning)
}
