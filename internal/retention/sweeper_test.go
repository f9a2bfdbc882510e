package retention

import (
	"context"
	"testing"
	"time"

	"coachbot/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeper_Defaults(t *testing.T) {
	s, err := NewSweeper(session.NewRegistry(), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDays, s.Days())

	from := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), s.Next(from).UTC())
}

func TestNewSweeper_InvalidSchedule(t *testing.T) {
	_, err := NewSweeper(session.NewRegistry(), Config{Schedule: "every tuesday"})
	assert.Error(t, err)
}

func TestSweep_Cutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-45 * 24 * time.Hour)
	reg := session.NewRegistry(session.WithClock(func() time.Time { return clock }))

	old, err := reg.Create("t1", session.SourceWeb)
	require.NoError(t, err)
	clock = now.Add(-10 * 24 * time.Hour)
	recent, err := reg.Create("t2", session.SourceWeb)
	require.NoError(t, err)
	clock = now

	s, err := NewSweeper(reg, Config{Days: 30})
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	assert.Equal(t, []string{old.ID}, s.Sweep(0))
	assert.Equal(t, 1, reg.Len())

	assert.Equal(t, []string{recent.ID}, s.Sweep(7))
	assert.Zero(t, reg.Len())
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := NewSweeper(session.NewRegistry(), Config{Schedule: "* * * * *"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
