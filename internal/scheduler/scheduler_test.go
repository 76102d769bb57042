package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedScheduler_Next(t *testing.T) {
	s := NewAlignedScheduler("sweep", time.Minute, 5*time.Second)
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	at, wait := s.next(base.Add(2 * time.Second))
	assert.Equal(t, base.Add(5*time.Second), at)
	assert.Equal(t, 3*time.Second, wait)

	at, _ = s.next(base.Add(5 * time.Second))
	assert.Equal(t, base.Add(65*time.Second), at, "exact boundary moves to the next period")

	at, wait = s.next(base.Add(30 * time.Second))
	assert.Equal(t, base.Add(65*time.Second), at)
	assert.Equal(t, 35*time.Second, wait)
}

func TestAlignedScheduler_RunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewAlignedScheduler("sweep", time.Minute, 5*time.Second)
	s.RunImmediately = true
	var waits []time.Duration
	s.nowFn = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 1, 0, time.UTC) }
	s.afterFn = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	runs := 0
	err := s.Run(ctx, func(context.Context) {
		runs++
		if runs == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, runs, 3)
	require.NotEmpty(t, waits)
	assert.Equal(t, 4*time.Second, waits[0])
}

func TestAlignedScheduler_RejectsBadConfig(t *testing.T) {
	assert.Error(t, NewAlignedScheduler("x", 0, 0).Run(context.Background(), func(context.Context) {}))
	assert.Error(t, NewAlignedScheduler("x", time.Minute, 0).Run(context.Background(), nil))
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{"30s": 30 * time.Second, "1m": time.Minute, " 4H ": 4 * time.Hour, "1d": 24 * time.Hour, "2w": 14 * 24 * time.Hour}
	for in, want := range cases {
		got, ok := ParseIntervalDuration(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "m", "0m", "-1h", "5x"} {
		_, ok := ParseIntervalDuration(bad)
		assert.False(t, ok, bad)
	}
}
