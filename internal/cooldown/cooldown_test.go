package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, now *time.Time, reverse bool) *Breaker {
	t.Helper()
	b, err := New(Config{LossQuantity: 3, CheckPeriod: 2 * time.Hour, Length: 4 * time.Hour, Reverse: reverse})
	require.NoError(t, err)
	b.SetClock(func() time.Time { return *now })
	return b
}

func TestRecordOutcome_ActivatesWithinCheckPeriod(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	b := newTestBreaker(t, &now, false)

	assert.False(t, b.RecordOutcome(t0))
	now = t0.Add(30 * time.Minute)
	assert.False(t, b.RecordOutcome(now))
	assert.False(t, b.IsActive())
	now = t0.Add(50 * time.Minute)
	assert.True(t, b.RecordOutcome(now))
	assert.True(t, b.IsActive())

	snap := b.Snapshot()
	assert.Equal(t, now.Add(4*time.Hour), snap.Finish)
	assert.Equal(t, "loss", snap.Tracking)

	now = snap.Finish
	assert.False(t, b.IsActive(), "finish time is exclusive")
}

func TestRecordOutcome_SpanBeyondCheckPeriodStaysInactive(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	b := newTestBreaker(t, &now, false)

	for _, offset := range []time.Duration{0, 3 * time.Hour, 3*time.Hour + 10*time.Minute} {
		now = t0.Add(offset)
		assert.False(t, b.RecordOutcome(now))
	}
	assert.False(t, b.IsActive())
	assert.Len(t, b.Snapshot().Outcomes, 3)

	now = t0.Add(3*time.Hour + 20*time.Minute)
	assert.True(t, b.RecordOutcome(now), "oldest entry rotated out, window now spans 20 minutes")
}

func TestRecordResult_ReverseModeTracksWins(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &now, true)

	for i := 0; i < 3; i++ {
		assert.False(t, b.RecordResult(false, now))
	}
	assert.Empty(t, b.Snapshot().Outcomes)
	b.RecordResult(true, now)
	b.RecordResult(true, now.Add(time.Minute))
	assert.True(t, b.RecordResult(true, now.Add(2*time.Minute)))
	assert.Equal(t, "win", b.Snapshot().Tracking)
}

func TestSeed_RecognizesWarrantedCooldown(t *testing.T) {
	newest := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := newest.Add(time.Hour)
	b := newTestBreaker(t, &now, false)

	b.Seed([]time.Time{newest, newest.Add(-90 * time.Minute), newest.Add(-10 * time.Hour), newest.Add(-30 * time.Minute)})
	snap := b.Snapshot()
	assert.True(t, snap.Active)
	assert.Equal(t, newest.Add(4*time.Hour), snap.Finish)
	require.Len(t, snap.Outcomes, 3)
	assert.Equal(t, newest.Add(-90*time.Minute), snap.Outcomes[0])

	now = newest.Add(5 * time.Hour)
	stale := newTestBreaker(t, &now, false)
	stale.Seed([]time.Time{newest.Add(-time.Hour), newest.Add(-30 * time.Minute), newest})
	assert.False(t, stale.IsActive(), "a cooldown that already elapsed is not revived")
}

func TestSeed_ThenRecordNeedsOnlyOneMore(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0.Add(40 * time.Minute)
	b := newTestBreaker(t, &now, false)
	b.Seed([]time.Time{t0, t0.Add(20 * time.Minute)})
	assert.False(t, b.IsActive())
	assert.True(t, b.RecordOutcome(now))
}

func TestOnActivateHook(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, &now, false)
	got := make(chan State, 1)
	b.OnActivate(func(s State) { got <- s })

	for i := 0; i < 3; i++ {
		b.RecordOutcome(now.Add(time.Duration(i) * time.Minute))
	}
	select {
	case s := <-got:
		assert.True(t, s.Active)
	case <-time.After(time.Second):
		t.Fatal("activation hook not called")
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{LossQuantity: 0, CheckPeriod: time.Hour, Length: time.Hour})
	assert.Error(t, err)
	_, err = New(Config{LossQuantity: 2, Length: time.Hour})
	assert.Error(t, err)
}
