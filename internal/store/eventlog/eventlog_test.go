package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"perpguard/internal/ordermanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_RecordAndRecent(t *testing.T) {
	ctx := context.Background()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	events := []ordermanager.ReconcileEvent{
		{Symbol: "BTCUSDT", Action: ordermanager.ActionStrayCancelled, Detail: "2 orders", At: base},
		{Symbol: "ETHUSDT", Action: ordermanager.ActionNoAction, At: base.Add(time.Second)},
		{Symbol: "BTCUSDT", Action: ordermanager.ActionFailed, Error: "rate limited", At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		require.NoError(t, l.RecordEvent(ctx, ev))
	}

	all, err := l.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ordermanager.ActionFailed, all[0].Action)
	assert.Equal(t, "rate limited", all[0].Error)
	assert.True(t, all[2].At.Equal(base))

	btc, err := l.Recent(ctx, "btcusdt", 1)
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, ordermanager.ActionFailed, btc[0].Action)
}

func TestLog_ClosedRejectsWrites(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Error(t, l.RecordEvent(context.Background(), ordermanager.ReconcileEvent{Symbol: "BTCUSDT"}))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
