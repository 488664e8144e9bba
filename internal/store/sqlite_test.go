package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCheckpoint() *core.Checkpoint {
	return &core.Checkpoint{
		Orders: []*core.Order{
			{
				ID:             "ord-00000001",
				IdempotencyKey: "key-1",
				Symbol:         "BTC/USD",
				Side:           core.SideBuy,
				State:          core.OrderPartiallyFilled,
				RequestedQty:   decimal.NewFromInt(100),
				FilledQty:      decimal.NewFromInt(40),
				AvgFillPrice:   decimal.RequireFromString("101.25"),
				LimitPrice:     decimal.RequireFromString("102"),
				VenueOrderID:   "sim-1",
			},
		},
		Positions: map[string]core.Position{
			"BTC/USD": {
				Symbol:   "BTC/USD",
				Quantity: decimal.NewFromInt(40),
				AvgCost:  decimal.RequireFromString("101.25"),
			},
		},
		Cash:    decimal.RequireFromString("95950"),
		SavedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteStore_SaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint()
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	loaded, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.Len(t, loaded.Orders, 1)
	assert.Equal(t, "ord-00000001", loaded.Orders[0].ID)
	assert.Equal(t, core.OrderPartiallyFilled, loaded.Orders[0].State)
	assert.True(t, loaded.Orders[0].FilledQty.Equal(decimal.NewFromInt(40)))
	assert.True(t, loaded.Orders[0].AvgFillPrice.Equal(decimal.RequireFromString("101.25")))

	pos, ok := loaded.Positions["BTC/USD"]
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(40)))
	assert.True(t, loaded.Cash.Equal(decimal.RequireFromString("95950")))
	assert.True(t, loaded.SavedAt.Equal(cp.SavedAt))
}

func TestSQLiteStore_LoadLatestEmptyDatabase(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.LoadLatest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSQLiteStore_LoadLatestReturnsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleCheckpoint()
	first.Cash = decimal.NewFromInt(100)
	require.NoError(t, s.SaveCheckpoint(ctx, first))

	second := sampleCheckpoint()
	second.Cash = decimal.NewFromInt(200)
	second.SavedAt = first.SavedAt.Add(time.Minute)
	require.NoError(t, s.SaveCheckpoint(ctx, second))

	loaded, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.Cash.Equal(decimal.NewFromInt(200)))
}

func TestSQLiteStore_PrunesOldCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < checkpointHistory+5; i++ {
		cp := sampleCheckpoint()
		cp.Cash = decimal.NewFromInt(int64(i))
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
	}

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&count))
	assert.Equal(t, checkpointHistory, count)

	loaded, err := s.LoadLatest(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Cash.Equal(decimal.NewFromInt(int64(checkpointHistory+4))))
}

func TestSQLiteStore_ChecksumMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, sampleCheckpoint()))

	_, err := s.db.Exec(`UPDATE checkpoints SET data = ?`, `{"Cash":"999999"}`)
	require.NoError(t, err)

	_, err = s.LoadLatest(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestSQLiteStore_ArchiveOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleCheckpoint().Orders[0]
	first.State = core.OrderFilled
	require.NoError(t, s.ArchiveOrder(ctx, first))

	other := &core.Order{
		ID:             "ord-00000002",
		IdempotencyKey: "key-2",
		Symbol:         "ETH/USD",
		Side:           core.SideSell,
		State:          core.OrderCancelled,
		RequestedQty:   decimal.NewFromInt(5),
	}
	require.NoError(t, s.ArchiveOrder(ctx, other))

	btc, err := s.ArchivedOrders(ctx, "BTC/USD")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "ord-00000001", btc[0].ID)
	assert.Equal(t, core.OrderFilled, btc[0].State)

	none, err := s.ArchivedOrders(ctx, "SOL/USD")
	require.NoError(t, err)
	assert.Empty(t, none)

	// Re-archiving the same order overwrites rather than erroring
	require.NoError(t, s.ArchiveOrder(ctx, first))
}
