package app

import (
	"context"
	"grid-trading-engine/internal/config"
	"grid-trading-engine/internal/models"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPaperApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LedgerDBPath = filepath.Join(dir, "ledger.db")
	cfg.StateDir = filepath.Join(dir, "strategies")
	cfg.Broker.PaperCash = 100_000
	cfg.Accounts = []models.AccountConfig{{UserID: "u1"}}

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// 首单 → 铺网格 → 买单成交 → 上一档挂卖单
func TestGridLifecycleOnPaperBroker(t *testing.T) {
	ctx := context.Background()
	a := newPaperApp(t)
	a.SetPaperPrice("BTCUSDT", 100)

	s := &models.Strategy{
		ID: "s1", UserID: "u1", Type: models.SpotGrid, IsActive: true, MonitorMode: models.ModePoll,
		Configuration: models.StrategyConfig{
			Symbol: "BTCUSDT", PriceRangeLower: 90, PriceRangeUpper: 110, NumberOfGrids: 5, AllocatedCapital: 1000,
		},
		Telemetry: models.Telemetry{},
	}
	require.NoError(t, a.Strategies.Save(ctx, s))

	results, err := a.Executors.Tick(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.ActionBuy, results[0].Action, results[0].Reason)

	stats := a.FillMonitor.RunCycle(ctx)
	assert.Equal(t, 1, stats.InitialFilled)

	_, err = a.Executors.Tick(ctx, "s1")
	require.NoError(t, err)
	active, err := a.Ledger.ActiveOrdersFor(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, active, 4)
	buy, ok := active[models.LevelKey{Level: 1, Side: models.Buy}]
	require.True(t, ok)

	a.SetPaperPrice("BTCUSDT", 94)
	stats = a.FillMonitor.RunCycle(ctx)
	assert.Equal(t, 1, stats.Filled)

	active, err = a.Ledger.ActiveOrdersFor(ctx, "s1")
	require.NoError(t, err)
	sell, ok := active[models.LevelKey{Level: 2, Side: models.Sell}]
	require.True(t, ok, "buy fill at level 1 arms a sell at level 2")
	assert.Equal(t, 100.0, sell.LimitPrice)
	assert.InDelta(t, buy.Quantity, sell.Quantity, 1e-12)

	reports, err := a.Validator.ValidateAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 5, reports[0].Coverage.TotalLevels)
}

// 实时行情关闭时，实时模式的策略仍然会铺网格
func TestRealtimeStrategyFallsBackToPollingWhenStreamDisabled(t *testing.T) {
	ctx := context.Background()
	a := newPaperApp(t)
	a.SetPaperPrice("BTCUSDT", 100)

	s := &models.Strategy{
		ID: "r1", UserID: "u1", Type: models.SpotGrid, IsActive: true, MonitorMode: models.ModeRealtime,
		Configuration: models.StrategyConfig{
			Symbol: "BTCUSDT", PriceRangeLower: 90, PriceRangeUpper: 110, NumberOfGrids: 5, AllocatedCapital: 1000,
		},
		Telemetry: models.Telemetry{},
	}
	require.NoError(t, a.Strategies.Save(ctx, s))

	_, err := a.Executors.Tick(ctx, "r1")
	require.NoError(t, err)
	a.FillMonitor.RunCycle(ctx)

	_, err = a.Executors.Tick(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, a.Realtime.IsRegistered("r1"))
	active, err := a.Ledger.ActiveOrdersFor(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, active, 4)

	stats, err := a.PriceMonitor.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Strategies)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newPaperApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestBinanceBrokerRequiresKeys(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LedgerDBPath = filepath.Join(dir, "ledger.db")
	cfg.StateDir = filepath.Join(dir, "strategies")
	cfg.Broker.Name = "binance"
	cfg.Accounts = []models.AccountConfig{{UserID: "u1", APIKeyEnv: "GRID_TEST_MISSING_KEY", SecretKeyEnv: "GRID_TEST_MISSING_SECRET"}}

	_, err := New(cfg, zap.NewNop())
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
