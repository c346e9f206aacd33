package monitor

import (
	"context"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"
	"grid-trading-engine/internal/persistence"
	"grid-trading-engine/internal/placement"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockFillHandler 记录所有成交回调
type mockFillHandler struct {
	sync.Mutex
	calls []*models.GridOrder
}

func (h *mockFillHandler) OnFill(_ context.Context, order *models.GridOrder) models.TradeResult {
	h.Lock()
	defer h.Unlock()
	h.calls = append(h.calls, order)
	return models.Hold(order.Symbol, "recorded")
}

func (h *mockFillHandler) Calls() []*models.GridOrder {
	h.Lock()
	defer h.Unlock()
	return append([]*models.GridOrder(nil), h.calls...)
}

type fixture struct {
	store    *ledger.SQLiteStore
	repo     persistence.StrategyRepository
	paper    *exchange.PaperExchange
	registry *exchange.Registry
	recorder *notify.Recorder
	placer   *placement.Placer
	handler  *mockFillHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	paper := exchange.NewPaperExchange(100_000)
	paper.SetPrice("BTCUSDT", 100)
	registry := exchange.NewRegistry()
	registry.Register(models.TradingContext{UserID: "u1"}, paper)

	rec := &notify.Recorder{}
	return &fixture{
		store:    store,
		repo:     repo,
		paper:    paper,
		registry: registry,
		recorder: rec,
		placer:   placement.New(store, registry, rec, zap.NewNop()),
		handler:  &mockFillHandler{},
	}
}

func (f *fixture) priceMonitor(cfg models.PriceMonitorConfig) *PriceMonitor {
	return NewPriceMonitor(cfg, f.repo, f.store, f.registry, f.paper, f.placer, f.recorder, zap.NewNop())
}

func (f *fixture) fillMonitor() *FillMonitor {
	cfg := models.FillMonitorConfig{IntervalSec: 10, LookbackDays: 7, StaleThreshold: 5, ListLimit: 500}
	return NewFillMonitor(cfg, f.repo, f.store, f.registry, f.handler, f.recorder, zap.NewNop())
}

func (f *fixture) saveStrategy(t *testing.T, s *models.Strategy) *models.Strategy {
	t.Helper()
	require.NoError(t, f.repo.Save(context.Background(), s))
	return s
}

func gridStrategy(id string) *models.Strategy {
	return &models.Strategy{
		ID:          id,
		UserID:      "u1",
		Type:        models.SpotGrid,
		IsActive:    true,
		MonitorMode: models.ModePoll,
		Configuration: models.StrategyConfig{
			Symbol:           "BTCUSDT",
			PriceRangeLower:  90,
			PriceRangeUpper:  110,
			NumberOfGrids:    5,
			AllocatedCapital: 1000,
			GridMode:         models.Arithmetic,
		},
		Telemetry: models.Telemetry{
			models.TelemetryInitialBuySubmitted: true,
			models.TelemetryInitialBuyFilled:    true,
		},
	}
}

var defaultPriceCfg = models.PriceMonitorConfig{IntervalSec: 180, MaxOrdersPerCycle: 5, MaxConsecutiveErrors: 5, CooldownSec: 300}
