package placement

import (
	"context"
	"errors"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store    *ledger.SQLiteStore
	paper    *exchange.PaperExchange
	recorder *notify.Recorder
	placer   *Placer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	paper := exchange.NewPaperExchange(10_000)
	paper.SetPrice("BTCUSDT", 100)
	registry := exchange.NewRegistry()
	registry.Register(models.TradingContext{UserID: "u1"}, paper)

	rec := &notify.Recorder{}
	return &fixture{
		store:    store,
		paper:    paper,
		recorder: rec,
		placer:   New(store, registry, rec, zap.NewNop()),
	}
}

func strategy(filled bool) *models.Strategy {
	return &models.Strategy{
		ID:     "s1",
		UserID: "u1",
		Type:   models.SpotGrid,
		Configuration: models.StrategyConfig{
			Symbol: "BTCUSDT", PriceRangeLower: 90, PriceRangeUpper: 110, NumberOfGrids: 5, AllocatedCapital: 1000,
		},
		Telemetry: models.Telemetry{models.TelemetryInitialBuyFilled: filled},
	}
}

func TestPlaceIsGatedOnInitialBuy(t *testing.T) {
	f := newFixture(t)
	res := f.placer.Place(context.Background(), Request{Strategy: strategy(false), Level: 0, Side: models.Buy, Price: 90, Quantity: 2})

	assert.Equal(t, models.ActionHold, res.Action)
	orders, err := f.store.OrdersFor(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Zero(t, f.paper.SubmitCount())
}

func TestPlaceReservesSubmitsAndAttaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res := f.placer.Place(ctx, Request{Strategy: strategy(true), Level: 1, Side: models.Buy, Price: 95, Quantity: 2, Source: "test"})
	require.Equal(t, models.ActionBuy, res.Action, res.Reason)
	assert.Equal(t, 95.0, res.Price)
	assert.NotEmpty(t, res.OrderID)

	active, err := f.store.ActiveOrdersFor(ctx, "s1")
	require.NoError(t, err)
	row := active[models.LevelKey{Level: 1, Side: models.Buy}]
	require.NotNil(t, row)
	assert.Equal(t, res.OrderID, row.BrokerOrderID)
	assert.Equal(t, models.StatusPending, row.Status)

	brokerOrders := f.paper.Orders()
	require.Len(t, brokerOrders, 1)
	assert.Equal(t, row.ClientOrderID, brokerOrders[0].ClientOrderID)

	assert.Len(t, f.recorder.OfType(notify.EventOrderPlaced), 1)
}

func TestPlaceOccupiedLevelHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{Strategy: strategy(true), Level: 1, Side: models.Buy, Price: 95, Quantity: 2}

	first := f.placer.Place(ctx, req)
	require.Equal(t, models.ActionBuy, first.Action)

	second := f.placer.Place(ctx, req)
	assert.Equal(t, models.ActionHold, second.Action)
	assert.Contains(t, second.Reason, "already has an active")
	assert.Equal(t, 1, f.paper.SubmitCount())
}

func TestPlaceSubmitFailureReleasesLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := Request{Strategy: strategy(true), Level: 3, Side: models.Sell, Price: 105, Quantity: 1}

	// 没有持仓，卖单被交易所拒绝
	res := f.placer.Place(ctx, req)
	assert.Equal(t, models.ActionError, res.Action)

	orders, err := f.store.OrdersFor(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.StatusRejected, orders[0].Status)
	assert.Empty(t, f.recorder.Events())

	f.paper.Deposit("BTCUSDT", 1)
	res = f.placer.Place(ctx, req)
	assert.Equal(t, models.ActionSell, res.Action, res.Reason)
}

func TestPlaceWithoutBrokerAccount(t *testing.T) {
	f := newFixture(t)
	s := strategy(true)
	s.UserID = "nobody"

	res := f.placer.Place(context.Background(), Request{Strategy: s, Level: 0, Side: models.Buy, Price: 90, Quantity: 1})
	assert.Equal(t, models.ActionError, res.Action)
	assert.Contains(t, res.Reason, "no brokerage account")

	orders, err := f.store.OrdersFor(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceZeroQuantityHolds(t *testing.T) {
	f := newFixture(t)
	res := f.placer.Place(context.Background(), Request{Strategy: strategy(true), Level: 0, Side: models.Buy, Price: 90})
	assert.Equal(t, models.ActionHold, res.Action)
}

// timeoutPort 把订单交给模拟交易所后返回超时，模拟结果未知的提交
type timeoutPort struct {
	*exchange.PaperExchange
}

func (p timeoutPort) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	if _, err := p.PaperExchange.SubmitOrder(ctx, req); err != nil {
		return nil, err
	}
	return nil, &models.BrokerAPIError{Op: "submit_order", Err: errors.New("i/o timeout")}
}

func TestPlaceUnknownSubmitOutcomeKeepsLevelReserved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	registry := exchange.NewRegistry()
	registry.Register(models.TradingContext{UserID: "u1"}, timeoutPort{f.paper})
	placer := New(f.store, registry, f.recorder, zap.NewNop())
	req := Request{Strategy: strategy(true), Level: 1, Side: models.Buy, Price: 95, Quantity: 2}

	res := placer.Place(ctx, req)
	assert.Equal(t, models.ActionError, res.Action)
	assert.Contains(t, res.Reason, "stays reserved")

	active, err := f.store.ActiveOrdersFor(ctx, "s1")
	require.NoError(t, err)
	row := active[models.LevelKey{Level: 1, Side: models.Buy}]
	require.NotNil(t, row)
	assert.Equal(t, models.StatusPending, row.Status)
	assert.Empty(t, row.BrokerOrderID)

	// 下个周期不会在同一档位再下一单
	again := placer.Place(ctx, req)
	assert.Equal(t, models.ActionHold, again.Action)
	assert.Equal(t, 1, f.paper.SubmitCount())
	brokerOrders := f.paper.Orders()
	require.Len(t, brokerOrders, 1)
	assert.Equal(t, row.ClientOrderID, brokerOrders[0].ClientOrderID)
}
