package exchange

import (
	"context"
	"errors"
	"grid-trading-engine/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperLimitOrdersFillOnCrossing(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(1000)
	ex.SetPrice("BTCUSDT", 100)

	ack, err := ex.SubmitOrder(ctx, models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: 2, LimitPrice: 95,
	})
	require.NoError(t, err)
	assert.Equal(t, paperNew, ack.Status)

	ex.SetPrice("BTCUSDT", 96)
	o, err := ex.GetOrder(ctx, "BTCUSDT", ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, paperNew, o.Status)

	ex.SetPrice("BTCUSDT", 94)
	o, err = ex.GetOrder(ctx, "BTCUSDT", ack.OrderID)
	require.NoError(t, err)
	assert.Equal(t, paperFilled, o.Status)
	assert.Equal(t, 2.0, o.FilledQty)
	assert.Equal(t, 95.0, o.FilledAvgPrice)
	assert.InDelta(t, 810.0, ex.Cash(), 1e-9)

	pos, err := PositionFor(ctx, ex, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, pos.Qty)
	assert.Equal(t, 2.0, pos.Available)
}

func TestPaperSellLocksPosition(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(0)
	ex.SetPrice("ETHUSDT", 10)
	ex.Deposit("ETHUSDT", 3)

	_, err := ex.SubmitOrder(ctx, models.OrderRequest{
		Symbol: "ETHUSDT", Side: models.Sell, Type: models.Limit, Quantity: 2, LimitPrice: 12,
	})
	require.NoError(t, err)

	pos, err := PositionFor(ctx, ex, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3.0, pos.Qty)
	assert.Equal(t, 1.0, pos.Available)

	_, err = ex.SubmitOrder(ctx, models.OrderRequest{
		Symbol: "ETHUSDT", Side: models.Sell, Type: models.Limit, Quantity: 2, LimitPrice: 13,
	})
	var apiErr *models.BrokerAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(-2010), apiErr.Code)
}

func TestPaperMarketOrderFillsImmediately(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(1000)
	ex.SetPrice("BTCUSDT", 100)

	ack, err := ex.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1.5})
	require.NoError(t, err)
	assert.Equal(t, paperFilled, ack.Status)

	acc, err := ex.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 850.0, acc.Cash, 1e-9)
	assert.InDelta(t, 1000.0, acc.Equity, 1e-9)
}

func TestPaperForgetAndErrors(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(1000)
	ex.SetPrice("BTCUSDT", 100)

	ack, err := ex.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: 1, LimitPrice: 90, ClientOrderID: "c1"})
	require.NoError(t, err)

	_, err = ex.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: 1, LimitPrice: 90, ClientOrderID: "c1"})
	assert.Error(t, err, "duplicate client order id must be rejected while open")

	ex.Forget(ack.OrderID)
	_, err = ex.GetOrder(ctx, "BTCUSDT", ack.OrderID)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	ex.SetSubmitError(errors.New("rate limited"))
	_, err = ex.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: 1, LimitPrice: 90})
	assert.Error(t, err)
	assert.Equal(t, 3, ex.SubmitCount())
}

func TestPaperListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(1000)
	ex.SetPrice("BTCUSDT", 100)
	ex.SetPrice("ETHUSDT", 10)

	for _, p := range []float64{90, 91, 92} {
		_, err := ex.SubmitOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: 1, LimitPrice: p})
		require.NoError(t, err)
	}
	_, err := ex.SubmitOrder(ctx, models.OrderRequest{Symbol: "ETHUSDT", Side: models.Buy, Type: models.Limit, Quantity: 1, LimitPrice: 9})
	require.NoError(t, err)

	orders, err := ex.ListOrders(ctx, models.OrderFilter{Symbol: "BTCUSDT", Limit: 2})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "3", orders[0].OrderID)
	assert.Equal(t, "2", orders[1].OrderID)
}

func TestCurrentPriceFallsBackToBar(t *testing.T) {
	ctx := context.Background()
	ex := NewPaperExchange(0)

	_, ok := CurrentPrice(ctx, ex, "BTCUSDT")
	assert.False(t, ok, "no price yet means unavailable, not an error")

	ex.SetPrice("BTCUSDT", 101)
	price, ok := CurrentPrice(ctx, ex, "BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, 101.0, price)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	ex := NewPaperExchange(0)
	u1 := models.TradingContext{UserID: "u1"}
	r.Register(u1, ex)

	port, err := r.Trading(u1)
	require.NoError(t, err)
	assert.Same(t, ex, port)

	r.Unregister(u1)
	_, err = r.Trading(u1)
	assert.ErrorIs(t, err, models.ErrNoBrokerAccount)
}

func TestRegistryRoutesByAccount(t *testing.T) {
	r := NewRegistry()
	spot, margin := NewPaperExchange(0), NewPaperExchange(0)
	r.Register(models.TradingContext{UserID: "u1", AccountID: "spot"}, spot)

	// 只有一个账户时，未指定账户的请求使用它
	port, err := r.Trading(models.TradingContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Same(t, spot, port)

	r.Register(models.TradingContext{UserID: "u1", AccountID: "margin"}, margin)
	port, err = r.Trading(models.TradingContext{UserID: "u1", AccountID: "margin"})
	require.NoError(t, err)
	assert.Same(t, margin, port)

	_, err = r.Trading(models.TradingContext{UserID: "u1"})
	assert.ErrorIs(t, err, models.ErrNoBrokerAccount)
	_, err = r.Trading(models.TradingContext{UserID: "u1", AccountID: "other"})
	assert.ErrorIs(t, err, models.ErrNoBrokerAccount)
}
