package executor

import (
	"context"
	"fmt"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const dcaPrefix = "d"

// DCAExecutor 每个节拍按固定金额市价买入
type DCAExecutor struct {
	strategies persistence.StrategyRepository
	brokers    exchange.Brokers
	market     exchange.MarketDataPort
	logger     *zap.Logger
	now        func() time.Time
}

func NewDCAExecutor(strategies persistence.StrategyRepository, brokers exchange.Brokers, market exchange.MarketDataPort, logger *zap.Logger) *DCAExecutor {
	return &DCAExecutor{
		strategies: strategies,
		brokers:    brokers,
		market:     market,
		logger:     logger.With(zap.String("executor", string(models.DCA))),
		now:        time.Now,
	}
}

func (e *DCAExecutor) Type() models.StrategyType { return models.DCA }

func (e *DCAExecutor) Execute(ctx context.Context, s *models.Strategy) []models.TradeResult {
	return []models.TradeResult{e.buy(ctx, s)}
}

func (e *DCAExecutor) buy(ctx context.Context, s *models.Strategy) models.TradeResult {
	symbol := s.Configuration.Symbol
	notional := s.Configuration.OrderNotional
	if notional <= 0 {
		return models.Failed(symbol, fmt.Errorf("%w: strategy %s has no order_notional", models.ErrConfiguration, s.ID))
	}
	price, ok := exchange.CurrentPrice(ctx, e.market, symbol)
	if !ok {
		return models.Hold(symbol, "price unavailable, dca buy skipped")
	}
	port, err := e.brokers.Trading(s.Context())
	if err != nil {
		return models.Failed(symbol, err)
	}

	qty := notional / price
	ack, err := port.SubmitOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          models.Buy,
		Type:          models.Market,
		Quantity:      qty,
		ClientOrderID: exchange.ClientOrderID(dcaPrefix, uuid.NewString()),
	})
	if err != nil {
		e.logger.Error("定投下单失败", zap.String("strategy", s.ID), zap.Error(err))
		return models.Failed(symbol, err)
	}

	now := e.now().UTC()
	if _, err := e.strategies.UpdateTelemetry(ctx, s.ID, func(t models.Telemetry) error {
		t[models.TelemetryDCAOrderCount] = t.Float(models.TelemetryDCAOrderCount) + 1
		t[models.TelemetryLastDCAAt] = now.Format(time.RFC3339)
		return nil
	}); err != nil {
		e.logger.Warn("更新定投统计失败", zap.String("strategy", s.ID), zap.Error(err))
	}

	e.logger.Info("定投买入",
		zap.String("strategy", s.ID),
		zap.String("order_id", ack.OrderID),
		zap.Float64("quantity", qty),
		zap.Float64("price", price))
	return models.TradeResult{
		Action:   models.ActionBuy,
		Symbol:   symbol,
		Quantity: qty,
		Price:    price,
		OrderID:  ack.OrderID,
		Reason:   fmt.Sprintf("dca buy of %.2f notional", notional),
	}
}

// ExecuteOnFill 定投订单不进入网格账本
func (e *DCAExecutor) ExecuteOnFill(_ context.Context, s *models.Strategy, order *models.GridOrder) models.TradeResult {
	return models.Hold(s.Configuration.Symbol, "dca strategy does not react to fill of order %s", order.ID)
}
