// Package placement is the one path through which grid limit orders reach the
// broker: reserve the level in the ledger, submit, then attach the broker id.
package placement

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const clientIDPrefix = "g"

// Request 一次网格挂单请求
type Request struct {
	Strategy *models.Strategy
	Level    int
	Side     models.Side
	Price    float64
	Quantity float64
	Source   string // 发起方，仅用于日志和结果说明
}

// Placer 负责网格限价单的下单流程
type Placer struct {
	ledger    ledger.Store
	brokers   exchange.Brokers
	publisher notify.Publisher
	logger    *zap.Logger
}

func New(store ledger.Store, brokers exchange.Brokers, publisher notify.Publisher, logger *zap.Logger) *Placer {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Placer{ledger: store, brokers: brokers, publisher: publisher, logger: logger}
}

// Place 先在账本中占位（唯一索引保证每档每方向只有一个活跃订单），再提交到交易所。
// 档位已被占用是正常情况，返回 hold。
func (p *Placer) Place(ctx context.Context, req Request) models.TradeResult {
	s := req.Strategy
	symbol := s.Configuration.Symbol

	if !s.Telemetry.InitialBuyFilled() {
		return models.Hold(symbol, "initial buy not filled yet, grid orders are gated")
	}
	if req.Quantity <= 0 || req.Price <= 0 {
		return models.Hold(symbol, "order size at level %d is zero", req.Level)
	}

	port, err := p.brokers.Trading(s.Context())
	if err != nil {
		return models.Failed(symbol, err)
	}

	id := uuid.NewString()
	order := &models.GridOrder{
		ID:            id,
		StrategyID:    s.ID,
		UserID:        s.UserID,
		AccountID:     s.AccountID,
		Symbol:        symbol,
		GridLevel:     req.Level,
		Side:          req.Side,
		ClientOrderID: exchange.ClientOrderID(clientIDPrefix, id),
		OrderType:     models.Limit,
		LimitPrice:    req.Price,
		Quantity:      req.Quantity,
		Status:        models.StatusPending,
	}
	if err := p.ledger.Insert(ctx, order); err != nil {
		if errors.Is(err, ledger.ErrLevelOccupied) {
			return models.Hold(symbol, "level %d already has an active %s order", req.Level, req.Side)
		}
		return models.Failed(symbol, err)
	}

	ack, err := port.SubmitOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          req.Side,
		Type:          models.Limit,
		Quantity:      req.Quantity,
		LimitPrice:    req.Price,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		p.logger.Warn("网格挂单失败",
			zap.String("strategy", s.ID),
			zap.Int("level", req.Level),
			zap.String("side", string(req.Side)),
			zap.Float64("price", req.Price),
			zap.Error(err))
		if !models.IsRejection(err) {
			// 交易所可能已经接受了订单：保留占位，由成交监控按客户端订单号找回或判定为陈旧
			return models.Failed(symbol, fmt.Errorf("submit outcome unknown, level %d stays reserved: %w", req.Level, err))
		}
		// 明确被拒绝，释放档位，下个周期重试
		if uerr := p.ledger.UpdateStatus(context.WithoutCancel(ctx), id, ledger.StatusUpdate{Status: models.StatusRejected}); uerr != nil {
			p.logger.Error("无法把失败的订单标记为rejected", zap.String("id", id), zap.Error(uerr))
		}
		return models.Failed(symbol, err)
	}

	// 失败时订单仍可由成交监控按客户端订单号找回
	if err := p.ledger.AttachBrokerOrder(context.WithoutCancel(ctx), id, ack.OrderID); err != nil {
		p.logger.Error("记录交易所订单号失败", zap.String("id", id), zap.String("broker_order_id", ack.OrderID), zap.Error(err))
	}

	p.logger.Info("网格订单已提交",
		zap.String("strategy", s.ID),
		zap.String("source", req.Source),
		zap.Int("level", req.Level),
		zap.String("side", string(req.Side)),
		zap.Float64("price", req.Price),
		zap.Float64("quantity", req.Quantity),
		zap.String("broker_order_id", ack.OrderID))

	p.publisher.Publish(notify.Event{
		Type:       notify.EventOrderPlaced,
		UserID:     s.UserID,
		StrategyID: s.ID,
		Data: map[string]any{
			"grid_level": req.Level,
			"side":       req.Side,
			"price":      req.Price,
			"quantity":   req.Quantity,
			"order_id":   ack.OrderID,
		},
	})

	return models.TradeResult{
		Action:   models.ActionFor(req.Side),
		Symbol:   symbol,
		Quantity: req.Quantity,
		Price:    req.Price,
		OrderID:  ack.OrderID,
		Reason:   fmt.Sprintf("%s: %s at level %d", req.Source, req.Side, req.Level),
	}
}
