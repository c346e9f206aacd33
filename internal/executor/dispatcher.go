package executor

import (
	"context"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"

	"go.uber.org/zap"
)

// RealtimeFills 实时模式策略的成交由实时监控更新档位持仓
type RealtimeFills interface {
	OnFill(ctx context.Context, order *models.GridOrder) models.TradeResult
}

// Dispatcher 接收成交监控的回调，按策略模式路由
type Dispatcher struct {
	strategies persistence.StrategyRepository
	registry   *Registry
	realtime   RealtimeFills
	logger     *zap.Logger
}

func NewDispatcher(strategies persistence.StrategyRepository, registry *Registry, realtime RealtimeFills, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{strategies: strategies, registry: registry, realtime: realtime, logger: logger}
}

func (d *Dispatcher) OnFill(ctx context.Context, order *models.GridOrder) models.TradeResult {
	s, err := d.strategies.Get(ctx, order.StrategyID)
	if err != nil {
		d.logger.Error("成交回调读取策略失败", zap.String("strategy", order.StrategyID), zap.Error(err))
		return models.Failed(order.Symbol, err)
	}
	if s == nil {
		return models.Hold(order.Symbol, "strategy %s no longer exists", order.StrategyID)
	}
	if !s.IsActive {
		return models.Hold(order.Symbol, "strategy %s is inactive", s.ID)
	}

	if s.Realtime() && d.realtime != nil {
		return d.realtime.OnFill(ctx, order)
	}
	e, ok := d.registry.Get(s.Type)
	if !ok {
		return models.Hold(order.Symbol, "no executor for strategy type %q", s.Type)
	}
	return e.ExecuteOnFill(ctx, s, order)
}
