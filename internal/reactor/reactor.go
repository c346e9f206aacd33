// Package reactor turns a filled grid order into the complementary order at
// the adjacent ladder level.
package reactor

import (
	"context"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/placement"
	"math"

	"go.uber.org/zap"
)

const source = "fill_reactor"

// Reactor 根据成交方向和策略类型决定下一张订单
type Reactor struct {
	cfg    models.ReactorConfig
	placer *placement.Placer
	logger *zap.Logger
}

func New(cfg models.ReactorConfig, placer *placement.Placer, logger *zap.Logger) *Reactor {
	return &Reactor{cfg: cfg, placer: placer, logger: logger}
}

// React 总是返回一个结果；重复处理同一成交只会得到 "already has an active" 的 hold
func (r *Reactor) React(ctx context.Context, s *models.Strategy, filled *models.GridOrder) models.TradeResult {
	symbol := s.Configuration.Symbol
	if filled.Status != models.StatusFilled {
		return models.Hold(symbol, "order %s is %s, not filled", filled.ID, filled.Status)
	}

	levels, err := grid.ForStrategy(s)
	if err != nil {
		r.logger.Warn("无法计算网格档位", zap.String("strategy", s.ID), zap.Error(err))
		return models.Failed(symbol, err)
	}
	i := filled.GridLevel
	if i < 0 || i >= len(levels) {
		return models.Hold(symbol, "filled level %d is outside the ladder", i)
	}

	switch s.Type {
	case models.SpotGrid:
		return r.spot(ctx, s, filled, levels)
	case models.ReverseGrid:
		return r.reverse(ctx, s, filled, levels)
	default:
		return models.Hold(symbol, "%s is not a grid strategy", s.Type)
	}
}

// spot 卖单成交后在本档（或下一档）补买；买单成交后在上一档挂卖
func (r *Reactor) spot(ctx context.Context, s *models.Strategy, filled *models.GridOrder, levels []float64) models.TradeResult {
	symbol := s.Configuration.Symbol
	i := filled.GridLevel

	if filled.Side == models.Sell {
		target := i
		if r.cfg.SpotSellRearm == models.RearmLevelBelow {
			target = i - 1
		}
		if target < 0 {
			return models.Hold(symbol, "no lower grid level below level %d", i)
		}
		price := levels[target]
		qty := grid.QuantityAt(s.Configuration.AllocatedCapital, s.Configuration.NumberOfGrids, price)
		return r.place(ctx, s, target, models.Buy, price, qty)
	}

	if !r.cfg.SpotBuyArmsSell {
		return models.Hold(symbol, "buy fill at level %d does not arm a sell", i)
	}
	target := i + 1
	if target >= len(levels) {
		return models.Hold(symbol, "no higher grid level above level %d", i)
	}
	return r.place(ctx, s, target, models.Sell, levels[target], filled.ExecutedQty())
}

// reverse 卖单成交后在下一档买回；买单成交后在上一档卖出
func (r *Reactor) reverse(ctx context.Context, s *models.Strategy, filled *models.GridOrder, levels []float64) models.TradeResult {
	symbol := s.Configuration.Symbol
	i := filled.GridLevel
	top := len(levels) - 1

	var target int
	var side models.Side
	if filled.Side == models.Sell {
		if i == top {
			return models.Hold(symbol, "no higher grid level above top level %d", i)
		}
		target, side = i-1, models.Buy
	} else {
		target, side = i+1, models.Sell
	}
	if target < 0 || target > top {
		return models.Hold(symbol, "target level %d is outside the ladder", target)
	}

	price := levels[target]
	qty := math.Min(filled.ExecutedQty()/2,
		grid.QuantityAt(s.Configuration.AllocatedCapital, s.Configuration.NumberOfGrids, price))
	return r.place(ctx, s, target, side, price, qty)
}

func (r *Reactor) place(ctx context.Context, s *models.Strategy, level int, side models.Side, price, qty float64) models.TradeResult {
	res := r.placer.Place(ctx, placement.Request{
		Strategy: s,
		Level:    level,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Source:   source,
	})
	r.logger.Debug("成交反应",
		zap.String("strategy", s.ID),
		zap.Int("target_level", level),
		zap.String("side", string(side)),
		zap.String("action", string(res.Action)),
		zap.String("reason", res.Reason))
	return res
}
