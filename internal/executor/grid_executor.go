package executor

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const initialBuyPrefix = "i"

var errAlreadySubmitted = errors.New("initial buy already submitted")

// Coverage 轮询模式下补齐网格挂单，monitor.PriceMonitor 实现
type Coverage interface {
	EnsureCoverage(ctx context.Context, s *models.Strategy) []models.TradeResult
}

// RealtimeRegistrar 实时模式下把策略交给实时监控，realtime.Monitor 实现。
// 未启用实时行情时为 nil
type RealtimeRegistrar interface {
	Register(ctx context.Context, s *models.Strategy) error
}

// FillReactor 成交后挂出对手单，reactor.Reactor 实现
type FillReactor interface {
	React(ctx context.Context, s *models.Strategy, filled *models.GridOrder) models.TradeResult
}

// GridExecutor 现货网格和反向网格共用的执行器：先完成首单建仓，再交给监控器维护挂单
type GridExecutor struct {
	typ        models.StrategyType
	defaults   models.GridDefaults
	strategies persistence.StrategyRepository
	brokers    exchange.Brokers
	market     exchange.MarketDataPort
	coverage   Coverage
	realtime   RealtimeRegistrar
	reactor    FillReactor
	logger     *zap.Logger
	now        func() time.Time
}

func NewGridExecutor(
	typ models.StrategyType,
	defaults models.GridDefaults,
	strategies persistence.StrategyRepository,
	brokers exchange.Brokers,
	market exchange.MarketDataPort,
	coverage Coverage,
	realtime RealtimeRegistrar,
	reactor FillReactor,
	logger *zap.Logger,
) *GridExecutor {
	return &GridExecutor{
		typ:        typ,
		defaults:   defaults,
		strategies: strategies,
		brokers:    brokers,
		market:     market,
		coverage:   coverage,
		realtime:   realtime,
		reactor:    reactor,
		logger:     logger.With(zap.String("executor", string(typ))),
		now:        time.Now,
	}
}

func (e *GridExecutor) Type() models.StrategyType { return e.typ }

func (e *GridExecutor) Execute(ctx context.Context, s *models.Strategy) []models.TradeResult {
	symbol := s.Configuration.Symbol

	if _, _, ok := grid.ResolveRange(s.Configuration, s.Telemetry); !ok {
		updated, res, ok := e.deriveRange(ctx, s)
		if !ok {
			return []models.TradeResult{res}
		}
		s = updated
	}
	levels, err := grid.ForStrategy(s)
	if err != nil {
		return []models.TradeResult{models.Failed(symbol, err)}
	}

	if !s.Telemetry.InitialBuyFilled() {
		if s.Telemetry.InitialBuySubmitted() {
			if id := s.Telemetry.InitialBuyOrderID(); id != "" {
				return []models.TradeResult{models.Hold(symbol, "waiting for initial buy order %s to fill", id)}
			}
			return []models.TradeResult{models.Hold(symbol, "waiting for broker confirmation of initial buy %s", s.Telemetry.InitialBuyClientID())}
		}
		return []models.TradeResult{e.submitInitialBuy(ctx, s, levels)}
	}

	// 没有实时行情时实时模式的策略按轮询方式补单
	if s.Realtime() && e.realtime != nil {
		if err := e.realtime.Register(ctx, s); err != nil {
			return []models.TradeResult{models.Failed(symbol, err)}
		}
		return []models.TradeResult{models.Hold(symbol, "grid is driven by the realtime monitor")}
	}
	return e.coverage.EnsureCoverage(ctx, s)
}

// deriveRange 未配置区间时以当前价为中心生成区间并写入 telemetry
func (e *GridExecutor) deriveRange(ctx context.Context, s *models.Strategy) (*models.Strategy, models.TradeResult, bool) {
	symbol := s.Configuration.Symbol
	price, ok := exchange.CurrentPrice(ctx, e.market, symbol)
	if !ok {
		return nil, models.Hold(symbol, "price unavailable, cannot derive grid range"), false
	}
	lower, upper := grid.DeriveRange(price, e.defaults.DefaultRangePercent)
	updated, err := e.strategies.UpdateTelemetry(ctx, s.ID, func(t models.Telemetry) error {
		t[models.TelemetryDerivedRangeLower] = lower
		t[models.TelemetryDerivedRangeUpper] = upper
		return nil
	})
	if err != nil {
		return nil, models.Failed(symbol, err), false
	}
	e.logger.Info("已根据当前价格生成网格区间",
		zap.String("strategy", s.ID),
		zap.Float64("price", price),
		zap.Float64("lower", lower),
		zap.Float64("upper", upper))
	return updated, models.TradeResult{}, true
}

// submitInitialBuy 首单买入价格以上各档位需要的库存
func (e *GridExecutor) submitInitialBuy(ctx context.Context, s *models.Strategy, levels []float64) models.TradeResult {
	symbol := s.Configuration.Symbol
	log := e.logger.With(zap.String("strategy", s.ID), zap.String("symbol", symbol))

	price, ok := exchange.CurrentPrice(ctx, e.market, symbol)
	if !ok {
		return models.Hold(symbol, "price unavailable, initial buy postponed")
	}
	above := grid.CountAbove(levels, price)
	qty := float64(above) * grid.QuantityAt(s.Configuration.AllocatedCapital, s.Configuration.NumberOfGrids, price)

	if qty <= 0 {
		// 价格在所有档位之上，不需要库存
		_, err := e.strategies.UpdateTelemetry(ctx, s.ID, func(t models.Telemetry) error {
			t[models.TelemetryInitialBuySubmitted] = true
			t[models.TelemetryInitialBuyFilled] = true
			t[models.TelemetryInitialBuyQuantity] = 0.0
			t[models.TelemetryInitialBuyFilledPrice] = price
			t[models.TelemetryInitialBuyFilledAt] = e.now().UTC().Format(time.RFC3339)
			return nil
		})
		if err != nil {
			return models.Failed(symbol, err)
		}
		log.Info("当前价格之上没有档位，跳过首单")
		return models.Hold(symbol, "no grid levels above %.8g, initial buy not needed", price)
	}

	port, err := e.brokers.Trading(s.Context())
	if err != nil {
		return models.Failed(symbol, err)
	}

	// 先占住提交标记并记下客户端订单号，防止并发节拍重复建仓，
	// 提交结果丢失时成交监控也能按客户端订单号找回首单
	clientID := exchange.ClientOrderID(initialBuyPrefix, uuid.NewString())
	_, err = e.strategies.UpdateTelemetry(ctx, s.ID, func(t models.Telemetry) error {
		if t.InitialBuySubmitted() {
			return errAlreadySubmitted
		}
		t[models.TelemetryInitialBuySubmitted] = true
		t[models.TelemetryInitialBuyClientID] = clientID
		delete(t, models.TelemetryInitialBuyOrderID)
		delete(t, models.TelemetryLegacyInitialBuyOrderID)
		delete(t, models.TelemetryInitialBuyCheckCount)
		return nil
	})
	if errors.Is(err, errAlreadySubmitted) {
		return models.Hold(symbol, "initial buy already submitted")
	}
	if err != nil {
		return models.Failed(symbol, err)
	}

	ack, err := port.SubmitOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          models.Buy,
		Type:          models.Market,
		Quantity:      qty,
		ClientOrderID: clientID,
	})
	// 订单可能已经到达交易所，之后的记录不受取消影响
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("首单提交失败", zap.Float64("quantity", qty), zap.String("client_order_id", clientID), zap.Error(err))
		rejected := models.IsRejection(err)
		if _, rerr := e.strategies.UpdateTelemetry(persistCtx, s.ID, func(t models.Telemetry) error {
			t[models.TelemetryLastError] = err.Error()
			if rejected {
				t[models.TelemetryInitialBuySubmitted] = false
				delete(t, models.TelemetryInitialBuyClientID)
			}
			return nil
		}); rerr != nil {
			log.Error("记录首单失败状态出错", zap.Error(rerr))
		}
		if !rejected {
			return models.Failed(symbol, fmt.Errorf("initial buy outcome unknown, waiting for broker confirmation of %s: %w", clientID, err))
		}
		return models.Failed(symbol, fmt.Errorf("initial buy: %w", err))
	}

	if _, err := e.strategies.UpdateTelemetry(persistCtx, s.ID, func(t models.Telemetry) error {
		t[models.TelemetryInitialBuyOrderID] = ack.OrderID
		t[models.TelemetryInitialBuyQuantity] = qty
		delete(t, models.TelemetryLastError)
		return nil
	}); err != nil {
		log.Error("记录首单订单号失败", zap.String("order_id", ack.OrderID), zap.Error(err))
		return models.Failed(symbol, err)
	}

	log.Info("首单已提交",
		zap.String("order_id", ack.OrderID),
		zap.Float64("quantity", qty),
		zap.Int("levels_above", above))
	return models.TradeResult{
		Action:   models.ActionBuy,
		Symbol:   symbol,
		Quantity: qty,
		Price:    price,
		OrderID:  ack.OrderID,
		Reason:   fmt.Sprintf("initial buy for %d levels above price", above),
	}
}

func (e *GridExecutor) ExecuteOnFill(ctx context.Context, s *models.Strategy, order *models.GridOrder) models.TradeResult {
	return e.reactor.React(ctx, s, order)
}
