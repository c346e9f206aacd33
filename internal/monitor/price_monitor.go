// Package monitor holds the two polling loops of the grid engine: the price
// monitor that fills ladder gaps and the fill monitor that reconciles order
// status with the broker.
package monitor

import (
	"context"
	"errors"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"
	"grid-trading-engine/internal/persistence"
	"grid-trading-engine/internal/placement"
	"grid-trading-engine/internal/validator"
	"time"

	"go.uber.org/zap"
)

var errAllPricesFailed = errors.New("every price fetch in this cycle failed")

// CycleStats 一个周期的统计
type CycleStats struct {
	Strategies    int
	Placed        int
	PriceFetches  int
	PriceFailures int
}

// PriceMonitor 定期检查每个轮询模式网格的档位覆盖并补单
type PriceMonitor struct {
	cfg        models.PriceMonitorConfig
	strategies persistence.StrategyRepository
	ledger     ledger.Store
	brokers    exchange.Brokers
	market     exchange.MarketDataPort
	placer     *placement.Placer
	publisher  notify.Publisher
	logger     *zap.Logger

	coverRealtime     bool
	consecutiveErrors int
	lastUsers         map[string]bool
}

func NewPriceMonitor(
	cfg models.PriceMonitorConfig,
	strategies persistence.StrategyRepository,
	store ledger.Store,
	brokers exchange.Brokers,
	market exchange.MarketDataPort,
	placer *placement.Placer,
	publisher notify.Publisher,
	logger *zap.Logger,
) *PriceMonitor {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &PriceMonitor{
		cfg:        cfg,
		strategies: strategies,
		ledger:     store,
		brokers:    brokers,
		market:     market,
		placer:     placer,
		publisher:  publisher,
		logger:     logger,
		lastUsers:  make(map[string]bool),
	}
}

// Run 循环执行直到 ctx 结束。周期中途不响应取消，只在两次周期之间检查。
func (m *PriceMonitor) Run(ctx context.Context) error {
	m.logger.Info("网格价格监控已启动", zap.Duration("interval", m.cfg.Interval()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		stats, err := m.RunCycle(context.WithoutCancel(ctx))
		if err != nil {
			m.logger.Error("价格监控周期失败", zap.Error(err))
		} else {
			m.logger.Debug("价格监控周期完成",
				zap.Int("strategies", stats.Strategies),
				zap.Int("placed", stats.Placed))
		}

		wait := m.recordCycle(err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// recordCycle 维护连续失败计数，返回到下一周期的等待时间
func (m *PriceMonitor) recordCycle(err error) time.Duration {
	if err == nil {
		m.consecutiveErrors = 0
		return m.cfg.Interval()
	}
	m.consecutiveErrors++
	if m.consecutiveErrors < m.cfg.MaxConsecutiveErrors {
		return m.cfg.Interval()
	}

	m.logger.Error("价格监控连续失败，进入冷却",
		zap.Int("consecutive_errors", m.consecutiveErrors),
		zap.Duration("cooldown", m.cfg.Cooldown()))
	for user := range m.lastUsers {
		m.publisher.Publish(notify.Event{
			Type:   notify.EventCircuitBreaker,
			UserID: user,
			Data:   map[string]any{"consecutive_errors": m.consecutiveErrors, "cooldown_sec": m.cfg.CooldownSec},
		})
	}
	m.consecutiveErrors = 0
	return m.cfg.Cooldown()
}

// RunCycle 对所有活跃的轮询模式网格执行一次补单，单个周期的下单总数受上限控制
func (m *PriceMonitor) RunCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	strategies, err := m.strategies.ListActive(ctx)
	if err != nil {
		return stats, err
	}

	cache := newPriceCache(m.market)
	budget := m.cfg.MaxOrdersPerCycle
	for _, s := range strategies {
		if !s.Type.IsGrid() || (s.Realtime() && !m.coverRealtime) {
			continue
		}
		m.lastUsers[s.UserID] = true
		stats.Strategies++
		for _, res := range m.cover(ctx, s, cache, &budget) {
			if res.Action == models.ActionBuy || res.Action == models.ActionSell {
				stats.Placed++
			}
		}
	}

	stats.PriceFetches, stats.PriceFailures = cache.fetches, cache.failures
	if cache.fetches > 0 && cache.failures == cache.fetches {
		return stats, errAllPricesFailed
	}
	return stats, nil
}

// CoverRealtime 让价格监控同时维护实时模式的策略，在没有实时行情推送时使用
func (m *PriceMonitor) CoverRealtime() {
	m.coverRealtime = true
}

// EnsureCoverage 对单个策略执行一次补单，供执行器在调度节拍中调用
func (m *PriceMonitor) EnsureCoverage(ctx context.Context, s *models.Strategy) []models.TradeResult {
	budget := m.cfg.MaxOrdersPerCycle
	return m.cover(ctx, s, newPriceCache(m.market), &budget)
}

func (m *PriceMonitor) cover(ctx context.Context, s *models.Strategy, cache *priceCache, budget *int) []models.TradeResult {
	symbol := s.Configuration.Symbol
	log := m.logger.With(zap.String("strategy", s.ID), zap.String("symbol", symbol))

	if !s.Telemetry.InitialBuyFilled() {
		return []models.TradeResult{models.Hold(symbol, "waiting for initial buy fill")}
	}
	levels, err := grid.ForStrategy(s)
	if err != nil {
		log.Warn("网格参数无效，本周期跳过", zap.Error(err))
		return []models.TradeResult{models.Failed(symbol, err)}
	}
	price, ok := cache.price(ctx, symbol)
	if !ok {
		log.Warn("获取价格失败，跳过该交易对")
		return []models.TradeResult{models.Hold(symbol, "price unavailable")}
	}
	if !grid.InRange(levels, price) {
		return []models.TradeResult{models.Hold(symbol, "price %.8g outside grid range [%.8g, %.8g]", price, levels[0], levels[len(levels)-1])}
	}

	active, err := m.ledger.ActiveOrdersFor(ctx, s.ID)
	if err != nil {
		log.Error("读取活跃订单失败", zap.Error(err))
		return []models.TradeResult{models.Failed(symbol, err)}
	}
	uncovered := grid.NearestFirst(validator.UncoveredLevels(len(levels), active), levels, price)

	var results []models.TradeResult
	n := s.Configuration.NumberOfGrids
	for _, idx := range uncovered {
		if *budget <= 0 {
			log.Debug("本周期下单数已达上限，剩余档位留到下个周期", zap.Int("remaining", len(uncovered)))
			break
		}
		lp := levels[idx]
		if grid.SameLevel(lp, price) {
			continue
		}
		side := models.Buy
		if lp > price {
			side = models.Sell
		}
		qty := grid.QuantityAt(s.Configuration.AllocatedCapital, n, lp)

		if side == models.Sell {
			enough, err := m.hasAvailable(ctx, s, qty)
			if err != nil {
				log.Warn("查询持仓失败", zap.Int("level", idx), zap.Error(err))
				continue
			}
			if !enough {
				// 持仓不足不是错误，等后续周期
				log.Debug("可用持仓不足，暂不挂卖单", zap.Int("level", idx), zap.Float64("required", qty))
				continue
			}
		}

		res := m.placer.Place(ctx, placement.Request{
			Strategy: s,
			Level:    idx,
			Side:     side,
			Price:    lp,
			Quantity: qty,
			Source:   "price_monitor",
		})
		if res.Action == models.ActionBuy || res.Action == models.ActionSell {
			*budget--
		}
		results = append(results, res)
	}
	return results
}

// hasAvailable 每次都重新查询持仓：已挂的卖单会锁定数量
func (m *PriceMonitor) hasAvailable(ctx context.Context, s *models.Strategy, qty float64) (bool, error) {
	port, err := m.brokers.Trading(s.Context())
	if err != nil {
		return false, err
	}
	pos, err := exchange.PositionFor(ctx, port, s.Configuration.Symbol)
	if err != nil {
		return false, err
	}
	return pos.Available >= qty, nil
}

// priceCache 只缓存价格，且只在一个周期内有效
type priceCache struct {
	market   exchange.MarketDataPort
	prices   map[string]float64
	missing  map[string]bool
	fetches  int
	failures int
}

func newPriceCache(market exchange.MarketDataPort) *priceCache {
	return &priceCache{market: market, prices: make(map[string]float64), missing: make(map[string]bool)}
}

func (c *priceCache) price(ctx context.Context, symbol string) (float64, bool) {
	if p, ok := c.prices[symbol]; ok {
		return p, true
	}
	if c.missing[symbol] {
		return 0, false
	}
	c.fetches++
	p, ok := exchange.CurrentPrice(ctx, c.market, symbol)
	if !ok {
		c.failures++
		c.missing[symbol] = true
		return 0, false
	}
	c.prices[symbol] = p
	return p, true
}
