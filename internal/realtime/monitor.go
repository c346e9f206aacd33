// Package realtime drives realtime-mode grid strategies from pushed trade
// prices, keeping an explicit per-level position state.
package realtime

import (
	"context"
	"fmt"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/grid"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/persistence"
	"grid-trading-engine/internal/placement"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const source = "realtime"

// PriceFeed 推送价格的数据源，exchange.PriceStream 是生产实现
type PriceFeed interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
	Run(ctx context.Context, handler exchange.PriceHandler) error
}

// Monitor 持有已注册的实时策略。每个策略一把锁，不同策略可以并发处理。
type Monitor struct {
	strategies persistence.StrategyRepository
	ledger     ledger.Store
	placer     *placement.Placer
	feed       PriceFeed
	logger     *zap.Logger

	mu       sync.RWMutex
	symbols  map[string]string          // strategyID -> symbol
	bySymbol map[string]map[string]bool // symbol -> strategyIDs
	locks    sync.Map                   // strategyID -> *sync.Mutex
}

func New(strategies persistence.StrategyRepository, store ledger.Store, placer *placement.Placer, feed PriceFeed, logger *zap.Logger) *Monitor {
	return &Monitor{
		strategies: strategies,
		ledger:     store,
		placer:     placer,
		feed:       feed,
		logger:     logger,
		symbols:    make(map[string]string),
		bySymbol:   make(map[string]map[string]bool),
	}
}

// Run 消费价格推送直到 ctx 结束
func (m *Monitor) Run(ctx context.Context) error {
	if m.feed == nil {
		<-ctx.Done()
		return nil
	}
	m.logger.Info("实时网格监控已启动")
	return m.feed.Run(ctx, m.OnPrice)
}

// Register 登记一个实时模式策略并初始化每个档位的持仓状态。重复登记是安全的。
func (m *Monitor) Register(ctx context.Context, s *models.Strategy) error {
	if !s.Realtime() {
		return fmt.Errorf("strategy %s is in %q mode, not realtime", s.ID, s.MonitorMode)
	}
	levels, err := grid.ForStrategy(s)
	if err != nil {
		return err
	}
	if err := m.ledger.InitLevelStates(ctx, s.ID, len(levels)); err != nil {
		return err
	}

	symbol := s.Configuration.Symbol
	m.mu.Lock()
	prev, exists := m.symbols[s.ID]
	if exists && prev == symbol {
		m.mu.Unlock()
		return nil
	}
	if exists {
		m.removeLocked(s.ID, prev)
	}
	m.symbols[s.ID] = symbol
	if m.bySymbol[symbol] == nil {
		m.bySymbol[symbol] = make(map[string]bool)
	}
	m.bySymbol[symbol][s.ID] = true
	m.mu.Unlock()

	if m.feed != nil {
		m.feed.Subscribe(symbol)
	}
	m.logger.Info("实时策略已注册", zap.String("strategy", s.ID), zap.String("symbol", symbol), zap.Int("levels", len(levels)))
	return nil
}

// Unregister 注销策略并取消行情订阅
func (m *Monitor) Unregister(strategyID string) {
	m.mu.Lock()
	symbol, ok := m.symbols[strategyID]
	if ok {
		m.removeLocked(strategyID, symbol)
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("实时策略已注销", zap.String("strategy", strategyID))
	}
}

// removeLocked 必须持有 m.mu
func (m *Monitor) removeLocked(strategyID, symbol string) {
	delete(m.symbols, strategyID)
	delete(m.bySymbol[symbol], strategyID)
	if len(m.bySymbol[symbol]) == 0 {
		delete(m.bySymbol, symbol)
	}
	if m.feed != nil {
		m.feed.Unsubscribe(symbol)
	}
}

// IsRegistered 策略是否已登记
func (m *Monitor) IsRegistered(strategyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.symbols[strategyID]
	return ok
}

func (m *Monitor) strategiesFor(symbol string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.bySymbol[symbol]))
	for id := range m.bySymbol[symbol] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Monitor) lockFor(strategyID string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(strategyID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// OnPrice 是 PriceFeed 的回调，同一交易对上的不同策略并发评估
func (m *Monitor) OnPrice(ctx context.Context, symbol string, price float64) {
	var wg sync.WaitGroup
	for _, id := range m.strategiesFor(symbol) {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Evaluate(ctx, id, price)
		}(id)
	}
	wg.Wait()
}

// Evaluate 在策略锁内根据最新价格决定买卖
func (m *Monitor) Evaluate(ctx context.Context, strategyID string, price float64) []models.TradeResult {
	lock := m.lockFor(strategyID)
	lock.Lock()
	defer lock.Unlock()

	log := m.logger.With(zap.String("strategy", strategyID), zap.Float64("price", price))
	s, err := m.strategies.Get(ctx, strategyID)
	if err != nil {
		log.Warn("读取策略失败", zap.Error(err))
		return []models.TradeResult{models.Failed("", err)}
	}
	if s == nil || !s.IsActive || !s.Realtime() {
		m.Unregister(strategyID)
		return nil
	}
	symbol := s.Configuration.Symbol
	if !s.Telemetry.InitialBuyFilled() {
		return []models.TradeResult{models.Hold(symbol, "waiting for initial buy fill")}
	}

	levels, err := grid.ForStrategy(s)
	if err != nil {
		log.Warn("网格参数无效", zap.Error(err))
		return []models.TradeResult{models.Failed(symbol, err)}
	}
	states, err := m.ledger.LevelStates(ctx, s.ID)
	if err != nil {
		log.Error("读取档位状态失败", zap.Error(err))
		return []models.TradeResult{models.Failed(symbol, err)}
	}
	active, err := m.ledger.ActiveOrdersFor(ctx, s.ID)
	if err != nil {
		log.Error("读取活跃订单失败", zap.Error(err))
		return []models.TradeResult{models.Failed(symbol, err)}
	}
	hasPosition := func(i int) bool {
		st := states[i]
		return st != nil && st.HasPosition
	}

	var results []models.TradeResult
	// 价格跌到档位或以下：没有持仓且没有挂买单的档位买入
	for i, lp := range levels {
		if lp < price || hasPosition(i) {
			continue
		}
		if _, ok := active[models.LevelKey{Level: i, Side: models.Buy}]; ok {
			continue
		}
		qty := grid.QuantityAt(s.Configuration.AllocatedCapital, s.Configuration.NumberOfGrids, lp)
		results = append(results, m.place(ctx, s, i, models.Buy, lp, qty))
	}
	// 价格涨到档位或以上：下一档有持仓时在本档卖出
	for i := 1; i < len(levels); i++ {
		if levels[i] > price || !hasPosition(i-1) {
			continue
		}
		if _, ok := active[models.LevelKey{Level: i, Side: models.Sell}]; ok {
			continue
		}
		results = append(results, m.place(ctx, s, i, models.Sell, levels[i], states[i-1].PositionQuantity))
	}
	return results
}

func (m *Monitor) place(ctx context.Context, s *models.Strategy, level int, side models.Side, price, qty float64) models.TradeResult {
	return m.placer.Place(ctx, placement.Request{
		Strategy: s,
		Level:    level,
		Side:     side,
		Price:    price,
		Quantity: qty,
		Source:   source,
	})
}

// OnFill 更新档位持仓：买单成交在本档建仓，卖单成交平掉下一档的仓位
func (m *Monitor) OnFill(ctx context.Context, order *models.GridOrder) models.TradeResult {
	lock := m.lockFor(order.StrategyID)
	lock.Lock()
	defer lock.Unlock()

	states, err := m.ledger.LevelStates(ctx, order.StrategyID)
	if err != nil {
		return models.Failed(order.Symbol, err)
	}
	stateAt := func(i int) *models.GridLevelState {
		if st, ok := states[i]; ok {
			return st
		}
		return &models.GridLevelState{StrategyID: order.StrategyID, GridLevel: i}
	}

	var st *models.GridLevelState
	switch order.Side {
	case models.Buy:
		st = stateAt(order.GridLevel)
		st.HasPosition = true
		st.PositionQuantity += order.ExecutedQty()
		st.LastBuyPrice = order.ExecutedPrice()
	case models.Sell:
		if order.GridLevel == 0 {
			return models.Hold(order.Symbol, "sell fill at level 0 has no lower position to close")
		}
		st = stateAt(order.GridLevel - 1)
		st.HasPosition = false
		st.PositionQuantity = 0
		st.LastSellPrice = order.ExecutedPrice()
	}
	if err := m.ledger.SaveLevelState(ctx, st); err != nil {
		m.logger.Error("保存档位状态失败", zap.String("strategy", order.StrategyID), zap.Error(err))
		return models.Failed(order.Symbol, err)
	}
	return models.Hold(order.Symbol, "level %d position updated after %s fill at level %d", st.GridLevel, order.Side, order.GridLevel)
}
