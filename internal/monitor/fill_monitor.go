package monitor

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/exchange"
	"grid-trading-engine/internal/ledger"
	"grid-trading-engine/internal/models"
	"grid-trading-engine/internal/notify"
	"grid-trading-engine/internal/persistence"
	"sort"
	"time"

	"go.uber.org/zap"
)

// FillHandler 在订单转为 filled 时被调用，每次迁移只调用一次
type FillHandler interface {
	OnFill(ctx context.Context, order *models.GridOrder) models.TradeResult
}

// FillStats 一个轮询周期的统计
type FillStats struct {
	Checked       int
	Updated       int
	Filled        int
	Stale         int
	InitialFilled int
	Errors        int
}

// FillMonitor 轮询券商订单状态并同步到账本
type FillMonitor struct {
	cfg        models.FillMonitorConfig
	strategies persistence.StrategyRepository
	ledger     ledger.Store
	brokers    exchange.Brokers
	handler    FillHandler
	publisher  notify.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

func NewFillMonitor(
	cfg models.FillMonitorConfig,
	strategies persistence.StrategyRepository,
	store ledger.Store,
	brokers exchange.Brokers,
	handler FillHandler,
	publisher notify.Publisher,
	logger *zap.Logger,
) *FillMonitor {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &FillMonitor{
		cfg:        cfg,
		strategies: strategies,
		ledger:     store,
		brokers:    brokers,
		handler:    handler,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// Run 启动后立即执行一次，之后按固定间隔执行。任何错误都不会让循环退出。
func (m *FillMonitor) Run(ctx context.Context) error {
	m.logger.Info("订单成交监控已启动", zap.Duration("interval", m.cfg.Interval()))
	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()
	for {
		stats := m.RunCycle(context.WithoutCancel(ctx))
		if stats.Filled > 0 || stats.Stale > 0 || stats.Errors > 0 {
			m.logger.Info("成交监控周期完成",
				zap.Int("checked", stats.Checked),
				zap.Int("filled", stats.Filled),
				zap.Int("stale", stats.Stale),
				zap.Int("errors", stats.Errors))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle 同步一次所有待确认的网格订单和首单
func (m *FillMonitor) RunCycle(ctx context.Context) FillStats {
	var stats FillStats
	now := m.now()

	orders, err := m.ledger.Pollable(ctx, now.Add(-m.cfg.Lookback()))
	if err != nil {
		m.logger.Error("读取待轮询订单失败", zap.Error(err))
		stats.Errors++
	}

	// user/account -> symbol -> orders，每个 (账户, symbol) 只批量查询一次
	grouped := make(map[string]map[string][]*models.GridOrder)
	for _, o := range orders {
		key := o.Context().String()
		if grouped[key] == nil {
			grouped[key] = make(map[string][]*models.GridOrder)
		}
		grouped[key][o.Symbol] = append(grouped[key][o.Symbol], o)
	}
	for _, key := range sortedKeys(grouped) {
		m.pollUser(ctx, key, grouped[key], &stats)
	}

	m.pollInitialEntries(ctx, &stats)
	return stats
}

func (m *FillMonitor) pollUser(ctx context.Context, user string, bySymbol map[string][]*models.GridOrder, stats *FillStats) {
	var tc models.TradingContext
	for _, orders := range bySymbol {
		tc = orders[0].Context()
		break
	}
	log := m.logger.With(zap.String("user", user))

	port, err := m.brokers.Trading(tc)
	if err != nil {
		log.Warn("用户没有可用的交易通道", zap.Error(err))
		stats.Errors++
		return
	}

	for _, symbol := range sortedKeys(bySymbol) {
		batch, err := port.ListOrders(ctx, models.OrderFilter{Symbol: symbol, Limit: m.cfg.ListLimit})
		if err != nil {
			log.Warn("批量查询订单失败，下个周期重试", zap.String("symbol", symbol), zap.Error(err))
			stats.Errors++
			continue
		}
		byID := make(map[string]*models.BrokerOrder, len(batch))
		byClient := make(map[string]*models.BrokerOrder, len(batch))
		for i := range batch {
			bo := &batch[i]
			byID[bo.OrderID] = bo
			if bo.ClientOrderID != "" {
				byClient[bo.ClientOrderID] = bo
			}
		}
		for _, o := range bySymbol[symbol] {
			stats.Checked++
			m.reconcile(ctx, port, o, byID, byClient, stats)
		}
	}
}

func (m *FillMonitor) reconcile(ctx context.Context, port exchange.TradingPort, o *models.GridOrder,
	byID, byClient map[string]*models.BrokerOrder, stats *FillStats) {
	log := m.logger.With(zap.String("order", o.ID), zap.String("strategy", o.StrategyID), zap.Int("level", o.GridLevel))
	now := m.now()

	var bo *models.BrokerOrder
	if o.BrokerOrderID != "" {
		bo = byID[o.BrokerOrderID]
	}
	if bo == nil && o.ClientOrderID != "" {
		if bo = byClient[o.ClientOrderID]; bo != nil && o.BrokerOrderID == "" {
			// 提交成功但没来得及记录订单号
			if err := m.ledger.AttachBrokerOrder(ctx, o.ID, bo.OrderID); err != nil {
				log.Error("补记交易所订单号失败", zap.Error(err))
			}
			o.BrokerOrderID = bo.OrderID
		}
	}
	if bo == nil && o.BrokerOrderID != "" {
		got, err := port.GetOrder(ctx, o.Symbol, o.BrokerOrderID)
		switch {
		case err == nil:
			bo = got
		case errors.Is(err, models.ErrOrderNotFound):
		default:
			log.Warn("查询订单失败", zap.Error(err))
			stats.Errors++
			return
		}
	}

	if bo == nil {
		count, stale, err := m.ledger.RecordMiss(ctx, o.ID, m.cfg.StaleThreshold, now)
		if err != nil {
			log.Error("记录查询失败次数出错", zap.Error(err))
			stats.Errors++
			return
		}
		if stale {
			stats.Stale++
			log.Warn("订单连续查不到，标记为过期", zap.Int("check_count", count))
			m.publisher.Publish(notify.Event{
				Type: notify.EventOrderStale, UserID: o.UserID, StrategyID: o.StrategyID,
				Data: map[string]any{"order_id": o.ID, "grid_level": o.GridLevel, "side": o.Side},
			})
		}
		return
	}

	status, ok := MapBrokerStatus(bo.Status)
	if !ok {
		log.Warn("未知的订单状态，保持不变", zap.String("broker_status", bo.Status))
		if err := m.ledger.RecordSeen(ctx, o.ID, now); err != nil {
			log.Error("更新检查时间失败", zap.Error(err))
		}
		return
	}

	update := ledger.StatusUpdate{Status: status, FilledQty: bo.FilledQty, FilledAvgPrice: bo.FilledAvgPrice, CheckedAt: now}
	if status == o.Status {
		var err error
		if bo.FilledQty != o.FilledQty {
			err = m.ledger.UpdateStatus(ctx, o.ID, update)
			stats.Updated++
		} else {
			err = m.ledger.RecordSeen(ctx, o.ID, now)
		}
		if err != nil {
			log.Error("更新订单失败", zap.Error(err))
			stats.Errors++
		}
		return
	}

	if status == models.StatusFilled {
		filledAt := bo.UpdatedAt
		if filledAt.IsZero() {
			filledAt = now
		}
		update.FilledAt = &filledAt
	}
	won, err := m.ledger.TransitionStatus(ctx, o.ID, o.Status, update)
	if err != nil {
		log.Error("更新订单状态失败", zap.Error(err))
		stats.Errors++
		return
	}
	if !won {
		// 另一个执行者已经处理了这次迁移
		return
	}
	stats.Updated++
	log.Info("订单状态变化", zap.String("from", string(o.Status)), zap.String("to", string(status)))

	if status != models.StatusFilled {
		return
	}
	stats.Filled++
	filled := *o
	filled.Status = status
	filled.FilledQty = bo.FilledQty
	filled.FilledAvgPrice = bo.FilledAvgPrice
	filled.FilledAt = update.FilledAt

	m.publisher.Publish(notify.Event{
		Type: notify.EventOrderFilled, UserID: o.UserID, StrategyID: o.StrategyID,
		Data: map[string]any{
			"order_id":   o.ID,
			"grid_level": o.GridLevel,
			"side":       o.Side,
			"quantity":   filled.ExecutedQty(),
			"price":      filled.ExecutedPrice(),
		},
	})
	if m.handler == nil {
		return
	}
	res := m.handler.OnFill(ctx, &filled)
	log.Info("成交反应完成", zap.String("action", string(res.Action)), zap.String("reason", res.Reason))
	if res.Action != models.ActionHold {
		m.publisher.Publish(notify.Event{Type: notify.EventTradeResult, UserID: o.UserID, StrategyID: o.StrategyID, Data: res})
	}
}

// pollInitialEntries 首单不在账本里，通过 telemetry 中记录的订单号查询；
// 订单号没来得及记录时按客户端订单号找回
func (m *FillMonitor) pollInitialEntries(ctx context.Context, stats *FillStats) {
	strategies, err := m.strategies.ListActive(ctx)
	if err != nil {
		m.logger.Error("读取策略失败", zap.Error(err))
		stats.Errors++
		return
	}

	for _, s := range strategies {
		if !s.Type.IsGrid() || !s.Telemetry.InitialBuySubmitted() || s.Telemetry.InitialBuyFilled() {
			continue
		}
		orderID := s.Telemetry.InitialBuyOrderID()
		clientID := s.Telemetry.InitialBuyClientID()
		log := m.logger.With(zap.String("strategy", s.ID), zap.String("order_id", orderID), zap.String("client_order_id", clientID))

		if orderID == "" && clientID == "" {
			m.resetInitialEntry(ctx, s, "initial buy marked submitted without any order id", stats)
			continue
		}

		port, err := m.brokers.Trading(s.Context())
		if err != nil {
			log.Warn("用户没有可用的交易通道", zap.Error(err))
			stats.Errors++
			continue
		}
		stats.Checked++

		var bo *models.BrokerOrder
		if orderID == "" {
			bo, err = findByClientID(ctx, port, s.Configuration.Symbol, clientID, m.cfg.ListLimit)
			if err != nil {
				log.Warn("按客户端订单号查询首单失败", zap.Error(err))
				stats.Errors++
				continue
			}
			if bo == nil {
				m.recordInitialMiss(ctx, s, clientID, stats)
				continue
			}
			orderID = bo.OrderID
			if _, err := m.strategies.UpdateTelemetry(ctx, s.ID, func(tel models.Telemetry) error {
				tel[models.TelemetryInitialBuyOrderID] = orderID
				delete(tel, models.TelemetryInitialBuyCheckCount)
				return nil
			}); err != nil {
				log.Error("补记首单订单号失败", zap.Error(err))
				stats.Errors++
				continue
			}
			log.Info("已按客户端订单号找回首单", zap.String("broker_order_id", orderID))
		} else {
			bo, err = port.GetOrder(ctx, s.Configuration.Symbol, orderID)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrOrderNotFound):
				m.resetInitialEntry(ctx, s, fmt.Sprintf("initial buy order %s ended as %s", orderID, models.StatusCancelled), stats)
				continue
			default:
				log.Warn("查询首单失败", zap.Error(err))
				stats.Errors++
				continue
			}
		}

		status, ok := MapBrokerStatus(bo.Status)
		if !ok {
			log.Warn("首单状态未知", zap.String("broker_status", bo.Status))
			continue
		}
		switch status {
		case models.StatusFilled:
			filledAt := bo.UpdatedAt
			if filledAt.IsZero() {
				filledAt = m.now()
			}
			_, err = m.strategies.UpdateTelemetry(ctx, s.ID, func(tel models.Telemetry) error {
				tel[models.TelemetryInitialBuyFilled] = true
				tel[models.TelemetryInitialBuyOrderID] = orderID
				tel[models.TelemetryInitialBuyQuantity] = bo.FilledQty
				tel[models.TelemetryInitialBuyFilledPrice] = bo.FilledAvgPrice
				tel[models.TelemetryInitialBuyFilledAt] = filledAt.UTC().Format(time.RFC3339)
				delete(tel, models.TelemetryLastError)
				return nil
			})
			if err != nil {
				log.Error("更新首单成交状态失败", zap.Error(err))
				stats.Errors++
				continue
			}
			stats.InitialFilled++
			log.Info("首单已成交，开始网格挂单", zap.Float64("price", bo.FilledAvgPrice), zap.Float64("quantity", bo.FilledQty))
			m.publisher.Publish(notify.Event{
				Type: notify.EventInitialBuyFilled, UserID: s.UserID, StrategyID: s.ID,
				Data: map[string]any{"order_id": orderID, "price": bo.FilledAvgPrice, "quantity": bo.FilledQty},
			})
		case models.StatusCancelled, models.StatusRejected:
			m.resetInitialEntry(ctx, s, fmt.Sprintf("initial buy order %s ended as %s", orderID, status), stats)
		}
	}
}

// findByClientID 在交易对的最近订单里按客户端订单号查找
func findByClientID(ctx context.Context, port exchange.TradingPort, symbol, clientID string, limit int) (*models.BrokerOrder, error) {
	orders, err := port.ListOrders(ctx, models.OrderFilter{Symbol: symbol, Limit: limit})
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ClientOrderID == clientID {
			return &orders[i], nil
		}
	}
	return nil, nil
}

// recordInitialMiss 交易所连续查不到首单时认为它没有送达，重置让执行器重新提交
func (m *FillMonitor) recordInitialMiss(ctx context.Context, s *models.Strategy, clientID string, stats *FillStats) {
	log := m.logger.With(zap.String("strategy", s.ID), zap.String("client_order_id", clientID))
	var reset bool
	_, err := m.strategies.UpdateTelemetry(ctx, s.ID, func(tel models.Telemetry) error {
		reset = false
		if tel.InitialBuyClientID() != clientID || tel.InitialBuyOrderID() != "" {
			return nil
		}
		count := int(tel.Float(models.TelemetryInitialBuyCheckCount)) + 1
		if count < m.cfg.StaleThreshold {
			tel[models.TelemetryInitialBuyCheckCount] = float64(count)
			return nil
		}
		reset = true
		clearInitialEntry(tel, fmt.Sprintf("initial buy %s not found at broker after %d checks", clientID, count))
		return nil
	})
	if err != nil {
		log.Error("记录首单查询失败次数出错", zap.Error(err))
		stats.Errors++
		return
	}
	if reset {
		log.Warn("首单没有送达交易所，等待执行器重新提交")
	}
}

func (m *FillMonitor) resetInitialEntry(ctx context.Context, s *models.Strategy, reason string, stats *FillStats) {
	log := m.logger.With(zap.String("strategy", s.ID))
	if _, err := m.strategies.UpdateTelemetry(ctx, s.ID, func(tel models.Telemetry) error {
		clearInitialEntry(tel, reason)
		return nil
	}); err != nil {
		log.Error("重置首单状态失败", zap.Error(err))
		stats.Errors++
		return
	}
	log.Warn("首单未成交，等待执行器重新提交", zap.String("reason", reason))
}

func clearInitialEntry(tel models.Telemetry, reason string) {
	tel[models.TelemetryInitialBuySubmitted] = false
	delete(tel, models.TelemetryInitialBuyOrderID)
	delete(tel, models.TelemetryLegacyInitialBuyOrderID)
	delete(tel, models.TelemetryInitialBuyClientID)
	delete(tel, models.TelemetryInitialBuyCheckCount)
	tel[models.TelemetryLastError] = reason
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
