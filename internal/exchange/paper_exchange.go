package exchange

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/models"
	"sort"
	"strconv"
	"sync"
	"time"
)

// 币安风格的原始订单状态
const (
	paperNew             = "NEW"
	paperPartiallyFilled = "PARTIALLY_FILLED"
	paperFilled          = "FILLED"
	paperCanceled        = "CANCELED"
)

const qtyEpsilon = 1e-12

type paperOrder struct {
	models.BrokerOrder
	Type       models.OrderType
	LimitPrice float64
	seq        int64
}

func (o *paperOrder) open() bool {
	return o.Status == paperNew || o.Status == paperPartiallyFilled
}

// PaperExchange 在内存中模拟交易所，实现 TradingPort 和 MarketDataPort。
// 限价单在价格穿越时成交，市价单按当前价立即成交。
type PaperExchange struct {
	mu          sync.Mutex
	cash        float64
	positions   map[string]float64
	locked      map[string]float64 // 卖单锁定的持仓
	prices      map[string]float64
	orders      map[string]*paperOrder
	clientIndex map[string]string
	nextOrderID int64
	source      MarketDataPort
	submitErr   error
	listErr     error
	submitCount int
}

// NewPaperExchange 创建一个新的 PaperExchange 实例
func NewPaperExchange(cash float64) *PaperExchange {
	return &PaperExchange{
		cash:        cash,
		positions:   make(map[string]float64),
		locked:      make(map[string]float64),
		prices:      make(map[string]float64),
		orders:      make(map[string]*paperOrder),
		clientIndex: make(map[string]string),
		nextOrderID: 1,
	}
}

// WithPriceSource 使用真实行情驱动模拟撮合
func (e *PaperExchange) WithPriceSource(md MarketDataPort) *PaperExchange {
	e.source = md
	return e
}

// SetPrice 更新价格并检查挂单是否可以成交
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.checkLimitOrdersAtPrice(symbol, price)
}

// checkLimitOrdersAtPrice 必须在持有锁的情况下调用
func (e *PaperExchange) checkLimitOrdersAtPrice(symbol string, price float64) {
	for _, o := range e.sortedOrders() {
		if o.Symbol != symbol || !o.open() || o.Type != models.Limit {
			continue
		}
		if (o.Side == models.Buy && price <= o.LimitPrice) || (o.Side == models.Sell && price >= o.LimitPrice) {
			e.fill(o, o.Quantity-o.FilledQty, o.LimitPrice)
		}
	}
}

func (e *PaperExchange) sortedOrders() []*paperOrder {
	out := make([]*paperOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// fill 成交指定数量，必须在持有锁的情况下调用
func (e *PaperExchange) fill(o *paperOrder, qty, price float64) {
	if qty <= 0 {
		return
	}
	prevNotional := o.FilledAvgPrice * o.FilledQty
	o.FilledQty += qty
	o.FilledAvgPrice = (prevNotional + qty*price) / o.FilledQty
	o.UpdatedAt = time.Now()
	if o.FilledQty >= o.Quantity-qtyEpsilon {
		o.Status = paperFilled
	} else {
		o.Status = paperPartiallyFilled
	}

	if o.Side == models.Buy {
		e.cash -= qty * price
		e.positions[o.Symbol] += qty
		return
	}
	e.locked[o.Symbol] -= qty
	e.positions[o.Symbol] -= qty
	e.cash += qty * price
}

// SubmitOrder 下单
func (e *PaperExchange) SubmitOrder(_ context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.submitCount++
	if e.submitErr != nil {
		var apiErr *models.BrokerAPIError
		if errors.As(e.submitErr, &apiErr) {
			return nil, apiErr
		}
		return nil, &models.BrokerAPIError{Op: "submit_order", Err: e.submitErr}
	}
	if req.Quantity <= 0 {
		return nil, &models.BrokerAPIError{Op: "submit_order", Code: -1013, Message: "invalid quantity"}
	}
	if req.ClientOrderID != "" {
		if id, ok := e.clientIndex[req.ClientOrderID]; ok && e.orders[id].open() {
			return nil, &models.BrokerAPIError{Op: "submit_order", Code: -2010, Message: "Duplicate order sent."}
		}
	}

	price := e.prices[req.Symbol]
	execPrice := price
	if req.Type == models.Limit {
		execPrice = req.LimitPrice
	}
	if execPrice <= 0 {
		return nil, &models.BrokerAPIError{Op: "submit_order", Code: -1013, Message: "no price for " + req.Symbol}
	}

	switch req.Side {
	case models.Sell:
		available := e.positions[req.Symbol] - e.locked[req.Symbol]
		if req.Quantity > available+qtyEpsilon {
			return nil, &models.BrokerAPIError{Op: "submit_order", Code: -2010, Message: "Account has insufficient balance for requested action."}
		}
		e.locked[req.Symbol] += req.Quantity
	default:
		if req.Quantity*execPrice > e.cash+qtyEpsilon {
			return nil, &models.BrokerAPIError{Op: "submit_order", Code: -2010, Message: "Account has insufficient balance for requested action."}
		}
	}

	id := strconv.FormatInt(e.nextOrderID, 10)
	o := &paperOrder{
		BrokerOrder: models.BrokerOrder{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Status:        paperNew,
			Quantity:      req.Quantity,
			UpdatedAt:     time.Now(),
		},
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		seq:        e.nextOrderID,
	}
	e.nextOrderID++
	e.orders[id] = o
	if req.ClientOrderID != "" {
		e.clientIndex[req.ClientOrderID] = id
	}

	switch {
	case req.Type == models.Market:
		e.fill(o, o.Quantity, price)
	case price > 0 && ((req.Side == models.Buy && price <= req.LimitPrice) || (req.Side == models.Sell && price >= req.LimitPrice)):
		// 可立即成交的限价单按当前价成交
		e.fill(o, o.Quantity, price)
	}

	return &models.OrderAck{OrderID: id, ClientOrderID: req.ClientOrderID, Status: o.Status}, nil
}

// GetOrder 查询单个订单
func (e *PaperExchange) GetOrder(_ context.Context, _ string, orderID string) (*models.BrokerOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("get_order %s: %w", orderID, models.ErrOrderNotFound)
	}
	bo := o.BrokerOrder
	return &bo, nil
}

// ListOrders 按时间倒序返回订单
func (e *PaperExchange) ListOrders(_ context.Context, filter models.OrderFilter) ([]models.BrokerOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listErr != nil {
		return nil, &models.BrokerAPIError{Op: "list_orders", Err: e.listErr}
	}

	sorted := e.sortedOrders()
	var out []models.BrokerOrder
	for i := len(sorted) - 1; i >= 0; i-- {
		o := sorted[i]
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.OpenOnly && !o.open() {
			continue
		}
		out = append(out, o.BrokerOrder)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// GetPositions 返回所有非零持仓
func (e *PaperExchange) GetPositions(_ context.Context) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Position
	for symbol, qty := range e.positions {
		if qty <= qtyEpsilon {
			continue
		}
		out = append(out, models.Position{
			Symbol:    symbol,
			Asset:     symbol,
			Qty:       qty,
			Available: qty - e.locked[symbol],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAccount 返回现金和按当前价估算的权益
func (e *PaperExchange) GetAccount(_ context.Context) (*models.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc := &models.Account{Cash: e.cash, Equity: e.cash, Balances: make(map[string]float64)}
	for symbol, qty := range e.positions {
		acc.Balances[symbol] = qty
		acc.Equity += qty * e.prices[symbol]
	}
	return acc, nil
}

// LatestQuote 有外部行情源时先同步价格（可能触发撮合）
func (e *PaperExchange) LatestQuote(ctx context.Context, symbol string) models.Quote {
	if e.source != nil {
		q := e.source.LatestQuote(ctx, symbol)
		if q.Available {
			e.SetPrice(symbol, q.Price())
		}
		return q
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	price := e.prices[symbol]
	return models.Quote{Symbol: symbol, Bid: price, Ask: price, Timestamp: time.Now(), Available: price > 0}
}

// LatestBar 用当前价构造一根K线
func (e *PaperExchange) LatestBar(ctx context.Context, symbol string) models.Bar {
	if e.source != nil {
		return e.source.LatestBar(ctx, symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	price := e.prices[symbol]
	return models.Bar{Symbol: symbol, Open: price, High: price, Low: price, Close: price, OpenTime: time.Now(), Available: price > 0}
}

// Deposit 直接增加持仓
func (e *PaperExchange) Deposit(symbol string, qty float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[symbol] += qty
}

// Fill 按限价成交剩余数量
func (e *PaperExchange) Fill(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || !o.open() {
		return fmt.Errorf("order %s is not open", orderID)
	}
	e.fill(o, o.Quantity-o.FilledQty, o.LimitPrice)
	return nil
}

// PartialFill 按限价成交部分数量
func (e *PaperExchange) PartialFill(orderID string, qty float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || !o.open() {
		return fmt.Errorf("order %s is not open", orderID)
	}
	e.fill(o, qty, o.LimitPrice)
	return nil
}

// Cancel 撤单并释放锁定的持仓
func (e *PaperExchange) Cancel(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || !o.open() {
		return fmt.Errorf("order %s is not open", orderID)
	}
	if o.Side == models.Sell {
		e.locked[o.Symbol] -= o.Quantity - o.FilledQty
	}
	o.Status = paperCanceled
	o.UpdatedAt = time.Now()
	return nil
}

// Forget 让交易所“丢失”一个订单，用于模拟外部撤单或过期清理
func (e *PaperExchange) Forget(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		if o.Side == models.Sell && o.open() {
			e.locked[o.Symbol] -= o.Quantity - o.FilledQty
		}
		delete(e.clientIndex, o.ClientOrderID)
		delete(e.orders, orderID)
	}
}

// SetSubmitError 让后续下单返回错误，传 nil 恢复
func (e *PaperExchange) SetSubmitError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitErr = err
}

// SetListError 让后续批量查询返回错误，传 nil 恢复
func (e *PaperExchange) SetListError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listErr = err
}

// Orders 返回所有订单的快照，按下单顺序
func (e *PaperExchange) Orders() []models.BrokerOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.BrokerOrder
	for _, o := range e.sortedOrders() {
		out = append(out, o.BrokerOrder)
	}
	return out
}

// SubmitCount 返回下单调用次数（含失败）
func (e *PaperExchange) SubmitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitCount
}

// Cash 返回可用现金
func (e *PaperExchange) Cash() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}
