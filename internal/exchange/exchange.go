package exchange

import (
	"context"
	"fmt"
	"grid-trading-engine/internal/models"
	"sync"
)

// TradingPort 定义了核心使用的交易通道接口
type TradingPort interface {
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*models.BrokerOrder, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.BrokerOrder, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetAccount(ctx context.Context) (*models.Account, error)
}

// MarketDataPort 行情接口。行情不可用时返回 Available=false 的值而不是错误
type MarketDataPort interface {
	LatestQuote(ctx context.Context, symbol string) models.Quote
	LatestBar(ctx context.Context, symbol string) models.Bar
}

// Brokers 按交易上下文解析交易通道，Registry 是唯一的生产实现
type Brokers interface {
	Trading(tc models.TradingContext) (TradingPort, error)
}

// CurrentPrice 优先使用报价中间价，其次使用最新K线收盘价
func CurrentPrice(ctx context.Context, md MarketDataPort, symbol string) (float64, bool) {
	if q := md.LatestQuote(ctx, symbol); q.Available && q.Price() > 0 {
		return q.Price(), true
	}
	if b := md.LatestBar(ctx, symbol); b.Available && b.Close > 0 {
		return b.Close, true
	}
	return 0, false
}

// PositionFor 从交易通道读取某个交易对的持仓
func PositionFor(ctx context.Context, port TradingPort, symbol string) (models.Position, error) {
	positions, err := port.GetPositions(ctx)
	if err != nil {
		return models.Position{}, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return models.Position{Symbol: symbol}, nil
}

// Registry 按 (用户, 账户) 保存交易通道，由应用上下文持有
type Registry struct {
	mu    sync.RWMutex
	ports map[models.TradingContext]TradingPort
}

func NewRegistry() *Registry {
	return &Registry{ports: make(map[models.TradingContext]TradingPort)}
}

func (r *Registry) Register(tc models.TradingContext, port TradingPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[tc] = port
}

func (r *Registry) Unregister(tc models.TradingContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, tc)
}

// Trading 按用户和账户精确匹配交易通道。
// 未指定账户时，只有该用户恰好注册了一个账户才会使用它，避免把订单发到错误的账户。
func (r *Registry) Trading(tc models.TradingContext) (TradingPort, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if port, ok := r.ports[tc]; ok {
		return port, nil
	}
	if tc.AccountID == "" {
		var (
			found TradingPort
			n     int
		)
		for k, port := range r.ports {
			if k.UserID == tc.UserID {
				found = port
				n++
			}
		}
		if n == 1 {
			return found, nil
		}
		if n > 1 {
			return nil, fmt.Errorf("%w: user %s has %d accounts, account id required", models.ErrNoBrokerAccount, tc.UserID, n)
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrNoBrokerAccount, tc)
}
