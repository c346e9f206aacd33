package exchange

import (
	"context"
	"errors"
	"fmt"
	"grid-trading-engine/internal/models"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安错误码：订单不存在
const codeOrderNotFound = -2013

// LiveExchange 使用币安现货接口实现 TradingPort
type LiveExchange struct {
	client     *binance.Client
	quoteAsset string
	logger     *zap.Logger

	mu      sync.RWMutex
	symbols map[string]binance.Symbol // 交易规则缓存
}

// NewLiveExchange 创建一个新的 LiveExchange 实例
func NewLiveExchange(apiKey, secretKey, quoteAsset string, testnet bool, logger *zap.Logger) *LiveExchange {
	binance.UseTestnet = testnet
	return &LiveExchange{
		client:     binance.NewClient(apiKey, secretKey),
		quoteAsset: quoteAsset,
		logger:     logger,
		symbols:    make(map[string]binance.Symbol),
	}
}

// loadSymbols 一次性拉取全部交易对规则
func (e *LiveExchange) loadSymbols(ctx context.Context) error {
	e.mu.RLock()
	loaded := len(e.symbols) > 0
	e.mu.RUnlock()
	if loaded {
		return nil
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return wrapAPIError("exchange_info", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		e.symbols[s.Symbol] = s
	}
	e.logger.Info("已加载交易对规则", zap.Int("count", len(e.symbols)))
	return nil
}

func (e *LiveExchange) symbolInfo(ctx context.Context, symbol string) (binance.Symbol, error) {
	if err := e.loadSymbols(ctx); err != nil {
		return binance.Symbol{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.symbols[symbol]
	if !ok {
		return binance.Symbol{}, fmt.Errorf("%w: unknown symbol %s", models.ErrConfiguration, symbol)
	}
	return s, nil
}

// SubmitOrder 下单，数量和价格按交易规则向下取整
func (e *LiveExchange) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.OrderAck, error) {
	info, err := e.symbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Quantity)
	if lot := info.LotSizeFilter(); lot != nil {
		qty = adjustToStep(req.Quantity, lot.StepSize)
	}
	if qty.Sign() <= 0 {
		return nil, &models.BrokerAPIError{Op: "submit_order", Code: -1013, Message: fmt.Sprintf("quantity %v rounds to zero for %s", req.Quantity, req.Symbol)}
	}

	side := binance.SideTypeBuy
	if req.Side == models.Sell {
		side = binance.SideTypeSell
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(formatDecimal(qty))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	if req.Type == models.Limit {
		price := decimal.NewFromFloat(req.LimitPrice)
		if pf := info.PriceFilter(); pf != nil {
			price = adjustToStep(req.LimitPrice, pf.TickSize)
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatDecimal(price))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err))
		return nil, wrapAPIError("submit_order", err)
	}

	return &models.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        string(resp.Status),
	}, nil
}

// GetOrder 查询单个订单
func (e *LiveExchange) GetOrder(ctx context.Context, symbol, orderID string) (*models.BrokerOrder, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid order id %q", models.ErrOrderNotFound, orderID)
	}
	order, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, wrapAPIError("get_order", err)
	}
	bo := toBrokerOrder(order)
	return &bo, nil
}

// ListOrders 批量查询订单。未指定交易对时只能查询全部挂单
func (e *LiveExchange) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.BrokerOrder, error) {
	var (
		orders []*binance.Order
		err    error
	)
	switch {
	case filter.Symbol == "" || filter.OpenOnly:
		svc := e.client.NewListOpenOrdersService()
		if filter.Symbol != "" {
			svc = svc.Symbol(filter.Symbol)
		}
		orders, err = svc.Do(ctx)
	default:
		svc := e.client.NewListOrdersService().Symbol(filter.Symbol)
		if filter.Limit > 0 {
			svc = svc.Limit(filter.Limit)
		}
		orders, err = svc.Do(ctx)
	}
	if err != nil {
		return nil, wrapAPIError("list_orders", err)
	}

	out := make([]models.BrokerOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, toBrokerOrder(o))
	}
	return out, nil
}

// GetPositions 将现货余额映射为各交易对的持仓
func (e *LiveExchange) GetPositions(ctx context.Context) ([]models.Position, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapAPIError("get_positions", err)
	}
	if err := e.loadSymbols(ctx); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var positions []models.Position
	for _, b := range account.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free+locked <= 0 || b.Asset == e.quoteAsset {
			continue
		}
		for _, s := range e.symbols {
			if s.BaseAsset != b.Asset || s.QuoteAsset != e.quoteAsset {
				continue
			}
			positions = append(positions, models.Position{
				Symbol:    s.Symbol,
				Asset:     b.Asset,
				Qty:       free + locked,
				Available: free,
			})
		}
	}
	return positions, nil
}

// GetAccount 获取账户概况，权益只统计计价资产
func (e *LiveExchange) GetAccount(ctx context.Context) (*models.Account, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapAPIError("get_account", err)
	}
	acc := &models.Account{Balances: make(map[string]float64)}
	for _, b := range account.Balances {
		free := parseFloat(b.Free)
		total := free + parseFloat(b.Locked)
		if total <= 0 {
			continue
		}
		acc.Balances[b.Asset] = total
		if b.Asset == e.quoteAsset {
			acc.Cash = free
			acc.Equity = total
		}
	}
	return acc, nil
}

func toBrokerOrder(o *binance.Order) models.BrokerOrder {
	side := models.Buy
	if o.Side == binance.SideTypeSell {
		side = models.Sell
	}
	return models.BrokerOrder{
		OrderID:        strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           side,
		Status:         string(o.Status),
		Quantity:       parseFloat(o.OrigQuantity),
		FilledQty:      parseFloat(o.ExecutedQuantity),
		FilledAvgPrice: avgPrice(o.CummulativeQuoteQuantity, o.ExecutedQuantity),
		UpdatedAt:      time.UnixMilli(o.UpdateTime),
	}
}

// wrapAPIError 将币安错误转换为 BrokerAPIError，订单不存在单独映射
func wrapAPIError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeOrderNotFound {
			return fmt.Errorf("%s: %w", op, models.ErrOrderNotFound)
		}
		return &models.BrokerAPIError{Op: op, Code: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &models.BrokerAPIError{Op: op, Err: err}
}
