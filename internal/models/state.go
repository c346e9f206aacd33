package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus 账本中的订单生命周期状态
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// IsOpen 表示订单仍在交易所挂着
func (s OrderStatus) IsOpen() bool {
	return s == StatusPending || s == StatusPartiallyFilled
}

// IsTerminal 终态不再被修改（清理陈旧订单除外）
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// GridOrder 是账本中的一行：一个交易所订单对应一个网格层级
type GridOrder struct {
	ID             string      `json:"id"`
	StrategyID     string      `json:"strategy_id"`
	UserID         string      `json:"user_id"`
	AccountID      string      `json:"account_id"`
	Symbol         string      `json:"symbol"`
	GridLevel      int         `json:"grid_level"` // 网格价格序列中的下标
	Side           Side        `json:"side"`
	ClientOrderID  string      `json:"client_order_id"`
	BrokerOrderID  string      `json:"broker_order_id,omitempty"` // 提交成功前为空
	OrderType      OrderType   `json:"order_type"`
	LimitPrice     float64     `json:"limit_price"`
	Quantity       float64     `json:"quantity"`
	Status         OrderStatus `json:"status"`
	FilledQty      float64     `json:"filled_qty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
	CheckCount     int         `json:"check_count"` // 连续在交易所查不到的次数
	IsStale        bool        `json:"is_stale"`
	LastCheckedAt  *time.Time  `json:"last_checked_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsActive 挂单中且未被判定为陈旧
func (o *GridOrder) IsActive() bool {
	return !o.IsStale && o.Status.IsOpen()
}

// Key 返回该订单占用的 (层级, 方向)
func (o *GridOrder) Key() LevelKey {
	return LevelKey{Level: o.GridLevel, Side: o.Side}
}

// Context 返回订单所属的交易上下文
func (o *GridOrder) Context() TradingContext {
	return TradingContext{UserID: o.UserID, AccountID: o.AccountID}
}

// ExecutedQty 已成交数量，交易所未回报成交量时退回到下单数量
func (o *GridOrder) ExecutedQty() float64 {
	if o.FilledQty > 0 {
		return o.FilledQty
	}
	return o.Quantity
}

// ExecutedPrice 成交均价，缺失时退回到限价
func (o *GridOrder) ExecutedPrice() float64 {
	if o.FilledAvgPrice > 0 {
		return o.FilledAvgPrice
	}
	return o.LimitPrice
}

// LevelKey 账本唯一约束的自然键
type LevelKey struct {
	Level int
	Side  Side
}

// GridLevelState 实时监控路径下每个层级的持仓状态
type GridLevelState struct {
	StrategyID       string    `json:"strategy_id"`
	GridLevel        int       `json:"grid_level"`
	HasPosition      bool      `json:"has_position"`
	PositionQuantity float64   `json:"position_quantity"`
	LastBuyPrice     float64   `json:"last_buy_price"`
	LastSellPrice    float64   `json:"last_sell_price"`
	UpdatedAt        time.Time `json:"updated_at"`
}
