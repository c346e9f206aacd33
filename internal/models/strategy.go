package models

import (
	"strconv"
	"time"
)

// StrategyType 策略类型
type StrategyType string

const (
	SpotGrid    StrategyType = "spot_grid"
	ReverseGrid StrategyType = "reverse_grid"
	DCA         StrategyType = "dca"
)

// IsGrid 网格类策略共享账本与网格监控
func (t StrategyType) IsGrid() bool {
	return t == SpotGrid || t == ReverseGrid
}

// GridMode 网格间距模式
type GridMode string

const (
	Arithmetic GridMode = "arithmetic"
	Geometric  GridMode = "geometric"
)

// MonitorMode 网格由轮询监控还是实时监控驱动，二者互斥
type MonitorMode string

const (
	ModePoll     MonitorMode = "poll"
	ModeRealtime MonitorMode = "realtime"
)

// StrategyConfig 由用户层写入，核心只读
type StrategyConfig struct {
	Symbol           string   `json:"symbol"`
	PriceRangeLower  float64  `json:"price_range_lower"`
	PriceRangeUpper  float64  `json:"price_range_upper"`
	NumberOfGrids    int      `json:"number_of_grids"`
	AllocatedCapital float64  `json:"allocated_capital"`
	GridMode         GridMode `json:"grid_mode"`
	OrderNotional    float64  `json:"order_notional,omitempty"` // DCA 每次买入金额
}

// Strategy 策略记录
type Strategy struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	AccountID     string         `json:"account_id"`
	Name          string         `json:"name"`
	Type          StrategyType   `json:"type"`
	IsActive      bool           `json:"is_active"`
	MonitorMode   MonitorMode    `json:"monitor_mode"`
	Configuration StrategyConfig `json:"configuration"`
	Telemetry     Telemetry      `json:"telemetry_data"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Context 返回策略所属的交易上下文
func (s *Strategy) Context() TradingContext {
	return TradingContext{UserID: s.UserID, AccountID: s.AccountID}
}

// Realtime 是否由实时监控驱动
func (s *Strategy) Realtime() bool {
	return s.MonitorMode == ModeRealtime
}

// Telemetry 键
const (
	TelemetryInitialBuySubmitted   = "initial_buy_order_submitted"
	TelemetryInitialBuyFilled      = "initial_buy_filled"
	TelemetryInitialBuyOrderID     = "initial_buy_order_id"
	TelemetryInitialBuyClientID    = "initial_buy_client_order_id"
	TelemetryInitialBuyCheckCount  = "initial_buy_check_count"
	TelemetryInitialBuyQuantity    = "initial_buy_quantity"
	TelemetryInitialBuyFilledPrice = "initial_buy_filled_price"
	TelemetryInitialBuyFilledAt    = "initial_buy_filled_at"
	TelemetryDerivedRangeLower     = "derived_range_lower"
	TelemetryDerivedRangeUpper     = "derived_range_upper"
	TelemetryLastError             = "last_error"
	TelemetryDCAOrderCount         = "dca_order_count"
	TelemetryLastDCAAt             = "last_dca_at"

	// 旧版本写入的首单订单号键，只读
	TelemetryLegacyInitialBuyOrderID = "initial_buy_alpaca_order_id"
)

// Telemetry 策略上的自由格式字段，是“首单已成交”的唯一跨进程信号
type Telemetry map[string]any

func (t Telemetry) Bool(key string) bool {
	switch v := t[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (t Telemetry) Float(key string) float64 {
	switch v := t[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func (t Telemetry) String(key string) string {
	switch v := t[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

func (t Telemetry) InitialBuySubmitted() bool  { return t.Bool(TelemetryInitialBuySubmitted) }
func (t Telemetry) InitialBuyFilled() bool     { return t.Bool(TelemetryInitialBuyFilled) }
func (t Telemetry) InitialBuyClientID() string { return t.String(TelemetryInitialBuyClientID) }

// InitialBuyOrderID 首单的交易所订单号，兼容旧键
func (t Telemetry) InitialBuyOrderID() string {
	if id := t.String(TelemetryInitialBuyOrderID); id != "" {
		return id
	}
	return t.String(TelemetryLegacyInitialBuyOrderID)
}

// Clone 浅拷贝，避免调用方共享同一个 map
func (t Telemetry) Clone() Telemetry {
	c := make(Telemetry, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}
