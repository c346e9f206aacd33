package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了网格引擎的所有配置参数
type Config struct {
	LedgerDBPath string             `json:"ledger_db_path"` // 订单账本 SQLite 文件路径
	StateDir     string             `json:"state_dir"`      // 策略仓库 BadgerDB 目录
	Broker       BrokerConfig       `json:"broker"`         // 券商/交易所连接配置
	Accounts     []AccountConfig    `json:"accounts"`       // 每个用户的交易账户
	Grid         GridDefaults       `json:"grid"`           // 网格默认参数
	PriceMonitor PriceMonitorConfig `json:"price_monitor"`  // 网格价格监控
	FillMonitor  FillMonitorConfig  `json:"fill_monitor"`   // 订单成交监控
	Reactor      ReactorConfig      `json:"reactor"`        // 成交反应规则
	Realtime     RealtimeConfig     `json:"realtime"`       // 实时价格推送
	Scheduler    SchedulerConfig    `json:"scheduler"`      // 策略调度
	Notify       NotifyConfig       `json:"notify"`         // 通知推送
	LogConfig    LogConfig          `json:"log"`            // 日志配置
}

// BrokerConfig 定义了交易通道
type BrokerConfig struct {
	Name        string  `json:"name"`         // "binance" 或 "paper"
	IsTestnet   bool    `json:"is_testnet"`   // 是否使用测试网
	QuoteAsset  string  `json:"quote_asset"`  // 计价资产, e.g., "USDT"
	PaperCash   float64 `json:"paper_cash"`   // 模拟盘初始资金
	PaperQuotes bool    `json:"paper_quotes"` // 模拟盘是否使用交易所公开行情
}

// AccountConfig 将一个用户映射到一组API密钥（从环境变量读取）
type AccountConfig struct {
	UserID       string `json:"user_id"`
	AccountID    string `json:"account_id"`
	APIKeyEnv    string `json:"api_key_env"`
	SecretKeyEnv string `json:"secret_key_env"`
}

func (a AccountConfig) Context() TradingContext {
	return TradingContext{UserID: a.UserID, AccountID: a.AccountID}
}

// GridDefaults 网格的兜底参数
type GridDefaults struct {
	DefaultRangePercent float64 `json:"default_range_percent"` // 未配置区间时，以当前价上下浮动的比例
}

// PriceMonitorConfig 网格价格监控参数
type PriceMonitorConfig struct {
	IntervalSec          int `json:"interval_sec"`
	MaxOrdersPerCycle    int `json:"max_orders_per_cycle"`
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
	CooldownSec          int `json:"cooldown_sec"`
}

func (c PriceMonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c PriceMonitorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// FillMonitorConfig 订单成交监控参数
type FillMonitorConfig struct {
	IntervalSec    int `json:"interval_sec"`
	LookbackDays   int `json:"lookback_days"`   // 只轮询该窗口内创建的订单
	StaleThreshold int `json:"stale_threshold"` // 连续查不到多少次后判定为陈旧
	ListLimit      int `json:"list_limit"`      // 单次批量查询的订单数量
}

func (c FillMonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c FillMonitorConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

// ReactorConfig 决定现货网格成交后的补单方向
type ReactorConfig struct {
	SpotSellRearm   string `json:"spot_sell_rearm"`    // RearmSameLevel 或 RearmLevelBelow
	SpotBuyArmsSell bool   `json:"spot_buy_arms_sell"` // 买单成交后是否在上一格挂卖单
}

// 现货网格卖单成交后的补买位置
const (
	RearmSameLevel  = "same_level"
	RearmLevelBelow = "level_below"
)

// RealtimeConfig 实时价格推送参数
type RealtimeConfig struct {
	Enabled           bool   `json:"enabled"`
	WSURL             string `json:"ws_url"`
	PingIntervalSec   int    `json:"ping_interval_sec"`
	PongTimeoutSec    int    `json:"pong_timeout_sec"`
	ReconnectDelaySec int    `json:"reconnect_delay_sec"`
}

// SchedulerConfig 策略调度参数
type SchedulerConfig struct {
	GridIntervalSec   int `json:"grid_interval_sec"`
	DCAIntervalSec    int `json:"dca_interval_sec"`
	ReloadIntervalSec int `json:"reload_interval_sec"`
}

// NotifyConfig 通知推送参数
type NotifyConfig struct {
	ListenAddr string `json:"listen_addr"` // 为空则不启动 websocket 服务
	BufferSize int    `json:"buffer_size"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// TradingContext 标识一次操作所属的用户和账户
type TradingContext struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

func (c TradingContext) String() string {
	if c.AccountID == "" {
		return c.UserID
	}
	return fmt.Sprintf("%s/%s", c.UserID, c.AccountID)
}

// OrderRequest 提交到交易通道的下单请求
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	LimitPrice    float64
	ClientOrderID string
}

// OrderAck 下单回执
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string // 交易所原始状态
}

// BrokerOrder 交易所侧的订单快照
type BrokerOrder struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Status         string // 交易所原始状态
	Quantity       float64
	FilledQty      float64
	FilledAvgPrice float64
	UpdatedAt      time.Time
}

// OrderFilter 批量查询条件
type OrderFilter struct {
	Symbol   string
	OpenOnly bool
	Limit    int
}

// Position 定义了持仓信息
type Position struct {
	Symbol    string  `json:"symbol"`
	Asset     string  `json:"asset"`
	Qty       float64 `json:"qty"`
	Available float64 `json:"available"` // 未被挂单锁定的数量
}

// Account 定义了账户概况
type Account struct {
	Cash     float64            `json:"cash"`     // 可用计价资产
	Equity   float64            `json:"equity"`   // 以计价资产估算的总权益
	Balances map[string]float64 `json:"balances"` // 各资产总额
}

// Quote 最新报价。Available 为 false 时表示行情不可用
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
	Available bool
}

// Price 返回买一卖一的中间价，单边缺失时取另一边
func (q Quote) Price() float64 {
	switch {
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2
	case q.Ask > 0:
		return q.Ask
	default:
		return q.Bid
	}
}

// Bar 最新K线
type Bar struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	OpenTime  time.Time
	Available bool
}
