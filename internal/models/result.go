package models

import "fmt"

// Action 执行结果的动作
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionHold  Action = "hold"
	ActionError Action = "error"
)

// ActionFor 将交易方向转换为结果动作
func ActionFor(side Side) Action {
	if side == Sell {
		return ActionSell
	}
	return ActionBuy
}

// TradeResult 是所有执行器和监控器共享的结果结构
type TradeResult struct {
	Action   Action  `json:"action"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity,omitempty"`
	Price    float64 `json:"price,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
	Reason   string  `json:"reason"`
}

func Hold(symbol, format string, args ...any) TradeResult {
	return TradeResult{Action: ActionHold, Symbol: symbol, Reason: fmt.Sprintf(format, args...)}
}

func Failed(symbol string, err error) TradeResult {
	return TradeResult{Action: ActionError, Symbol: symbol, Reason: err.Error()}
}
