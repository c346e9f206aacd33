package monitor

import (
	"grid-trading-engine/internal/models"
	"strings"
)

// MapBrokerStatus 把券商的订单状态映射为账本状态，兼容小写(new/filled...)和币安大写(NEW/FILLED...)两套写法。
// 未知状态返回 false，调用方应保持原状态不变。
func MapBrokerStatus(raw string) (models.OrderStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new", "accepted", "pending_new", "pending_cancel", "pending_replace", "accepted_for_bidding", "held":
		return models.StatusPending, true
	case "partially_filled":
		return models.StatusPartiallyFilled, true
	case "filled", "done_for_day":
		return models.StatusFilled, true
	case "canceled", "cancelled", "expired", "replaced", "stopped", "expired_in_match":
		return models.StatusCancelled, true
	case "rejected", "suspended":
		return models.StatusRejected, true
	default:
		return "", false
	}
}
