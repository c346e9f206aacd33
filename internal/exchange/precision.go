package exchange

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
)

// adjustToStep 向下取整到交易所步长
func adjustToStep(value float64, step string) decimal.Decimal {
	v := decimal.NewFromFloat(value)
	s, err := decimal.NewFromString(step)
	if err != nil || s.Sign() <= 0 {
		return v
	}
	return v.Div(s).Floor().Mul(s)
}

// formatDecimal 去掉多余的0，币安拒绝超出精度的尾数
func formatDecimal(d decimal.Decimal) string {
	str := d.String()
	if strings.Contains(str, ".") {
		str = strings.TrimRight(str, "0")
		str = strings.TrimSuffix(str, ".")
	}
	return str
}

func parseFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

// avgPrice 用成交额/成交量计算均价
func avgPrice(quoteQty, executedQty string) float64 {
	q, err1 := decimal.NewFromString(quoteQty)
	e, err2 := decimal.NewFromString(executedQty)
	if err1 != nil || err2 != nil || e.IsZero() {
		return 0
	}
	return q.Div(e).InexactFloat64()
}

const maxClientOrderIDLen = 36

// ClientOrderID 由账本行ID生成交易所可接受的客户端订单号（字母数字，不超过36位）
func ClientOrderID(prefix, id string) string {
	var raw []byte
	if u, err := uuid.Parse(id); err == nil {
		raw = u[:]
	} else {
		raw = []byte(id)
	}
	out := prefix + base62.EncodeToString(raw)
	if len(out) > maxClientOrderIDLen {
		out = out[:maxClientOrderIDLen]
	}
	return out
}
