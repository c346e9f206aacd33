package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration 网格参数无效（区间、层数、模式）
	ErrConfiguration = errors.New("configuration error")
	// ErrOrderNotFound 交易所查不到该订单
	ErrOrderNotFound = errors.New("order not found at broker")
	// ErrNoBrokerAccount 用户没有注册交易通道
	ErrNoBrokerAccount = errors.New("no brokerage account registered")
)

// BrokerAPIError 交易通道返回的错误，调用方应视为可重试
type BrokerAPIError struct {
	Op      string `json:"op"`
	Code    int64  `json:"code"`
	Message string `json:"msg"`
	Err     error  `json:"-"`
}

// Error 方法使得 BrokerAPIError 实现了 error 接口
func (e *BrokerAPIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker %s failed: code=%d, msg=%s", e.Op, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("broker %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("broker %s failed: %s", e.Op, e.Message)
}

func (e *BrokerAPIError) Unwrap() error {
	return e.Err
}

// 币安 -1006/-1007：后端超时，订单状态未知
var unknownStatusCodes = map[int64]bool{-1006: true, -1007: true}

// Rejected 交易所带错误码明确拒绝了请求，订单一定没有生效
func (e *BrokerAPIError) Rejected() bool {
	return e.Code != 0 && !unknownStatusCodes[e.Code]
}

// IsRejection 超时、断线等没有错误码的失败无法确定订单是否已被接受，返回 false
func IsRejection(err error) bool {
	var apiErr *BrokerAPIError
	return errors.As(err, &apiErr) && apiErr.Rejected()
}
