package gateway

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound 表示交易所明确回答“查无此单”（Binance code -2013）。
// 查询路径上是确定性结论，撤单路径上视为幂等成功。
var ErrOrderNotFound = errors.New("order not found")

// TransientError 包裹可重试失败：网络超时、限频、5xx。
// 有界重试循环据此决定重试还是放弃，错误分类是数据而不是控制流。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient gateway error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transientf 构造可重试错误。
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// RejectedError 交易所确认的业务拒绝（非法价格/数量等），重试无意义。
type RejectedError struct {
	Code int
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: code=%d msg=%s", e.Code, e.Msg)
}

// IsTransient 判断是否值得原地重试。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound 判断是否为确定性的“订单不存在”。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsRejected 判断是否为交易所业务拒绝。
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
