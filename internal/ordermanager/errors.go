package ordermanager

import (
	"errors"

	"perpguard/internal/gateway/exchange"
)

var (
	// ErrSymbolBusy 表示同一合约上已有下单或对账在进行，属于正常结果。
	ErrSymbolBusy       = errors.New("symbol busy")
	ErrSlippageExceeded = errors.New("slippage exceeded")
	ErrAccountHalted    = errors.New("account halted")
	ErrInvalidRequest   = errors.New("invalid managed trade request")

	ErrBelowMinimumSize = exchange.ErrBelowMinimumSize
	ErrInvalidOrderSize = exchange.ErrInvalidOrderSize
)

// retryable 判断一次步骤失败是否值得重试：只有瞬时错误才重试。
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrSymbolBusy),
		errors.Is(err, ErrSlippageExceeded),
		errors.Is(err, ErrAccountHalted),
		errors.Is(err, ErrInvalidRequest):
		return false
	}
	return exchange.IsRetryable(err)
}
