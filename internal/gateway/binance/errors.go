package binance

import (
	"errors"
	"fmt"

	"perpguard/internal/gateway/exchange"

	"github.com/adshao/go-binance/v2/common"
)

// wrapError 把 SDK 返回的 *common.APIError 转为带分类的 exchange.APIError；
// 其余错误（网络、超时、解码）保留原错误链，按瞬时错误处理。
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return exchange.NewAPIError(venue, op, apiErr.Code, apiErr.Message, 0)
	}
	return fmt.Errorf("%s %s: %w", venue, op, err)
}
