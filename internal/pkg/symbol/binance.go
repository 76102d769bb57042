package symbol

import "strings"

type binanceFormat struct{}

// ToExchange 转成币安合约代码（"BTCUSDT"）。
func (binanceFormat) ToExchange(raw string) string {
	s := stripSettlement(strings.ToUpper(strings.TrimSpace(raw)))
	return strings.ReplaceAll(s, "/", "")
}

var Binance binanceFormat
