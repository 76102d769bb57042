// Package symbol 统一永续合约交易对写法："btc/usdt"、"BTC/USDT:USDT"、"BTCUSDT" 都视为同一合约。
package symbol

import "strings"

// Symbol 拆分后的交易对，Base/Quote 均为大写。
type Symbol struct {
	Base  string
	Quote string
}

// Internal 返回 "BASE/QUOTE"，未识别时为空串。
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

var quoteCurrencies = []string{"FDUSD", "USDT", "USDC", "BUSD", "BTC", "ETH", "BNB"}

func Parse(raw string) Symbol {
	s := stripSettlement(strings.ToUpper(strings.TrimSpace(raw)))
	if s == "" {
		return Symbol{}
	}
	if base, quote, ok := strings.Cut(s, "/"); ok {
		return Symbol{Base: strings.TrimSpace(base), Quote: strings.TrimSpace(quote)}
	}
	for _, quote := range quoteCurrencies {
		if base, ok := strings.CutSuffix(s, quote); ok && base != "" {
			return Symbol{Base: base, Quote: quote}
		}
	}
	return Symbol{}
}

func stripSettlement(s string) string {
	if before, _, ok := strings.Cut(s, ":"); ok {
		return before
	}
	return s
}

func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}

// NormalizeList 去重并统一为交易所格式。
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Binance.ToExchange(s)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}
