package binance

import (
	"context"
	"fmt"
	"strings"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

// MarketData 封装 UM 合约的公共行情接口（exchangeInfo、标记价格），
// 组合保证金连接器同样复用它。
type MarketData struct {
	client *futures.Client
}

func NewMarketData(client *futures.Client) *MarketData {
	return &MarketData{client: client}
}

// NewPublicMarketData 构建不带密钥的行情客户端。
func NewPublicMarketData(cfg Config) (*MarketData, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient, err := newHTTPClient(final)
	if err != nil {
		return nil, err
	}
	client.HTTPClient = httpClient
	return NewMarketData(client), nil
}

// FetchFilters 拉取全部合约并解析 PRICE_FILTER / LOT_SIZE / MIN_NOTIONAL。
func (m *MarketData) FetchFilters(ctx context.Context) (map[string]exchange.SymbolFilters, error) {
	info, err := m.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapError("exchange info", err)
	}
	out := make(map[string]exchange.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		name := strings.ToUpper(strings.TrimSpace(s.Symbol))
		if name == "" {
			continue
		}
		f := ParseSymbolFilters(s.Filters)
		f.Symbol = name
		out[name] = f
	}
	return out, nil
}

// ParseSymbolFilters 解析 exchangeInfo 中的 filters 数组。
func ParseSymbolFilters(filters []map[string]interface{}) exchange.SymbolFilters {
	var f exchange.SymbolFilters
	for _, raw := range filters {
		switch stringField(raw, "filterType") {
		case "PRICE_FILTER":
			f.TickSize = exchange.ParseFilterValue(stringField(raw, "tickSize"))
		case "LOT_SIZE":
			f.StepSize = exchange.ParseFilterValue(stringField(raw, "stepSize"))
			f.MinQty = exchange.ParseFilterValue(stringField(raw, "minQty"))
		case "MIN_NOTIONAL":
			v := stringField(raw, "notional")
			if v == "" {
				v = stringField(raw, "minNotional")
			}
			f.MinNotional = exchange.ParseFilterValue(v)
		}
	}
	return f
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return decimal.NewFromFloat(v).String()
	default:
		return ""
	}
}

func (m *MarketData) MarkPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	binanceSymbol := symbol.Binance.ToExchange(sym)
	if binanceSymbol == "" {
		return decimal.Zero, fmt.Errorf("invalid symbol: %s", sym)
	}
	res, err := m.client.NewPremiumIndexService().Symbol(binanceSymbol).Do(ctx)
	if err != nil {
		return decimal.Zero, wrapError("mark price", err)
	}
	for _, entry := range res {
		if entry == nil || !strings.EqualFold(entry.Symbol, binanceSymbol) {
			continue
		}
		return parseMarkPrice(entry.MarkPrice, binanceSymbol)
	}
	if len(res) > 0 && res[0] != nil {
		return parseMarkPrice(res[0].MarkPrice, binanceSymbol)
	}
	return decimal.Zero, fmt.Errorf("%w: mark price for %s", exchange.ErrSymbolNotFound, binanceSymbol)
}

func parseMarkPrice(raw, sym string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("mark price unavailable for %s: %q", sym, raw)
	}
	return d, nil
}
