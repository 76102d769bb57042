package papi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type balanceSource struct {
	name  string
	value func(row gjson.Result) (decimal.Decimal, bool)
}

func fieldSource(field string) balanceSource {
	return balanceSource{name: field, value: func(row gjson.Result) (decimal.Decimal, bool) {
		return decimalField(row, field)
	}}
}

// equitySource: totalWalletBalance（或 UM+CM 钱包）加上双边未实现盈亏。
var equitySource = balanceSource{name: "wallet+unrealized", value: func(row gjson.Result) (decimal.Decimal, bool) {
	wallet, ok := walletTotal(row)
	if !ok {
		return decimal.Zero, false
	}
	um, _ := decimalField(row, "umUnrealizedPNL")
	cm, _ := decimalField(row, "cmUnrealizedPNL")
	return wallet.Add(um).Add(cm), true
}}

var walletSource = balanceSource{name: "wallet", value: walletTotal}

func walletTotal(row gjson.Result) (decimal.Decimal, bool) {
	if total, ok := decimalField(row, "totalWalletBalance"); ok {
		return total, true
	}
	um, okUM := decimalField(row, "umWalletBalance")
	cm, okCM := decimalField(row, "cmWalletBalance")
	if !okUM && !okCM {
		return decimal.Zero, false
	}
	return um.Add(cm), true
}

func balanceChain(kind exchange.BalanceKind) []balanceSource {
	switch kind {
	case exchange.BalanceWallet:
		return []balanceSource{walletSource, equitySource}
	case exchange.BalanceCollateral:
		return []balanceSource{equitySource}
	default:
		return []balanceSource{fieldSource("availableBalance"), fieldSource("withdrawAvailable"), equitySource}
	}
}

// Balance 从 /papi/v1/balance 的 USDT 行按优先级取值：available → withdrawable → 钱包+未实现盈亏，
// 并记录实际采用的字段。
func (c *Connector) Balance(ctx context.Context, kind exchange.BalanceKind) (decimal.Decimal, error) {
	raw, err := c.client.Do(ctx, "balance", http.MethodGet, pathBalance, nil, SignQuery)
	if err != nil {
		return decimal.Zero, err
	}
	row, ok := findAssetRow(gjson.ParseBytes(raw), quoteAsset)
	if !ok {
		return decimal.Zero, fmt.Errorf("papi: %s row not found in balance: %w", quoteAsset, exchange.ErrMisconfigured)
	}
	for _, src := range balanceChain(kind) {
		if v, ok := src.value(row); ok {
			logger.Infof("papi: balance kind=%s source=%s value=%s", kind, src.name, v)
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("papi: no usable balance field for kind=%s: %w", kind, exchange.ErrMisconfigured)
}

func findAssetRow(parsed gjson.Result, asset string) (gjson.Result, bool) {
	if !parsed.IsArray() {
		if strings.EqualFold(parsed.Get("asset").String(), asset) {
			return parsed, true
		}
		return gjson.Result{}, false
	}
	var found gjson.Result
	ok := false
	parsed.ForEach(func(_, row gjson.Result) bool {
		if strings.EqualFold(row.Get("asset").String(), asset) {
			found, ok = row, true
			return false
		}
		return true
	})
	return found, ok
}

func decimalField(row gjson.Result, field string) (decimal.Decimal, bool) {
	v := row.Get(field)
	if !v.Exists() || strings.TrimSpace(v.String()) == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v.String()))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
