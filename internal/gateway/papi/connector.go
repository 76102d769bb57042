package papi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"perpguard/internal/gateway/binance"
	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"
	"perpguard/internal/pkg/quant"
	"perpguard/internal/pkg/symbol"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
)

const (
	quoteAsset       = "USDT"
	accountCacheTTL  = 2 * time.Second
	pathOrder        = "/papi/v1/um/order"
	pathConditional  = "/papi/v1/um/conditional/order"
	pathOpenOrders   = "/papi/v1/um/openOrders"
	pathCondOpen     = "/papi/v1/um/conditional/openOrders"
	pathCancelAll    = "/papi/v1/um/allOpenOrders"
	pathCondCancel   = "/papi/v1/um/conditional/allOpenOrders"
	pathAccount      = "/papi/v1/um/account"
	pathBalance      = "/papi/v1/balance"
	pathLeverage     = "/papi/v1/um/leverage"
	strategyIDPrefix = "cond:"
)

// Config 描述组合保证金账户连接参数。行情（exchangeInfo、标记价格）走 UM 公共接口。
type Config struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	MarketBaseURL  string
	RecvWindow     time.Duration
	HTTPTimeout    time.Duration
	FilterTTL      time.Duration
	ProxyEnabled   bool
	MarketProxyURL string
}

// Connector 是组合保证金账户的实现。杠杆按合约设置，保证金模式不适用（统一全仓抵押）。
type Connector struct {
	*exchange.Base
	client *Client
	market *binance.MarketData
	nowFn  func() time.Time

	accountMu sync.Mutex
	accountAt time.Time
	account   gjson.Result
}

var _ exchange.Connector = (*Connector)(nil)

func New(cfg Config) (*Connector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("papi: api key and secret are required")
	}
	market, err := binance.NewPublicMarketData(binance.Config{
		RESTBaseURL:  cfg.MarketBaseURL,
		HTTPTimeout:  cfg.HTTPTimeout,
		ProxyEnabled: cfg.ProxyEnabled,
		RESTProxyURL: cfg.MarketProxyURL,
	})
	if err != nil {
		return nil, err
	}
	client := NewClient(cfg.BaseURL, strings.TrimSpace(cfg.APIKey), strings.TrimSpace(cfg.APISecret), cfg.RecvWindow, cfg.HTTPTimeout)
	return newWithClients(cfg, client, market), nil
}

func newWithClients(cfg Config, client *Client, market *binance.MarketData) *Connector {
	c := &Connector{client: client, market: market, nowFn: time.Now}
	c.Base = exchange.NewBase(exchange.NewFilterCache(cfg.FilterTTL, market.FetchFilters), c.Balance)
	return c
}

func (c *Connector) Name() string { return "binance-papi" }

func (c *Connector) MarkPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	return c.market.MarkPrice(ctx, sym)
}

// accountSnapshot 返回 UM 账户快照，2 秒内复用，避免一次对账里重复请求。
func (c *Connector) accountSnapshot(ctx context.Context) (gjson.Result, error) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	if c.account.Exists() && c.nowFn().Sub(c.accountAt) < accountCacheTTL {
		return c.account, nil
	}
	raw, err := c.client.Do(ctx, "account", http.MethodGet, pathAccount, nil, SignQuery)
	if err != nil {
		return gjson.Result{}, err
	}
	c.account = gjson.ParseBytes(raw)
	c.accountAt = c.nowFn()
	return c.account, nil
}

func (c *Connector) invalidateAccount() {
	c.accountMu.Lock()
	c.account = gjson.Result{}
	c.accountMu.Unlock()
}

func (c *Connector) Position(ctx context.Context, sym string) (exchange.Position, error) {
	binanceSymbol := symbol.Binance.ToExchange(sym)
	acc, err := c.accountSnapshot(ctx)
	if err != nil {
		return exchange.Position{}, err
	}
	pos := exchange.Position{Symbol: binanceSymbol, PositionSide: exchange.PositionSideBoth}
	acc.Get("positions").ForEach(func(_, p gjson.Result) bool {
		if !strings.EqualFold(p.Get("symbol").String(), binanceSymbol) {
			return true
		}
		amt := exchange.ParseFilterValue(p.Get("positionAmt").String())
		if amt.IsZero() {
			return true
		}
		pos.Amount = pos.Amount.Add(amt)
		pos.EntryPrice = exchange.ParseFilterValue(p.Get("entryPrice").String())
		if side := p.Get("positionSide").String(); side != "" {
			pos.PositionSide = exchange.PositionSide(side)
		}
		return true
	})
	return pos, nil
}

func (c *Connector) NonZeroPositionSymbols(ctx context.Context) ([]string, error) {
	acc, err := c.accountSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	acc.Get("positions").ForEach(func(_, p gjson.Result) bool {
		if exchange.ParseFilterValue(p.Get("positionAmt").String()).IsZero() {
			return true
		}
		sym := p.Get("symbol").String()
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
		return true
	})
	sort.Strings(out)
	return out, nil
}

// OpenOrders 合并普通挂单与条件单两个列表。
func (c *Connector) OpenOrders(ctx context.Context, sym string) ([]exchange.Order, error) {
	return c.listOpen(ctx, map[string]string{"symbol": symbol.Binance.ToExchange(sym)})
}

func (c *Connector) AllOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	return c.listOpen(ctx, nil)
}

func (c *Connector) listOpen(ctx context.Context, params map[string]string) ([]exchange.Order, error) {
	raw, err := c.client.Do(ctx, "open orders", http.MethodGet, pathOpenOrders, params, SignQuery)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Order, 0)
	gjson.ParseBytes(raw).ForEach(func(_, o gjson.Result) bool {
		out = append(out, parseOrder(o))
		return true
	})
	condRaw, err := c.client.Do(ctx, "conditional open orders", http.MethodGet, pathCondOpen, params, SignQuery)
	if err != nil {
		return nil, err
	}
	gjson.ParseBytes(condRaw).ForEach(func(_, o gjson.Result) bool {
		out = append(out, parseConditional(o))
		return true
	})
	return out, nil
}

// CancelOrder 按订单族撤单；-2011（订单不存在）视为已撤。
func (c *Connector) CancelOrder(ctx context.Context, order exchange.Order) error {
	params := map[string]string{"symbol": symbol.Binance.ToExchange(order.Symbol)}
	path := pathOrder
	if order.Conditional {
		path = pathConditional
		params["strategyId"] = strings.TrimPrefix(order.OrderID, strategyIDPrefix)
	} else {
		params["orderId"] = order.OrderID
	}
	_, err := c.client.Do(ctx, "cancel order", http.MethodDelete, path, params, SignQuery)
	if exchange.HasCode(err, exchange.CodeUnknownOrder) {
		logger.Debugf("papi: cancel order %s %s already gone", order.Symbol, order.OrderID)
		return nil
	}
	return err
}

// CancelAllOpenOrders 同时清空普通挂单与条件单，两个请求都会发出。
func (c *Connector) CancelAllOpenOrders(ctx context.Context, sym string) error {
	params := map[string]string{"symbol": symbol.Binance.ToExchange(sym)}
	var errs error
	if _, err := c.client.Do(ctx, "cancel all open orders", http.MethodDelete, pathCancelAll, params, SignQuery); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.client.Do(ctx, "cancel all conditional orders", http.MethodDelete, pathCondCancel, params, SignQuery); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (c *Connector) SetLeverage(ctx context.Context, sym string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	_, err := c.client.Do(ctx, "change leverage", http.MethodPost, pathLeverage, map[string]string{
		"symbol":   symbol.Binance.ToExchange(sym),
		"leverage": fmt.Sprintf("%d", leverage),
	}, SignQuery)
	return err
}

// SetMarginType 在组合保证金下没有意义，直接返回。
func (c *Connector) SetMarginType(ctx context.Context, sym string, marginType exchange.MarginType) error {
	if marginType != "" {
		logger.Debugf("papi: margin type %s ignored for %s (portfolio margin)", marginType, sym)
	}
	return nil
}

func (c *Connector) PlaceLimitEntry(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	tif := intent.TimeInForce
	if tif == "" {
		tif = exchange.TimeInForceGTC
	}
	params := baseOrderParams(intent)
	params["type"] = string(exchange.OrderTypeLimit)
	params["timeInForce"] = string(tif)
	params["price"] = quant.Format(intent.Price)
	params["newClientOrderId"] = intent.ClientOrderID
	raw, err := c.client.Do(ctx, "place entry", http.MethodPost, pathOrder, params, SignQuery)
	if err != nil {
		return exchange.Order{}, err
	}
	c.invalidateAccount()
	order := parseOrder(gjson.ParseBytes(raw))
	order.Kind = exchange.KindEntry
	return order, nil
}

func (c *Connector) PlaceStopLoss(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	params := conditionalParams(intent, exchange.OrderTypeStopMarket)
	params["stopPrice"] = quant.Format(intent.StopPrice)
	return c.placeConditional(ctx, "place stop", intent, params)
}

func (c *Connector) PlaceTakeProfit(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	params := conditionalParams(intent, exchange.OrderTypeTakeProfitMarket)
	params["stopPrice"] = quant.Format(intent.StopPrice)
	return c.placeConditional(ctx, "place take profit", intent, params)
}

func (c *Connector) PlaceTrailingStop(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	params := conditionalParams(intent, exchange.OrderTypeTrailingStopMarket)
	params["callbackRate"] = quant.FormatCallbackRate(intent.CallbackRate)
	if intent.ActivationPrice.Sign() > 0 {
		params["activationPrice"] = quant.Format(intent.ActivationPrice)
	}
	return c.placeConditional(ctx, "place trailing stop", intent, params)
}

func (c *Connector) placeConditional(ctx context.Context, op string, intent exchange.OrderIntent, params map[string]string) (exchange.Order, error) {
	raw, err := c.client.Do(ctx, op, http.MethodPost, pathConditional, params, SignBody)
	if err != nil {
		return exchange.Order{}, err
	}
	order := parseConditional(gjson.ParseBytes(raw))
	order.Kind = intent.Kind
	return order, nil
}

func baseOrderParams(intent exchange.OrderIntent) map[string]string {
	positionSide := intent.PositionSide
	if positionSide == "" {
		positionSide = exchange.PositionSideBoth
	}
	return map[string]string{
		"symbol":       symbol.Binance.ToExchange(intent.Symbol),
		"side":         string(intent.Side),
		"positionSide": string(positionSide),
		"quantity":     quant.Format(intent.Quantity),
	}
}

func conditionalParams(intent exchange.OrderIntent, strategyType exchange.OrderType) map[string]string {
	params := baseOrderParams(intent)
	workingType := intent.WorkingType
	if workingType == "" {
		workingType = exchange.WorkingTypeMarkPrice
	}
	params["strategyType"] = string(strategyType)
	params["workingType"] = string(workingType)
	params["priceProtect"] = "false"
	params["reduceOnly"] = "false"
	if intent.ReduceOnly && params["positionSide"] == string(exchange.PositionSideBoth) {
		params["reduceOnly"] = "true"
	}
	params["newClientStrategyId"] = intent.ClientOrderID
	return params
}

func parseOrder(o gjson.Result) exchange.Order {
	t := exchange.OrderType(firstString(o, "type", "orderType", "strategyType"))
	return exchange.Order{
		Symbol:        o.Get("symbol").String(),
		OrderID:       o.Get("orderId").String(),
		ClientOrderID: o.Get("clientOrderId").String(),
		Kind:          exchange.KindOf(t),
		Type:          t,
		Side:          exchange.Side(o.Get("side").String()),
		PositionSide:  exchange.PositionSide(o.Get("positionSide").String()),
		Status:        o.Get("status").String(),
		Price:         exchange.ParseFilterValue(o.Get("price").String()),
		StopPrice:     exchange.ParseFilterValue(o.Get("stopPrice").String()),
		OrigQty:       exchange.ParseFilterValue(o.Get("origQty").String()),
		ExecutedQty:   exchange.ParseFilterValue(o.Get("executedQty").String()),
		ReduceOnly:    o.Get("reduceOnly").Bool(),
		CreatedAt: exchange.FirstTimestamp(o.Get("time").Int(), o.Get("transactTime").Int(),
			o.Get("updateTime").Int(), o.Get("workingTime").Int()),
	}
}

// parseConditional 解析条件单；OrderID 带 "cond:" 前缀，与普通订单号区分。
func parseConditional(o gjson.Result) exchange.Order {
	t := exchange.OrderType(firstString(o, "strategyType", "type", "orderType"))
	return exchange.Order{
		Symbol:          o.Get("symbol").String(),
		OrderID:         strategyIDPrefix + o.Get("strategyId").String(),
		ClientOrderID:   o.Get("newClientStrategyId").String(),
		Kind:            exchange.KindOf(t),
		Type:            t,
		Side:            exchange.Side(o.Get("side").String()),
		PositionSide:    exchange.PositionSide(o.Get("positionSide").String()),
		Status:          o.Get("strategyStatus").String(),
		Price:           exchange.ParseFilterValue(o.Get("price").String()),
		StopPrice:       exchange.ParseFilterValue(o.Get("stopPrice").String()),
		ActivationPrice: exchange.ParseFilterValue(o.Get("activatePrice").String()),
		CallbackRate:    exchange.ParseFilterValue(o.Get("priceRate").String()),
		OrigQty:         exchange.ParseFilterValue(o.Get("origQty").String()),
		ReduceOnly:      o.Get("reduceOnly").Bool(),
		Conditional:     true,
		CreatedAt:       exchange.FirstTimestamp(o.Get("bookTime").Int(), o.Get("updateTime").Int()),
	}
}

func firstString(o gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(o.Get(k).String()); v != "" {
			return v
		}
	}
	return ""
}
