package binance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"
	"perpguard/internal/pkg/quant"
	"perpguard/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const quoteAsset = "USDT"

// Connector 是经典保证金账户的实现：所有订单走 /fapi/v1/order，用 type 区分，
// 签名覆盖完整的 query 串（由 go-binance 处理）。
type Connector struct {
	*exchange.Base
	cfg    Config
	client *futures.Client
	market *MarketData
}

var _ exchange.Connector = (*Connector)(nil)

func New(cfg Config) (*Connector, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.APISecret == "" {
		return nil, fmt.Errorf("binance: api key and secret are required")
	}
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient, err := newHTTPClient(final)
	if err != nil {
		return nil, err
	}
	client.HTTPClient = httpClient
	return newWithClient(final, client), nil
}

func newWithClient(cfg Config, client *futures.Client) *Connector {
	c := &Connector{cfg: cfg, client: client, market: NewMarketData(client)}
	c.Base = exchange.NewBase(exchange.NewFilterCache(cfg.FilterTTL, c.market.FetchFilters), c.Balance)
	return c
}

func (c *Connector) Name() string { return "binance-classic" }

func (c *Connector) recvWindow() futures.RequestOption {
	return futures.WithRecvWindow(c.cfg.RecvWindow.Milliseconds())
}

func (c *Connector) MarkPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	return c.market.MarkPrice(ctx, sym)
}

// Position 汇总单向持仓模式下该合约的净持仓。
func (c *Connector) Position(ctx context.Context, sym string) (exchange.Position, error) {
	binanceSymbol := symbol.Binance.ToExchange(sym)
	risks, err := c.client.NewGetPositionRiskService().Symbol(binanceSymbol).Do(ctx, c.recvWindow())
	if err != nil {
		return exchange.Position{}, wrapError("position risk", err)
	}
	pos := exchange.Position{Symbol: binanceSymbol, PositionSide: exchange.PositionSideBoth}
	for _, r := range risks {
		if r == nil || !strings.EqualFold(r.Symbol, binanceSymbol) {
			continue
		}
		amt := exchange.ParseFilterValue(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		pos.Amount = pos.Amount.Add(amt)
		pos.EntryPrice = exchange.ParseFilterValue(r.EntryPrice)
		pos.MarkPrice = exchange.ParseFilterValue(r.MarkPrice)
		if r.PositionSide != "" {
			pos.PositionSide = exchange.PositionSide(r.PositionSide)
		}
	}
	return pos, nil
}

func (c *Connector) NonZeroPositionSymbols(ctx context.Context) ([]string, error) {
	risks, err := c.client.NewGetPositionRiskService().Do(ctx, c.recvWindow())
	if err != nil {
		return nil, wrapError("position risk", err)
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, r := range risks {
		if r == nil || exchange.ParseFilterValue(r.PositionAmt).IsZero() {
			continue
		}
		if _, ok := seen[r.Symbol]; ok {
			continue
		}
		seen[r.Symbol] = struct{}{}
		out = append(out, r.Symbol)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Connector) OpenOrders(ctx context.Context, sym string) ([]exchange.Order, error) {
	orders, err := c.client.NewListOpenOrdersService().Symbol(symbol.Binance.ToExchange(sym)).Do(ctx, c.recvWindow())
	if err != nil {
		return nil, wrapError("open orders", err)
	}
	return convertOrders(orders), nil
}

func (c *Connector) AllOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	orders, err := c.client.NewListOpenOrdersService().Do(ctx, c.recvWindow())
	if err != nil {
		return nil, wrapError("open orders", err)
	}
	return convertOrders(orders), nil
}

// CancelOrder 撤销单笔订单；交易所已不存在该订单（-2011）时视为成功。
func (c *Connector) CancelOrder(ctx context.Context, order exchange.Order) error {
	id, err := strconv.ParseInt(strings.TrimSpace(order.OrderID), 10, 64)
	if err != nil {
		return exchange.NewAPIError(venue, "cancel order", 0, "invalid order id "+order.OrderID, 400)
	}
	_, err = c.client.NewCancelOrderService().
		Symbol(symbol.Binance.ToExchange(order.Symbol)).
		OrderID(id).
		Do(ctx, c.recvWindow())
	if err != nil {
		wrapped := wrapError("cancel order", err)
		if exchange.HasCode(wrapped, exchange.CodeUnknownOrder) {
			logger.Debugf("binance: cancel order %s %s already gone", order.Symbol, order.OrderID)
			return nil
		}
		return wrapped
	}
	return nil
}

func (c *Connector) CancelAllOpenOrders(ctx context.Context, sym string) error {
	err := c.client.NewCancelAllOpenOrdersService().Symbol(symbol.Binance.ToExchange(sym)).Do(ctx, c.recvWindow())
	return wrapError("cancel all open orders", err)
}

// Balance 读取 USDT 资产；首选字段为空时依次回落 walletBalance、marginBalance。
func (c *Connector) Balance(ctx context.Context, kind exchange.BalanceKind) (decimal.Decimal, error) {
	acc, err := c.client.NewGetAccountService().Do(ctx, c.recvWindow())
	if err != nil {
		return decimal.Zero, wrapError("account", err)
	}
	for _, asset := range acc.Assets {
		if asset == nil || !strings.EqualFold(asset.Asset, quoteAsset) {
			continue
		}
		candidates := []struct{ field, value string }{
			{"availableBalance", asset.AvailableBalance},
			{"walletBalance", asset.WalletBalance},
			{"marginBalance", asset.MarginBalance},
		}
		switch kind {
		case exchange.BalanceWallet:
			candidates = candidates[1:]
		case exchange.BalanceCollateral:
			candidates = candidates[2:]
		}
		for _, cand := range candidates {
			if strings.TrimSpace(cand.value) == "" {
				continue
			}
			v, err := decimal.NewFromString(cand.value)
			if err != nil {
				continue
			}
			logger.Debugf("binance: balance kind=%s source=%s value=%s", kind, cand.field, v)
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("binance: %s asset not found in account", quoteAsset)
}

func (c *Connector) SetLeverage(ctx context.Context, sym string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	_, err := c.client.NewChangeLeverageService().
		Symbol(symbol.Binance.ToExchange(sym)).
		Leverage(leverage).
		Do(ctx, c.recvWindow())
	return wrapError("change leverage", err)
}

// SetMarginType 切换逐仓/全仓；已是目标模式时交易所返回 -4046，视为成功。
func (c *Connector) SetMarginType(ctx context.Context, sym string, marginType exchange.MarginType) error {
	if marginType == "" {
		return nil
	}
	err := c.client.NewChangeMarginTypeService().
		Symbol(symbol.Binance.ToExchange(sym)).
		MarginType(futures.MarginType(marginType)).
		Do(ctx, c.recvWindow())
	if err == nil {
		return nil
	}
	wrapped := wrapError("change margin type", err)
	if exchange.HasCode(wrapped, exchange.CodeNoNeedChangeMargin) || strings.Contains(err.Error(), "No need to change margin type") {
		return nil
	}
	return wrapped
}

func (c *Connector) PlaceLimitEntry(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	tif := intent.TimeInForce
	if tif == "" {
		tif = exchange.TimeInForceGTC
	}
	svc := c.newOrder(intent, futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceType(tif)).
		Price(quant.Format(intent.Price))
	return c.submit(ctx, "place entry", intent, svc)
}

func (c *Connector) PlaceStopLoss(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	svc := c.newOrder(intent, futures.OrderTypeStopMarket).
		StopPrice(quant.Format(intent.StopPrice))
	return c.submit(ctx, "place stop", intent, c.withTrigger(svc, intent))
}

func (c *Connector) PlaceTakeProfit(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	svc := c.newOrder(intent, futures.OrderTypeTakeProfitMarket).
		StopPrice(quant.Format(intent.StopPrice))
	return c.submit(ctx, "place take profit", intent, c.withTrigger(svc, intent))
}

func (c *Connector) PlaceTrailingStop(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	svc := c.newOrder(intent, futures.OrderTypeTrailingStopMarket).
		CallbackRate(quant.FormatCallbackRate(intent.CallbackRate))
	if intent.ActivationPrice.Sign() > 0 {
		svc = svc.ActivationPrice(quant.Format(intent.ActivationPrice))
	}
	return c.submit(ctx, "place trailing stop", intent, c.withTrigger(svc, intent))
}

func (c *Connector) newOrder(intent exchange.OrderIntent, orderType futures.OrderType) *futures.CreateOrderService {
	positionSide := intent.PositionSide
	if positionSide == "" {
		positionSide = exchange.PositionSideBoth
	}
	svc := c.client.NewCreateOrderService().
		Symbol(symbol.Binance.ToExchange(intent.Symbol)).
		Side(futures.SideType(intent.Side)).
		PositionSide(futures.PositionSideType(positionSide)).
		Type(orderType).
		Quantity(quant.Format(intent.Quantity))
	if intent.ClientOrderID != "" {
		svc = svc.NewClientOrderID(intent.ClientOrderID)
	}
	return svc
}

func (c *Connector) withTrigger(svc *futures.CreateOrderService, intent exchange.OrderIntent) *futures.CreateOrderService {
	workingType := intent.WorkingType
	if workingType == "" {
		workingType = exchange.WorkingTypeMarkPrice
	}
	svc = svc.WorkingType(futures.WorkingType(workingType))
	// reduceOnly is rejected in hedge mode
	if intent.ReduceOnly && (intent.PositionSide == "" || intent.PositionSide == exchange.PositionSideBoth) {
		svc = svc.ReduceOnly(true)
	}
	return svc
}

func (c *Connector) submit(ctx context.Context, op string, intent exchange.OrderIntent, svc *futures.CreateOrderService) (exchange.Order, error) {
	res, err := svc.Do(ctx, c.recvWindow())
	if err != nil {
		return exchange.Order{}, wrapError(op, err)
	}
	order := convertCreateResponse(res)
	order.Kind = intent.Kind
	return order, nil
}
