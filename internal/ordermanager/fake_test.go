package ordermanager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"perpguard/internal/gateway/exchange"

	"github.com/shopspring/decimal"
)

var (
	errTransient  = exchange.NewAPIError("fake", "place", exchange.CodeDisconnected, "internal error", 503)
	errValidation = exchange.NewAPIError("fake", "place", -2021, "Order would immediately trigger.", 400)
	errAuth       = exchange.NewAPIError("fake", "place", exchange.CodeRejectedMBXKey, "Invalid API-key", 401)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeConnector is a stateful in-memory exchange with failure injection.
type fakeConnector struct {
	*exchange.Base

	mu             sync.Mutex
	now            func() time.Time
	balance        decimal.Decimal
	mark           map[string]decimal.Decimal
	positions      map[string]exchange.Position
	orders         map[string][]exchange.Order
	nextID         int
	placeErrs      map[exchange.OrderKind][]error
	lostResponse   map[exchange.OrderKind]int
	openOrdersErr  map[string]error
	cancelErr      error
	fillOnPlace    bool
	placed         []exchange.OrderIntent
	attempts       map[exchange.OrderKind]int
	cancelled      []string
	cancelAllCalls int
	leverage       map[string]int

	blockSymbol string
	entered     chan struct{}
	block       chan struct{}
}

func newFakeConnector() *fakeConnector {
	f := &fakeConnector{
		now:           time.Now,
		balance:       d("1000"),
		mark:          map[string]decimal.Decimal{},
		positions:     map[string]exchange.Position{},
		orders:        map[string][]exchange.Order{},
		placeErrs:     map[exchange.OrderKind][]error{},
		lostResponse:  map[exchange.OrderKind]int{},
		openOrdersErr: map[string]error{},
		attempts:      map[exchange.OrderKind]int{},
		leverage:      map[string]int{},
	}
	filters := func(ctx context.Context) (map[string]exchange.SymbolFilters, error) {
		out := map[string]exchange.SymbolFilters{}
		for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
			out[sym] = exchange.SymbolFilters{
				Symbol: sym, TickSize: d("0.01"), StepSize: d("0.001"), MinQty: d("0.001"), MinNotional: d("5"),
			}
		}
		return out, nil
	}
	f.Base = exchange.NewBase(exchange.NewFilterCache(time.Hour, filters), f.Balance)
	return f
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) MarkPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.mark[sym]; ok {
		return p, nil
	}
	return d("100"), nil
}

func (f *fakeConnector) setPosition(sym string, amount, entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[sym] = exchange.Position{Symbol: sym, Amount: d(amount), EntryPrice: d(entry), PositionSide: exchange.PositionSideBoth}
}

func (f *fakeConnector) Position(ctx context.Context, sym string) (exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.positions[sym]; ok {
		return p, nil
	}
	return exchange.Position{Symbol: sym, PositionSide: exchange.PositionSideBoth}, nil
}

func (f *fakeConnector) NonZeroPositionSymbols(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for sym, p := range f.positions {
		if !p.IsFlat() {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeConnector) OpenOrders(ctx context.Context, sym string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openOrdersErr[sym]; err != nil {
		return nil, err
	}
	return append([]exchange.Order(nil), f.orders[sym]...), nil
}

func (f *fakeConnector) AllOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.Order
	for _, orders := range f.orders {
		out = append(out, orders...)
	}
	return out, nil
}

func (f *fakeConnector) CancelOrder(ctx context.Context, order exchange.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, order.OrderID)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	kept := f.orders[order.Symbol][:0]
	for _, o := range f.orders[order.Symbol] {
		if o.OrderID != order.OrderID {
			kept = append(kept, o)
		}
	}
	f.orders[order.Symbol] = kept
	return nil
}

func (f *fakeConnector) CancelAllOpenOrders(ctx context.Context, sym string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAllCalls++
	delete(f.orders, sym)
	return nil
}

func (f *fakeConnector) Balance(ctx context.Context, kind exchange.BalanceKind) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeConnector) SetLeverage(ctx context.Context, sym string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[sym] = leverage
	return nil
}

func (f *fakeConnector) SetMarginType(ctx context.Context, sym string, marginType exchange.MarginType) error {
	return nil
}

func (f *fakeConnector) PlaceLimitEntry(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	return f.place(intent, exchange.OrderTypeLimit)
}

func (f *fakeConnector) PlaceStopLoss(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	return f.place(intent, exchange.OrderTypeStopMarket)
}

func (f *fakeConnector) PlaceTakeProfit(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	return f.place(intent, exchange.OrderTypeTakeProfitMarket)
}

func (f *fakeConnector) PlaceTrailingStop(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, error) {
	return f.place(intent, exchange.OrderTypeTrailingStopMarket)
}

func (f *fakeConnector) place(intent exchange.OrderIntent, typ exchange.OrderType) (exchange.Order, error) {
	if f.block != nil && intent.Kind == exchange.KindEntry && intent.Symbol == f.blockSymbol {
		f.entered <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[intent.Kind]++
	if errs := f.placeErrs[intent.Kind]; len(errs) > 0 {
		f.placeErrs[intent.Kind] = errs[1:]
		return exchange.Order{}, errs[0]
	}
	f.nextID++
	order := exchange.Order{
		Symbol:          intent.Symbol,
		OrderID:         strconv.Itoa(f.nextID),
		ClientOrderID:   intent.ClientOrderID,
		Kind:            exchange.KindOf(typ),
		Type:            typ,
		Side:            intent.Side,
		Price:           intent.Price,
		StopPrice:       intent.StopPrice,
		ActivationPrice: intent.ActivationPrice,
		CallbackRate:    intent.CallbackRate,
		OrigQty:         intent.Quantity,
		ReduceOnly:      intent.ReduceOnly,
		Status:          "NEW",
		CreatedAt:       f.now(),
	}
	f.placed = append(f.placed, intent)
	if typ == exchange.OrderTypeLimit && f.fillOnPlace {
		amt := intent.Quantity
		if intent.Side == exchange.SideSell {
			amt = amt.Neg()
		}
		f.positions[intent.Symbol] = exchange.Position{Symbol: intent.Symbol, Amount: amt, EntryPrice: intent.Price, PositionSide: exchange.PositionSideBoth}
		order.Status = "FILLED"
	} else {
		f.orders[intent.Symbol] = append(f.orders[intent.Symbol], order)
	}
	if f.lostResponse[intent.Kind] > 0 {
		f.lostResponse[intent.Kind]--
		return exchange.Order{}, fmt.Errorf("read response: %w", errTransient)
	}
	return order, nil
}

func (f *fakeConnector) addOrder(sym string, typ exchange.OrderType, created time.Time) exchange.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := exchange.Order{
		Symbol: sym, OrderID: strconv.Itoa(f.nextID), Kind: exchange.KindOf(typ), Type: typ,
		Side: exchange.SideSell, OrigQty: d("1"), CreatedAt: created,
	}
	f.orders[sym] = append(f.orders[sym], o)
	return o
}

func (f *fakeConnector) openCount(sym string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders[sym])
}

func (f *fakeConnector) placedKinds() []exchange.OrderKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderKind, 0, len(f.placed))
	for _, p := range f.placed {
		out = append(out, p.Kind)
	}
	return out
}

// memPlans is an in-memory PlanStore.
type memPlans struct {
	mu    sync.Mutex
	plans map[string]ProtectionPlan
}

func newMemPlans() *memPlans { return &memPlans{plans: map[string]ProtectionPlan{}} }

func (p *memPlans) SavePlan(ctx context.Context, plan ProtectionPlan) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[plan.Symbol] = plan
	return nil
}

func (p *memPlans) LoadPlan(ctx context.Context, sym string) (ProtectionPlan, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[sym]
	return plan, ok, nil
}

func (p *memPlans) DeletePlan(ctx context.Context, sym string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.plans, sym)
	return nil
}

// eventLog collects reconcile events.
type eventLog struct {
	mu     sync.Mutex
	events []ReconcileEvent
}

func (l *eventLog) RecordEvent(ctx context.Context, ev ReconcileEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) actions() []ReconcileAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReconcileAction, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Action)
	}
	return out
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, dur time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, dur)
	return ctx.Err()
}
