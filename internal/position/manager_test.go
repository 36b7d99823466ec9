package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/marketdata"
	"perp-trading-engine/internal/risk"
	"perp-trading-engine/internal/signal"
	"perp-trading-engine/internal/store"
)

// ==================== FAKES ====================

type fakePort struct {
	mu        sync.Mutex
	price     float64
	orders    []placedOrder
	nextID    int
	failStops bool
	leverage  int
}

type placedOrder struct {
	Symbol     string
	Side       exchange.OrderSide
	Type       exchange.OrderType
	Qty        float64
	StopPrice  float64
	ReduceOnly bool
}

func (p *fakePort) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return nil, errors.New("no candles")
}

func (p *fakePort) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{"USDT": {Currency: "USDT", Total: 10000, Free: 10000}}, nil
}

func (p *fakePort) FetchPositions(ctx context.Context, symbol string) ([]exchange.ExchangePosition, error) {
	return nil, nil
}

func (p *fakePort) PlaceOrder(ctx context.Context, symbol string, side exchange.OrderSide, typ exchange.OrderType, qty, price float64, params exchange.OrderParams) (*exchange.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if typ == exchange.TypeStopMarket && p.failStops {
		return nil, errors.New("stop rejected")
	}
	p.nextID++
	p.orders = append(p.orders, placedOrder{
		Symbol: symbol, Side: side, Type: typ, Qty: qty,
		StopPrice: params.StopPrice, ReduceOnly: params.ReduceOnly,
	})
	return &exchange.Order{
		ID:           fmt.Sprintf("order-%d", p.nextID),
		Symbol:       symbol,
		Side:         side,
		Type:         typ,
		Quantity:     qty,
		AvgFillPrice: p.price,
		ExecutedQty:  qty,
		Status:       "FILLED",
	}, nil
}

func (p *fakePort) CancelOrder(ctx context.Context, id, symbol string) error { return nil }

func (p *fakePort) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage = leverage
	return nil
}

func (p *fakePort) CurrentPrice(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, true
}

func (p *fakePort) setPrice(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = v
}

func (p *fakePort) placed() []placedOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]placedOrder, len(p.orders))
	copy(out, p.orders)
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	positions map[string]*store.Position
	trades    map[string]*store.Trade
	updates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions: make(map[string]*store.Position),
		trades:    make(map[string]*store.Trade),
	}
}

func (f *fakeStore) AddPosition(ctx context.Context, p *store.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.positions[p.ID] = &cp
	return nil
}

func (f *fakeStore) UpdatePosition(ctx context.Context, p *store.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.positions[p.ID] = &cp
	f.updates++
	return nil
}

func (f *fakeStore) ClosePosition(ctx context.Context, id string, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	if !ok || p.Status != store.PositionOpen {
		return errors.New("not open")
	}
	p.Status = store.PositionClosed
	p.ClosedAt = &closedAt
	return nil
}

func (f *fakeStore) ListOpenPositions(ctx context.Context, symbol string) ([]*store.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Position
	for _, p := range f.positions {
		if p.Status == store.PositionOpen && (symbol == "" || p.Symbol == symbol) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) AddTrade(ctx context.Context, t *store.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.trades[t.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateTrade(ctx context.Context, t *store.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.trades[t.ID] = &cp
	return nil
}

// ==================== HELPERS ====================

func testParams() *config.SymbolParams {
	return &config.SymbolParams{
		Symbol:             "BTCUSDT",
		PricePrecision:     2,
		QuantityPrecision:  3,
		LotSize:            0.001,
		Leverage:           20,
		MaxPositions:       2,
		FallbackStopPct:    0.01,
		FallbackTargetPct:  0.02,
		TrailingActivation: 0.01,
		TrailingDistance:   0.005,
		ATRPeriod:          14,
		MinStopDistance:    0.005,
		MaxStopDistance:    0.05,
	}
}

type fixture struct {
	manager *Manager
	port    *fakePort
	db      *fakeStore
	kelly   *risk.KellyTracker
	alerts  []string
}

func newFixture(t *testing.T, params *config.SymbolParams) *fixture {
	t.Helper()
	f := &fixture{
		port:  &fakePort{price: 100},
		db:    newFakeStore(),
		kelly: risk.NewKellyTracker(),
	}
	logger := logging.New(&logging.Config{Level: "ERROR", Output: "stdout"})
	market := marketdata.New(marketdata.DefaultConfig(), f.port, exchange.NewLiveCache(), logger)
	exCfg := &config.ExchangeConfig{TakerFee: 0.0005, MakerFee: 0.0002}
	engCfg := &config.EngineConfig{ATRReevalInterval: 30 * time.Minute}
	riskCfg := &config.RiskConfig{MaxLossPerPosition: 0.8}
	notify := func(priority, message string) {
		f.alerts = append(f.alerts, priority+": "+message)
	}
	f.manager = NewManager(exCfg, engCfg, riskCfg,
		map[string]*config.SymbolParams{params.Symbol: params},
		f.port, market, f.db, f.kelly, notify, logger)
	return f
}

func longSignal(symbol string) *signal.Signal {
	return &signal.Signal{
		Symbol:     symbol,
		Direction:  signal.DirectionLong,
		Score:      0.6,
		Confidence: 80,
		RegimeParams: signal.RegimeParams{
			PositionSizeMultiplier: 1.0,
			StopMultiplier:         1.0,
			TargetMultiplier:       1.0,
		},
		ShouldTrade: true,
	}
}

// inject registers a position directly, bypassing Open
func (f *fixture) inject(pos *store.Position, trade *store.Trade) {
	f.db.AddPosition(context.Background(), pos)
	if trade != nil {
		f.db.AddTrade(context.Background(), trade)
	}
	f.manager.mu.Lock()
	f.manager.positions[pos.ID] = pos
	if trade != nil {
		f.manager.trades[pos.ID] = trade
	}
	f.manager.lastATREval[pos.ID] = time.Now().UTC()
	f.manager.mu.Unlock()
}

func openLong(entry, qty, stop float64, tps []store.TakeProfitLevel) (*store.Position, *store.Trade) {
	pos := &store.Position{
		ID:          uuid.NewString(),
		Symbol:      "BTCUSDT",
		Side:        "long",
		Quantity:    qty,
		EntryPrice:  entry,
		Leverage:    20,
		StopLoss:    stop,
		TakeProfits: tps,
		StopOrderID: "stop-1",
		Status:      store.PositionOpen,
		OpenedAt:    time.Now().UTC().Add(-time.Hour),
	}
	trade := &store.Trade{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   qty,
		EntryPrice: entry,
		EntryFee:   entry * qty * 0.0005,
		Status:     store.PositionOpen,
		OpenedAt:   pos.OpenedAt,
	}
	pos.TradeID = trade.ID
	return pos, trade
}

// ==================== TESTS ====================

func TestOpenPosition(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	pos, err := f.manager.Open(ctx, longSignal("BTCUSDT"), 500)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// notional = 500*20*(1-0.001) = 9990 -> qty floor(99.90)/1000 = 99.9 -> 0.0999... at price 100
	// 9990/100 = 99.9 -> lot 0.001 floor -> 99.9
	if math.Abs(pos.Quantity-99.9) > 1e-9 {
		t.Errorf("quantity = %v, want 99.9", pos.Quantity)
	}
	if pos.EntryPrice != 100 || pos.Side != "long" {
		t.Errorf("entry = %v side = %s", pos.EntryPrice, pos.Side)
	}
	// Fallback stop: 1% below entry
	if math.Abs(pos.StopLoss-99) > 1e-9 {
		t.Errorf("stop = %v, want 99", pos.StopLoss)
	}
	if len(pos.TakeProfits) != 2 {
		t.Fatalf("take profits = %d, want 2", len(pos.TakeProfits))
	}
	if math.Abs(pos.TakeProfits[0].Price-101) > 1e-9 || math.Abs(pos.TakeProfits[1].Price-102) > 1e-9 {
		t.Errorf("tp prices = %v / %v, want 101 / 102", pos.TakeProfits[0].Price, pos.TakeProfits[1].Price)
	}

	orders := f.port.placed()
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want entry + stop", len(orders))
	}
	if orders[0].Type != exchange.TypeMarket || orders[0].Side != exchange.SideBuy {
		t.Errorf("entry order = %+v", orders[0])
	}
	if orders[1].Type != exchange.TypeStopMarket || !orders[1].ReduceOnly {
		t.Errorf("stop order = %+v", orders[1])
	}
	if f.port.leverage != 20 {
		t.Errorf("leverage = %d, want 20", f.port.leverage)
	}
	if pos.StopOrderID == "" {
		t.Error("stop order id not recorded")
	}
	if _, ok := f.db.positions[pos.ID]; !ok {
		t.Error("position not persisted")
	}
	if _, ok := f.db.trades[pos.TradeID]; !ok {
		t.Error("trade not persisted")
	}
}

func TestOpenStopFailureRetriedOnManage(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	f.port.failStops = true

	pos, err := f.manager.Open(ctx, longSignal("BTCUSDT"), 500)
	if err != nil {
		t.Fatalf("open must survive stop failure: %v", err)
	}
	if pos.StopOrderID != "" {
		t.Fatal("stop id set despite failure")
	}

	f.port.failStops = false
	f.manager.Manage(ctx, "BTCUSDT")

	f.manager.mu.RLock()
	tracked := f.manager.positions[pos.ID]
	pending := f.manager.pendingStop[pos.ID]
	f.manager.mu.RUnlock()
	if pending {
		t.Error("pending flag not cleared after retry")
	}
	if tracked.StopOrderID == "" {
		t.Error("stop not placed on retry")
	}
}

func TestTrailingLifecycle(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	pos, trade := openLong(100, 1.0, 99, nil)
	f.inject(pos, trade)

	// Below activation: nothing happens
	f.port.setPrice(100.5)
	f.manager.Manage(ctx, "BTCUSDT")
	if pos.TrailingActive {
		t.Fatal("trailing active below threshold")
	}

	// Exactly at activation (1%): closed boundary activates
	f.port.setPrice(101)
	f.manager.Manage(ctx, "BTCUSDT")
	if !pos.TrailingActive {
		t.Fatal("trailing not active at exact activation")
	}
	firstStop := pos.TrailingStop
	if math.Abs(firstStop-101*0.995) > 0.02 {
		t.Errorf("trailing stop = %v, want about %v", firstStop, 101*0.995)
	}

	// Price advances: stop follows up
	f.port.setPrice(102)
	f.manager.Manage(ctx, "BTCUSDT")
	if pos.TrailingStop <= firstStop {
		t.Errorf("stop did not advance: %v -> %v", firstStop, pos.TrailingStop)
	}
	peak := pos.TrailingStop

	// Price retraces but stays above the stop: never loosens
	f.port.setPrice(101.8)
	f.manager.Manage(ctx, "BTCUSDT")
	if pos.TrailingStop != peak {
		t.Errorf("stop loosened: %v -> %v", peak, pos.TrailingStop)
	}

	// Price crosses the trailing stop: closed with positive pnl
	f.port.setPrice(peak - 0.05)
	f.manager.Manage(ctx, "BTCUSDT")

	if len(f.manager.OpenPositions("BTCUSDT")) != 0 {
		t.Fatal("position still open after trailing hit")
	}
	closed := f.db.trades[trade.ID]
	if closed.Reason != store.ReasonTrailingStop {
		t.Errorf("reason = %s, want trailing_stop", closed.Reason)
	}
	if closed.Pnl <= 0 {
		t.Errorf("pnl = %v, want positive", closed.Pnl)
	}
}

func TestStopLossHit(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	pos, trade := openLong(100, 1.0, 99, nil)
	f.inject(pos, trade)

	f.port.setPrice(98.9)
	f.manager.Manage(ctx, "BTCUSDT")

	if len(f.manager.OpenPositions("BTCUSDT")) != 0 {
		t.Fatal("position still open after stop hit")
	}
	if got := f.db.trades[trade.ID].Reason; got != store.ReasonStopLoss {
		t.Errorf("reason = %s, want stop_loss", got)
	}
	if f.db.positions[pos.ID].Status != store.PositionClosed {
		t.Error("position not closed in store")
	}
}

func TestEarlyStopGuard(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	// Stop far away so only the early guard can fire
	pos, trade := openLong(100, 1.0, 95, nil)
	f.inject(pos, trade)

	// -0.8% is past the -0.7% early threshold (fallback 1% x 0.7)
	f.port.setPrice(99.2)
	f.manager.Manage(ctx, "BTCUSDT")

	if got := f.db.trades[trade.ID].Reason; got != store.ReasonEarlyStop {
		t.Errorf("reason = %s, want early_stop", got)
	}
}

func TestPartialTakeProfits(t *testing.T) {
	params := testParams()
	params.TrailingActivation = 0.05 // keep trailing out of the way
	f := newFixture(t, params)
	ctx := context.Background()

	pos, trade := openLong(100, 1.0, 99, []store.TakeProfitLevel{
		{Price: 101, SizeFraction: 0.3},
		{Price: 102, SizeFraction: 0.3},
	})
	f.inject(pos, trade)

	f.port.setPrice(101.5)
	f.manager.Manage(ctx, "BTCUSDT")

	if !pos.TakeProfits[0].Executed {
		t.Fatal("first level not executed")
	}
	if pos.TakeProfits[1].Executed {
		t.Fatal("second level executed early")
	}
	if math.Abs(pos.Quantity-0.7) > 1e-9 {
		t.Errorf("remaining = %v, want 0.7", pos.Quantity)
	}

	orders := f.port.placed()
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want reducing order + resized stop", len(orders))
	}
	if !orders[0].ReduceOnly || orders[0].Side != exchange.SideSell || math.Abs(orders[0].Qty-0.3) > 1e-9 {
		t.Errorf("reducing order = %+v", orders[0])
	}
	if orders[1].Type != exchange.TypeStopMarket || math.Abs(orders[1].Qty-0.7) > 1e-9 {
		t.Errorf("resized stop = %+v, want STOP_MARKET for 0.7", orders[1])
	}

	// Re-running at the same price does not refill the level
	f.manager.Manage(ctx, "BTCUSDT")
	if len(f.port.placed()) != 2 {
		t.Error("take-profit executed twice")
	}

	// Second level sizes off the entry quantity, not the reduced remainder
	f.port.setPrice(102.5)
	f.manager.Manage(ctx, "BTCUSDT")

	if !pos.TakeProfits[1].Executed {
		t.Fatal("second level not executed")
	}
	if math.Abs(pos.Quantity-0.4) > 1e-9 {
		t.Errorf("remaining = %v, want 0.4", pos.Quantity)
	}
	orders = f.port.placed()
	if len(orders) != 4 {
		t.Fatalf("orders = %d, want two fills and two stop resizes", len(orders))
	}
	if math.Abs(orders[2].Qty-0.3) > 1e-9 {
		t.Errorf("second level qty = %v, want 0.3 of entry", orders[2].Qty)
	}
	if orders[3].Type != exchange.TypeStopMarket || math.Abs(orders[3].Qty-0.4) > 1e-9 {
		t.Errorf("final stop = %+v, want STOP_MARKET for 0.4", orders[3])
	}
}

func TestManageNoMovementIsNoOp(t *testing.T) {
	params := testParams()
	params.TrailingActivation = 0.05
	f := newFixture(t, params)
	ctx := context.Background()

	pos, trade := openLong(100, 1.0, 99, []store.TakeProfitLevel{{Price: 102, SizeFraction: 0.3}})
	f.inject(pos, trade)
	f.port.setPrice(100)

	f.manager.Manage(ctx, "BTCUSDT")

	if len(f.port.placed()) != 0 {
		t.Errorf("orders placed on flat market: %d", len(f.port.placed()))
	}
	if f.db.updates != 0 {
		t.Errorf("store updates on flat market: %d", f.db.updates)
	}
	if len(f.manager.OpenPositions("BTCUSDT")) != 1 {
		t.Error("position count changed")
	}
}

func TestManualCloseSettlesLedgerAndKelly(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	pos, trade := openLong(100, 0.2, 99, nil)
	f.inject(pos, trade)

	f.port.setPrice(102)
	if err := f.manager.Close(ctx, pos.ID, store.ReasonManual); err != nil {
		t.Fatalf("close: %v", err)
	}

	closed := f.db.trades[trade.ID]
	if closed.Status != store.PositionClosed || closed.ClosedAt == nil {
		t.Fatal("trade not settled")
	}
	// gross 2*0.2=0.4, entry fee 0.01, exit fee 102*0.2*0.0005=0.0102
	wantPnl := 0.4 - 0.01 - 0.0102
	if math.Abs(closed.Pnl-wantPnl) > 1e-9 {
		t.Errorf("pnl = %v, want %v", closed.Pnl, wantPnl)
	}
	// margin = 100*0.2/20 = 1.0
	if math.Abs(closed.PnlPct-wantPnl) > 1e-9 {
		t.Errorf("pnl pct = %v, want %v", closed.PnlPct, wantPnl)
	}

	_, _, _, trades := f.kelly.Stats("BTCUSDT")
	if trades != 1 {
		t.Errorf("kelly trades = %d, want 1", trades)
	}
}

func TestCloseAllEmergency(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()
	pos1, trade1 := openLong(100, 0.2, 99, nil)
	pos2, trade2 := openLong(100, 0.1, 99, nil)
	f.inject(pos1, trade1)
	f.inject(pos2, trade2)

	closed := f.manager.CloseAll(ctx, "BTCUSDT", store.ReasonEmergency)
	if closed != 2 {
		t.Fatalf("closed = %d, want 2", closed)
	}
	if len(f.manager.OpenPositions("BTCUSDT")) != 0 {
		t.Error("positions remain after emergency close")
	}

	emergencyAlerts := 0
	for _, a := range f.alerts {
		if len(a) >= 9 && a[:9] == "emergency" {
			emergencyAlerts++
		}
	}
	if emergencyAlerts != 2 {
		t.Errorf("emergency alerts = %d, want 2", emergencyAlerts)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, testParams())
	ctx := context.Background()

	// In DB only: should be imported
	dbOnly, _ := openLong(100, 0.2, 99, nil)
	f.db.AddPosition(ctx, dbOnly)

	// In memory only: should be dropped
	memOnly, trade := openLong(100, 0.1, 99, nil)
	f.manager.mu.Lock()
	f.manager.positions[memOnly.ID] = memOnly
	f.manager.trades[memOnly.ID] = trade
	f.manager.mu.Unlock()

	if err := f.manager.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	open := f.manager.OpenPositions("BTCUSDT")
	if len(open) != 1 {
		t.Fatalf("open = %d, want 1", len(open))
	}
	if open[0].ID != dbOnly.ID {
		t.Errorf("wrong position survived: %s", open[0].ID)
	}
}
