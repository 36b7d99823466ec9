package exchange

import (
	"context"
	"math"
	"testing"
	"time"

	"perp-trading-engine/internal/logging"
)

type stubMarket struct{}

func (stubMarket) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return nil, NewError(KindDataMissing, "stub")
}
func (stubMarket) FetchBalance(ctx context.Context) (map[string]Balance, error) { return nil, nil }
func (stubMarket) FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	return nil, nil
}
func (stubMarket) PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error) {
	return nil, nil
}
func (stubMarket) CancelOrder(ctx context.Context, id, symbol string) error       { return nil }
func (stubMarket) SetLeverage(ctx context.Context, symbol string, lev int) error  { return nil }
func (stubMarket) CurrentPrice(symbol string) (float64, bool)                     { return 0, false }

func newTestPaper(t *testing.T) (*Paper, *LiveCache) {
	t.Helper()
	live := NewLiveCache()
	p := NewPaper(stubMarket{}, live, &PaperConfig{StartBalance: 10000, TakerFee: 0.0005}, logging.Default())
	return p, live
}

func TestPaperRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, live := newTestPaper(t)

	live.SetTick(Tick{Symbol: "BTCUSDT", Price: 50000, ReceivedAt: time.Now()})
	if err := p.SetLeverage(ctx, "BTCUSDT", 20); err != nil {
		t.Fatal(err)
	}

	entry, err := p.PlaceOrder(ctx, "BTCUSDT", SideBuy, TypeMarket, 0.1, 0, OrderParams{})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Status != "FILLED" || entry.AvgFillPrice != 50000 {
		t.Fatalf("entry = %+v, want filled at 50000", entry)
	}

	positions, _ := p.FetchPositions(ctx, "BTCUSDT")
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	wantMargin := 50000 * 0.1 / 20.0
	if math.Abs(positions[0].IsolatedMargin-wantMargin) > 1e-9 {
		t.Fatalf("margin = %v, want %v", positions[0].IsolatedMargin, wantMargin)
	}

	// Close at a profit
	live.SetTick(Tick{Symbol: "BTCUSDT", Price: 51000, ReceivedAt: time.Now()})
	if _, err := p.PlaceOrder(ctx, "BTCUSDT", SideSell, TypeMarket, 0.1, 0, OrderParams{ReduceOnly: true}); err != nil {
		t.Fatalf("close: %v", err)
	}

	balances, _ := p.FetchBalance(ctx)
	usdt := balances["USDT"]
	entryFee := 50000 * 0.1 * 0.0005
	exitFee := 51000 * 0.1 * 0.0005
	wantTotal := 10000 + (51000-50000)*0.1 - entryFee - exitFee
	if math.Abs(usdt.Total-wantTotal) > 1e-6 {
		t.Fatalf("balance = %v, want %v", usdt.Total, wantTotal)
	}
	if usdt.Used != 0 {
		t.Fatalf("used margin = %v after close, want 0", usdt.Used)
	}
}

func TestPaperStopOrderRests(t *testing.T) {
	ctx := context.Background()
	p, live := newTestPaper(t)
	live.SetTick(Tick{Symbol: "BTCUSDT", Price: 50000, ReceivedAt: time.Now()})

	stop, err := p.PlaceOrder(ctx, "BTCUSDT", SideSell, TypeStopMarket, 0.1, 0, OrderParams{StopPrice: 49000, ReduceOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if stop.Status != "NEW" {
		t.Fatalf("stop status = %s, want NEW", stop.Status)
	}
	if err := p.CancelOrder(ctx, stop.ID, "BTCUSDT"); err != nil {
		t.Fatal(err)
	}
}

func TestPaperRefusesWithoutPrice(t *testing.T) {
	p, _ := newTestPaper(t)
	_, err := p.PlaceOrder(context.Background(), "BTCUSDT", SideBuy, TypeMarket, 0.1, 0, OrderParams{})
	if err == nil {
		t.Fatal("order filled without any price source")
	}
	if KindOf(err) != KindDataStale {
		t.Fatalf("kind = %s, want data_stale", KindOf(err))
	}
}
