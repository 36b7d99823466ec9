package marketdata

import (
	"context"
	"testing"
	"time"

	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
)

type fakePort struct {
	fetches int
	candles []exchange.Candle
	err     error
}

func (f *fakePort) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	f.fetches++
	return f.candles, f.err
}
func (f *fakePort) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return nil, nil
}
func (f *fakePort) FetchPositions(ctx context.Context, symbol string) ([]exchange.ExchangePosition, error) {
	return nil, nil
}
func (f *fakePort) PlaceOrder(ctx context.Context, symbol string, side exchange.OrderSide, typ exchange.OrderType, qty, price float64, params exchange.OrderParams) (*exchange.Order, error) {
	return nil, nil
}
func (f *fakePort) CancelOrder(ctx context.Context, id, symbol string) error      { return nil }
func (f *fakePort) SetLeverage(ctx context.Context, symbol string, lev int) error { return nil }
func (f *fakePort) CurrentPrice(symbol string) (float64, bool)                    { return 0, false }

func makeCandles(n int, start time.Time, step time.Duration) []exchange.Candle {
	out := make([]exchange.Candle, n)
	for i := range out {
		out[i] = exchange.Candle{
			OpenTime: start.Add(time.Duration(i) * step),
			Open:     100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		}
	}
	return out
}

func newService(port exchange.Port) *Service {
	return New(DefaultConfig(), port, exchange.NewLiveCache(), logging.Default())
}

func TestOHLCVCacheHit(t *testing.T) {
	port := &fakePort{candles: makeCandles(300, time.Now().Add(-300*time.Hour).Truncate(time.Hour), time.Hour)}
	s := newService(port)
	ctx := context.Background()

	if _, err := s.OHLCV(ctx, "BTCUSDT", "1h", 300); err != nil {
		t.Fatal(err)
	}
	if _, err := s.OHLCV(ctx, "BTCUSDT", "1h", 300); err != nil {
		t.Fatal(err)
	}
	if port.fetches != 1 {
		t.Fatalf("fetches = %d, want 1 (second call served from cache)", port.fetches)
	}
}

func TestOHLCVGapForcesRefetch(t *testing.T) {
	candles := makeCandles(300, time.Now().Add(-300*time.Hour).Truncate(time.Hour), time.Hour)
	// Punch a gap into the series
	candles[150].OpenTime = candles[150].OpenTime.Add(2 * time.Hour)
	port := &fakePort{candles: candles}
	s := newService(port)
	ctx := context.Background()

	s.OHLCV(ctx, "BTCUSDT", "1h", 300)
	s.OHLCV(ctx, "BTCUSDT", "1h", 300)
	if port.fetches != 2 {
		t.Fatalf("fetches = %d, want 2 (gap invalidates cache)", port.fetches)
	}
}

func TestHasSufficientData(t *testing.T) {
	port := &fakePort{candles: makeCandles(150, time.Now().Add(-150*time.Hour).Truncate(time.Hour), time.Hour)}
	s := newService(port)

	ok, err := s.HasSufficientData(context.Background(), "BTCUSDT", "1h")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("150 candles reported sufficient, floor is %d", MinCandlesForAnalysis)
	}
}

func TestTradeWindowCap(t *testing.T) {
	s := New(&Config{OHLCVTTL: time.Minute, MaxCandles: 1000, TradeWindow: 5}, &fakePort{}, exchange.NewLiveCache(), logging.Default())

	for i := 0; i < 8; i++ {
		s.OnTrade(exchange.StreamTrade{Symbol: "BTCUSDT", Price: float64(100 + i), ReceivedAt: time.Now()})
	}
	trades := s.RecentTrades("BTCUSDT")
	if len(trades) != 5 {
		t.Fatalf("window = %d trades, want cap 5", len(trades))
	}
	if trades[0].Price != 103 {
		t.Fatalf("oldest retained price = %v, want 103 (oldest dropped first)", trades[0].Price)
	}
}

func TestCurrentPricePrefersLiveCache(t *testing.T) {
	live := exchange.NewLiveCache()
	s := New(DefaultConfig(), &fakePort{}, live, logging.Default())

	if _, ok := s.CurrentPrice("BTCUSDT"); ok {
		t.Fatal("price reported with empty caches")
	}
	live.SetTick(exchange.Tick{Symbol: "BTCUSDT", Price: 42000, ReceivedAt: time.Now()})
	price, ok := s.CurrentPrice("BTCUSDT")
	if !ok || price != 42000 {
		t.Fatalf("price = %v/%v, want 42000/true", price, ok)
	}
}
