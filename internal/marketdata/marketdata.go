package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp-trading-engine/internal/exchange"
	"perp-trading-engine/internal/logging"
)

// MinCandlesForAnalysis is the row floor below which indicator analysis is
// skipped for the symbol.
const MinCandlesForAnalysis = 200

// Config holds market data cache settings
type Config struct {
	OHLCVTTL      time.Duration `json:"ohlcv_ttl"`
	MaxCandles    int           `json:"max_candles"`
	TradeWindow   int           `json:"trade_window"`
}

// DefaultConfig returns standard cache settings
func DefaultConfig() *Config {
	return &Config{
		OHLCVTTL:    60 * time.Second,
		MaxCandles:  1000,
		TradeWindow: 1000,
	}
}

type ohlcvEntry struct {
	candles   []exchange.Candle
	fetchedAt time.Time
}

// Service owns the OHLCV cache and the live trade windows. It implements
// exchange.StreamHandler so the stream reader feeds it directly.
type Service struct {
	config *Config
	port   exchange.Port
	live   *exchange.LiveCache
	logger *logging.Logger

	mu     sync.RWMutex
	ohlcv  map[string]ohlcvEntry          // key: symbol|timeframe|limit
	trades map[string][]exchange.StreamTrade // rolling window per symbol
}

// New creates the market data service
func New(config *Config, port exchange.Port, live *exchange.LiveCache, logger *logging.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		config: config,
		port:   port,
		live:   live,
		logger: logger.WithComponent("marketdata"),
		ohlcv:  make(map[string]ohlcvEntry),
		trades: make(map[string][]exchange.StreamTrade),
	}
}

// OHLCV returns candles for (symbol, timeframe, limit), serving from cache
// within the TTL. A gap between consecutive candles forces a refetch.
func (s *Service) OHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	if limit > s.config.MaxCandles {
		limit = s.config.MaxCandles
	}
	key := cacheKey(symbol, timeframe, limit)

	s.mu.RLock()
	entry, ok := s.ohlcv[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.config.OHLCVTTL && contiguous(entry.candles, timeframe) {
		return entry.candles, nil
	}

	candles, err := s.port.FetchOHLCV(ctx, symbol, timeframe, limit)
	if err != nil {
		// A stale cache entry is better than nothing while the port is down
		if ok {
			s.logger.Warn("serving stale candles after fetch failure",
				"symbol", symbol, "timeframe", timeframe, "error", err)
			return entry.candles, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.ohlcv[key] = ohlcvEntry{candles: candles, fetchedAt: time.Now()}
	s.mu.Unlock()
	return candles, nil
}

// CurrentPrice prefers the live cache and falls back to the port
func (s *Service) CurrentPrice(symbol string) (float64, bool) {
	if price, ok := s.live.Price(symbol); ok {
		return price, true
	}
	return s.port.CurrentPrice(symbol)
}

// Book returns the latest fresh book snapshot
func (s *Service) Book(symbol string) (exchange.BookSnapshot, bool) {
	return s.live.Book(symbol)
}

// RecentTrades returns a copy of the rolling trade window
func (s *Service) RecentTrades(symbol string) []exchange.StreamTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	window := s.trades[symbol]
	out := make([]exchange.StreamTrade, len(window))
	copy(out, window)
	return out
}

// HasSufficientData reports whether a timeframe window clears the analysis
// floor.
func (s *Service) HasSufficientData(ctx context.Context, symbol, timeframe string) (bool, error) {
	candles, err := s.OHLCV(ctx, symbol, timeframe, s.config.MaxCandles)
	if err != nil {
		return false, err
	}
	return len(candles) >= MinCandlesForAnalysis, nil
}

// ==================== STREAM HANDLER ====================

// OnTick is a no-op: the stream already writes the shared live cache
func (s *Service) OnTick(t exchange.Tick) {}

// OnBook is a no-op for the same reason
func (s *Service) OnBook(b exchange.BookSnapshot) {}

// OnTrade appends to the symbol's rolling window
func (s *Service) OnTrade(t exchange.StreamTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := append(s.trades[t.Symbol], t)
	if len(window) > s.config.TradeWindow {
		window = window[len(window)-s.config.TradeWindow:]
	}
	s.trades[t.Symbol] = window
}

// ==================== HELPERS ====================

func cacheKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, timeframe, limit)
}

// contiguous checks candle spacing within the timeframe. A single gap
// invalidates the window.
func contiguous(candles []exchange.Candle, timeframe string) bool {
	step := TimeframeDuration(timeframe)
	if step == 0 || len(candles) < 2 {
		return true
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].OpenTime.Sub(candles[i-1].OpenTime) != step {
			return false
		}
	}
	return true
}

// TimeframeDuration maps a timeframe identifier to its bar duration
func TimeframeDuration(timeframe string) time.Duration {
	switch timeframe {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return 0
	}
}

// GetStats returns cache statistics
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tradeCounts := make(map[string]int, len(s.trades))
	for sym, w := range s.trades {
		tradeCounts[sym] = len(w)
	}
	return map[string]interface{}{
		"ohlcv_entries": len(s.ohlcv),
		"trade_windows": tradeCounts,
	}
}
