package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-trading-engine/internal/logging"
)

// StreamConfig holds websocket session tuning
type StreamConfig struct {
	URL                  string        `json:"url"`
	ResponseTimeout      time.Duration `json:"response_timeout"`
	PingInterval         time.Duration `json:"ping_interval"`
	ReconnectBase        time.Duration `json:"reconnect_base"`
	MaxReconnectDelay    time.Duration `json:"max_reconnect_delay"`
	MaxAttempts          int           `json:"max_attempts"`
	RESTFallbackInterval time.Duration `json:"rest_fallback_interval"`
}

// DefaultStreamConfig returns the standard session tuning
func DefaultStreamConfig(url string) *StreamConfig {
	return &StreamConfig{
		URL:                  url,
		ResponseTimeout:      90 * time.Second,
		PingInterval:         20 * time.Second,
		ReconnectBase:        2 * time.Second,
		MaxReconnectDelay:    60 * time.Second,
		MaxAttempts:          10,
		RESTFallbackInterval: 15 * time.Second,
	}
}

// tickerPoller is what the degraded-mode fallback needs from the REST client
type tickerPoller interface {
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// Stream maintains one duplex session carrying ticker, book and trade
// channels for every configured symbol. On reconnect it resubscribes the
// previous channel set before resuming delivery. When the session stays down
// past MaxAttempts it flips to degraded mode and polls tickers over REST
// until a later connect succeeds.
type Stream struct {
	config  *StreamConfig
	symbols []string
	handler StreamHandler
	live    *LiveCache
	poller  tickerPoller
	logger  *logging.Logger

	mu          sync.RWMutex
	conn        *websocket.Conn
	lastMessage time.Time
	attempts    int
	degraded    bool
	running     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream creates a stream session for the given symbols
func NewStream(config *StreamConfig, symbols []string, handler StreamHandler, live *LiveCache, poller tickerPoller, logger *logging.Logger) *Stream {
	return &Stream{
		config:  config,
		symbols: symbols,
		handler: handler,
		live:    live,
		poller:  poller,
		logger:  logger.WithComponent("stream"),
	}
}

// Start launches the session, health monitor and degraded-mode poller
func (s *Stream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.sessionLoop(ctx)
	go s.healthLoop(ctx)
	go s.fallbackLoop(ctx)
}

// Stop tears the session down and waits for the reader to exit
func (s *Stream) Stop() {
	s.mu.Lock()
	s.running = false
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Degraded reports whether the stream is in REST-fallback mode
func (s *Stream) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// ReconnectAttempts returns the current consecutive attempt count
func (s *Stream) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// sessionLoop connects, subscribes and reads until shutdown
func (s *Stream) sessionLoop(ctx context.Context) {
	defer close(s.done)

	for ctx.Err() == nil {
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.attempts++
			attempts := s.attempts
			if attempts >= s.config.MaxAttempts {
				s.degraded = true
			}
			s.mu.Unlock()

			delay := s.reconnectDelay(attempts)
			s.logger.Warn("connect failed",
				"attempt", attempts, "delay", delay.String(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.attempts = 0
		s.degraded = false
		s.lastMessage = time.Now()
		s.mu.Unlock()
		s.logger.Info("stream connected", "symbols", len(s.symbols))

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		running := s.running
		s.mu.Unlock()
		if !running {
			return
		}
		s.logger.Warn("stream disconnected")
	}
}

// connect dials and resubscribes the full channel set
func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		return nil, err
	}

	sub := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{
		Method: "SUBSCRIBE",
		Params: s.streamList(),
		ID:     time.Now().UnixMilli(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

// streamList builds the channel names for every symbol
func (s *Stream) streamList() []string {
	streams := make([]string, 0, len(s.symbols)*3)
	for _, sym := range s.symbols {
		ws := FormatStreamSymbol(sym)
		streams = append(streams,
			ws+"@ticker",
			ws+"@bookTicker",
			ws+"@aggTrade",
		)
	}
	return streams
}

// readLoop consumes frames in arrival order until the connection dies
func (s *Stream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read error", "error", err)
			}
			return
		}

		s.mu.Lock()
		s.lastMessage = time.Now()
		s.mu.Unlock()

		s.handleMessage(message)
	}
}

// combined-stream envelope
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *Stream) handleMessage(message []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(message, &env); err != nil || env.Data == nil {
		return // subscribe ack or unknown frame
	}

	var event struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(env.Data, &event); err != nil {
		return
	}

	now := time.Now()
	switch event.EventType {
	case "24hrTicker":
		var t struct {
			Symbol string `json:"s"`
			Last   string `json:"c"`
		}
		if json.Unmarshal(env.Data, &t) != nil {
			return
		}
		price, err := strconv.ParseFloat(t.Last, 64)
		if err != nil {
			return
		}
		tick := Tick{Symbol: t.Symbol, Price: price, ReceivedAt: now}
		s.live.SetTick(tick)
		if s.handler != nil {
			s.handler.OnTick(tick)
		}

	case "bookTicker", "":
		var b struct {
			Symbol string `json:"s"`
			Bid    string `json:"b"`
			BidQty string `json:"B"`
			Ask    string `json:"a"`
			AskQty string `json:"A"`
		}
		if json.Unmarshal(env.Data, &b) != nil || b.Symbol == "" {
			return
		}
		bid, _ := strconv.ParseFloat(b.Bid, 64)
		ask, _ := strconv.ParseFloat(b.Ask, 64)
		bidQty, _ := strconv.ParseFloat(b.BidQty, 64)
		askQty, _ := strconv.ParseFloat(b.AskQty, 64)
		book := BookSnapshot{
			Symbol: b.Symbol, BidPrice: bid, BidQty: bidQty,
			AskPrice: ask, AskQty: askQty, ReceivedAt: now,
		}
		s.live.SetBook(book)
		if s.handler != nil {
			s.handler.OnBook(book)
		}

	case "aggTrade":
		var t struct {
			Symbol    string `json:"s"`
			Price     string `json:"p"`
			Quantity  string `json:"q"`
			Maker     bool   `json:"m"`
			TradeTime int64  `json:"T"`
		}
		if json.Unmarshal(env.Data, &t) != nil {
			return
		}
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		trade := StreamTrade{
			Symbol:     t.Symbol,
			Price:      price,
			Quantity:   qty,
			IsBuyer:    !t.Maker,
			TradeTime:  time.UnixMilli(t.TradeTime).UTC(),
			ReceivedAt: now,
		}
		if s.handler != nil {
			s.handler.OnTrade(trade)
		}
	}
}

// healthLoop pings the peer and forces a reconnect on silence
func (s *Stream) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		conn := s.conn
		last := s.lastMessage
		s.mu.RUnlock()
		if conn == nil {
			continue
		}

		if time.Since(last) > s.config.ResponseTimeout {
			s.logger.Warn("no messages within response timeout, forcing reconnect",
				"silent_for", time.Since(last).String())
			conn.Close()
			continue
		}

		deadline := time.Now().Add(5 * time.Second)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.logger.Warn("ping failed", "error", err)
			conn.Close()
		}
	}
}

// fallbackLoop polls tickers over REST while the stream is degraded
func (s *Stream) fallbackLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.RESTFallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.Degraded() || s.poller == nil {
			continue
		}
		for _, sym := range s.symbols {
			if _, err := s.poller.FetchTicker(ctx, sym); err != nil {
				s.logger.Warn("fallback ticker poll failed", "symbol", sym, "error", err)
			}
		}
	}
}

// reconnectDelay is exponential with 20% jitter, capped
func (s *Stream) reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Attempts keep counting through a long outage; saturate at the cap
	// before the shift can overflow into a negative delay.
	delay := s.config.MaxReconnectDelay
	if exp := uint(attempt - 1); exp < 20 {
		delay = s.config.ReconnectBase * time.Duration(1<<exp)
	}
	if delay <= 0 || delay > s.config.MaxReconnectDelay {
		delay = s.config.MaxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}

// GetStats returns session statistics
func (s *Stream) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected":    s.conn != nil,
		"degraded":     s.degraded,
		"attempts":     s.attempts,
		"last_message": s.lastMessage,
		"symbols":      len(s.symbols),
	}
}
