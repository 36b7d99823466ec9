package exchange

import (
	"context"
	"time"
)

// Timeframe identifiers follow the exchange convention ("15m", "1h", "4h", "1d").

// Candle is one OHLCV bar. Candles are ordered by OpenTime ascending.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Tick is a live last-price update from the stream
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ReceivedAt time.Time `json:"received_at"`
}

// BookSnapshot is a best bid/ask view from the stream
type BookSnapshot struct {
	Symbol     string    `json:"symbol"`
	BidPrice   float64   `json:"bid_price"`
	BidQty     float64   `json:"bid_qty"`
	AskPrice   float64   `json:"ask_price"`
	AskQty     float64   `json:"ask_qty"`
	ReceivedAt time.Time `json:"received_at"`
}

// StreamTrade is a public trade from the stream
type StreamTrade struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	IsBuyer    bool      `json:"is_buyer"`
	TradeTime  time.Time `json:"trade_time"`
	ReceivedAt time.Time `json:"received_at"`
}

// OrderSide is buy or sell
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the subset of order types the engine places
type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStopMarket OrderType = "STOP_MARKET"
)

// OrderParams carries optional order attributes
type OrderParams struct {
	ReduceOnly  bool    `json:"reduce_only"`
	StopPrice   float64 `json:"stop_price"`
	TimeInForce string  `json:"time_in_force"` // GTC for resting stops, IOC for taker entries
}

// Order is a placed or queried order
type Order struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	StopPrice     float64   `json:"stop_price"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	ExecutedQty   float64   `json:"executed_qty"`
	Status        string    `json:"status"`
	ReduceOnly    bool      `json:"reduce_only"`
	CreatedAt     time.Time `json:"created_at"`
}

// Balance for a single currency
type Balance struct {
	Currency string  `json:"currency"`
	Free     float64 `json:"free"`
	Used     float64 `json:"used"`
	Total    float64 `json:"total"`
}

// ExchangePosition is the exchange's view of an open position
type ExchangePosition struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // "long" or "short"
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	Leverage         int     `json:"leverage"`
	IsolatedMargin   float64 `json:"isolated_margin"`
}

// StreamChannel names a subscribable feed
type StreamChannel string

const (
	ChannelTicker StreamChannel = "ticker"
	ChannelBooks  StreamChannel = "books"
	ChannelTrade  StreamChannel = "trade"
)

// StreamHandler receives live updates. Implementations must be fast and
// non-blocking; the reader goroutine calls them in arrival order.
type StreamHandler interface {
	OnTick(t Tick)
	OnBook(b BookSnapshot)
	OnTrade(t StreamTrade)
}

// Port is the exchange-neutral surface the rest of the engine depends on.
// Implementations: the live REST+WS client and the paper-trading simulator.
type Port interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error)
	PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CurrentPrice(symbol string) (float64, bool)
}
