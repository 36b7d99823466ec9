package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"perp-trading-engine/internal/logging"
)

// PaperConfig holds simulator settings
type PaperConfig struct {
	StartBalance float64 `json:"start_balance"`
	TakerFee     float64 `json:"taker_fee"`
}

// Paper routes all order operations to a deterministic simulator while
// delegating market-data reads to the live client. Orders always fill at the
// cached last price with the taker fee applied; margin is tracked per
// position at the configured leverage.
type Paper struct {
	market Port // read-side: candles, tickers
	live   *LiveCache
	config *PaperConfig
	logger *logging.Logger

	mu        sync.Mutex
	balance   float64
	positions map[string]*paperPosition
	leverage  map[string]int
	stops     map[string]*Order // resting stop orders by id
	orderSeq  atomic.Int64
}

type paperPosition struct {
	symbol     string
	side       string // "long" or "short"
	quantity   float64
	entryPrice float64
	leverage   int
	margin     float64
}

// NewPaper creates a paper-trading port
func NewPaper(market Port, live *LiveCache, config *PaperConfig, logger *logging.Logger) *Paper {
	if config.StartBalance <= 0 {
		config.StartBalance = 10000
	}
	return &Paper{
		market:    market,
		live:      live,
		config:    config,
		logger:    logger.WithComponent("paper"),
		balance:   config.StartBalance,
		positions: make(map[string]*paperPosition),
		leverage:  make(map[string]int),
		stops:     make(map[string]*Order),
	}
}

// FetchOHLCV delegates to the live market-data client
func (p *Paper) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return p.market.FetchOHLCV(ctx, symbol, timeframe, limit)
}

// FetchBalance returns the simulated account
func (p *Paper) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := 0.0
	for _, pos := range p.positions {
		used += pos.margin
	}
	return map[string]Balance{
		"USDT": {
			Currency: "USDT",
			Free:     p.balance - used,
			Used:     used,
			Total:    p.balance,
		},
	}, nil
}

// FetchPositions returns simulated open positions
func (p *Paper) FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ExchangePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol != "" && pos.symbol != symbol {
			continue
		}
		mark, _ := p.live.Price(pos.symbol)
		pnl := 0.0
		if mark > 0 {
			if pos.side == "long" {
				pnl = (mark - pos.entryPrice) * pos.quantity
			} else {
				pnl = (pos.entryPrice - mark) * pos.quantity
			}
		}
		out = append(out, ExchangePosition{
			Symbol:         pos.symbol,
			Side:           pos.side,
			Quantity:       pos.quantity,
			EntryPrice:     pos.entryPrice,
			MarkPrice:      mark,
			UnrealizedPnl:  pnl,
			Leverage:       pos.leverage,
			IsolatedMargin: pos.margin,
		})
	}
	return out, nil
}

// PlaceOrder fills market orders at the cached last price and parks stop
// orders until cancelled. Reduce-only fills realize PnL into the balance.
func (p *Paper) PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error) {
	fillPrice, ok := p.live.Price(symbol)
	if !ok {
		if live, err := p.market.FetchOHLCV(ctx, symbol, "1m", 1); err == nil && len(live) > 0 {
			fillPrice = live[len(live)-1].Close
		}
	}
	if fillPrice <= 0 {
		return nil, NewError(KindDataStale, fmt.Sprintf("no price available for %s", symbol))
	}

	id := fmt.Sprintf("paper-%d", p.orderSeq.Add(1))
	order := &Order{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		Price:      price,
		StopPrice:  params.StopPrice,
		ReduceOnly: params.ReduceOnly,
		CreatedAt:  time.Now().UTC(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if typ == TypeStopMarket {
		order.Status = "NEW"
		p.stops[id] = order
		return order, nil
	}

	fee := fillPrice * qty * p.config.TakerFee
	order.AvgFillPrice = fillPrice
	order.ExecutedQty = qty
	order.Status = "FILLED"

	if params.ReduceOnly {
		p.reduce(symbol, side, qty, fillPrice)
	} else {
		p.open(symbol, side, qty, fillPrice)
	}
	p.balance -= fee

	p.logger.Info("simulated fill",
		"symbol", symbol, "side", string(side), "qty", qty,
		"price", fillPrice, "fee", fee, "order_id", id)
	return order, nil
}

// open adds to (or creates) a position. Caller holds the lock.
func (p *Paper) open(symbol string, side OrderSide, qty, price float64) {
	posSide := "long"
	if side == SideSell {
		posSide = "short"
	}
	lev := p.leverage[symbol]
	if lev == 0 {
		lev = 1
	}

	pos, exists := p.positions[symbol]
	if !exists || pos.side != posSide {
		p.positions[symbol] = &paperPosition{
			symbol:     symbol,
			side:       posSide,
			quantity:   qty,
			entryPrice: price,
			leverage:   lev,
			margin:     price * qty / float64(lev),
		}
		return
	}

	total := pos.quantity + qty
	pos.entryPrice = (pos.entryPrice*pos.quantity + price*qty) / total
	pos.quantity = total
	pos.margin = pos.entryPrice * pos.quantity / float64(pos.leverage)
}

// reduce realizes PnL on the closed slice. Caller holds the lock.
func (p *Paper) reduce(symbol string, side OrderSide, qty, price float64) {
	pos, exists := p.positions[symbol]
	if !exists {
		return
	}
	if qty > pos.quantity {
		qty = pos.quantity
	}

	var pnl float64
	if pos.side == "long" && side == SideSell {
		pnl = (price - pos.entryPrice) * qty
	} else if pos.side == "short" && side == SideBuy {
		pnl = (pos.entryPrice - price) * qty
	} else {
		return // not a reducing direction
	}

	p.balance += pnl
	pos.quantity -= qty
	if pos.quantity <= 0 {
		delete(p.positions, symbol)
	} else {
		pos.margin = pos.entryPrice * pos.quantity / float64(pos.leverage)
	}
}

// CancelOrder removes a resting stop
func (p *Paper) CancelOrder(ctx context.Context, id, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stops, id)
	return nil
}

// SetLeverage records leverage for later margin bookkeeping
func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// CurrentPrice reads the live cache
func (p *Paper) CurrentPrice(symbol string) (float64, bool) {
	return p.live.Price(symbol)
}
