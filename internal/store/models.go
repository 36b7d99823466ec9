package store

import "time"

// Position status values
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Close reasons recorded on the ledger
const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonTakeProfit   = "take_profit"
	ReasonEarlyStop    = "early_stop"
	ReasonEmergency    = "emergency"
	ReasonManual       = "manual"
)

// TakeProfitLevel is one partial exit target. SizeFraction values need not
// sum to 1; the remainder closes on stop or trailing.
type TakeProfitLevel struct {
	Price        float64 `json:"price"`
	SizeFraction float64 `json:"size_fraction"`
	Executed     bool    `json:"executed"`
}

// Position is a live or closed position record. Mutated only by the position
// manager; closed exactly once.
type Position struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	Side             string            `json:"side"` // "long" or "short"
	Quantity         float64           `json:"quantity"`
	EntryPrice       float64           `json:"entry_price"`
	Leverage         int               `json:"leverage"`
	StopLoss         float64           `json:"stop_loss"`
	TakeProfits      []TakeProfitLevel `json:"take_profits"`
	TrailingActive   bool              `json:"trailing_active"`
	TrailingStop     float64           `json:"trailing_stop"`
	MaxProfitPctSeen float64           `json:"max_profit_pct_seen"`
	StopOrderID      string            `json:"stop_order_id"`
	TradeID          string            `json:"trade_id"`
	Status           string            `json:"status"`
	OpenedAt         time.Time         `json:"opened_at"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
}

// Trade is the append-only ledger entry behind performance, Kelly and the
// daily limits.
type Trade struct {
	ID         string     `json:"id"`
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	EntryFee   float64    `json:"entry_fee"`
	ExitFee    float64    `json:"exit_fee"`
	Pnl        float64    `json:"pnl"`      // realized, net of fees
	PnlPct     float64    `json:"pnl_pct"`  // fraction of allocated margin
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// BalanceSnapshot is one capital observation
type BalanceSnapshot struct {
	ID            string    `json:"id"`
	TotalBalance  float64   `json:"total_balance"`
	Available     float64   `json:"available"`
	UsedMargin    float64   `json:"used_margin"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// SignalPrediction links an emitted signal to its later realized outcome
type SignalPrediction struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Direction  string     `json:"direction"`
	Score      float64    `json:"score"`
	Confidence float64    `json:"confidence"`
	Regime     string     `json:"regime"`
	MLScore    float64    `json:"ml_score"`
	NewsScore  float64    `json:"news_score"`
	Price      float64    `json:"price"`
	CreatedAt  time.Time  `json:"created_at"`
	Outcome    *float64   `json:"outcome,omitempty"` // realized move, fraction
	OutcomeAt  *time.Time `json:"outcome_at,omitempty"`
}

// NewsRecord is a scored article kept for auditing
type NewsRecord struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	Sentiment   float64   `json:"sentiment"`
	Impact      string    `json:"impact"`
	Severity    float64   `json:"severity"`
	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// DailyPerformance is the per-day rollup served on /performance
type DailyPerformance struct {
	Date     string  `json:"date"` // YYYY-MM-DD
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	Pnl      float64 `json:"pnl"`
	PnlPct   float64 `json:"pnl_pct"`
	Fees     float64 `json:"fees"`
	BestPnl  float64 `json:"best_pnl"`
	WorstPnl float64 `json:"worst_pnl"`
}

// KellyStats is the persisted per-symbol win/loss summary so position sizing
// survives restarts.
type KellyStats struct {
	Symbol    string    `json:"symbol"`
	WinRate   float64   `json:"win_rate"`
	AvgWin    float64   `json:"avg_win"`
	AvgLoss   float64   `json:"avg_loss"`
	Trades    int       `json:"trades"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SystemEvent is one structured operational event
type SystemEvent struct {
	ID        string                 `json:"id"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
