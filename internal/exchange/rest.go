package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"perp-trading-engine/internal/logging"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// ClientConfig holds REST client settings
type ClientConfig struct {
	APIKey      string        `json:"api_key"`
	SecretKey   string        `json:"secret_key"`
	BaseURL     string        `json:"base_url"`
	HTTPTimeout time.Duration `json:"http_timeout"`
}

// Client is the live exchange REST client. All calls pass the rate limiter
// and the circuit breaker before going out.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	limiter *RateLimiter
	breaker *Breaker
	live    *LiveCache
	logger  *logging.Logger
}

// NewClient creates a live client
func NewClient(cfg *ClientConfig, limiter *RateLimiter, breaker *Breaker, live *LiveCache, logger *logging.Logger) *Client {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		breaker:    breaker,
		live:       live,
		logger:     logger.WithComponent("exchange"),
	}
}

// ==================== PORT OPERATIONS ====================

// FetchOHLCV fetches candles, oldest first
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	params := map[string]string{
		"symbol":   FormatRESTSymbol(symbol),
		"interval": timeframe,
		"limit":    strconv.Itoa(limit),
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	// Kline rows are arrays of mixed JSON scalars
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, WrapError(KindInternal, "parsing klines", err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		candle, err := parseKlineRow(row)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKlineRow(row []interface{}) (Candle, error) {
	openTime, ok := row[0].(float64)
	if !ok {
		return Candle{}, NewError(KindInternal, "kline open time not numeric")
	}
	fields := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return Candle{}, NewError(KindInternal, "kline field not a string")
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, WrapError(KindInternal, "kline field parse", err)
		}
		fields[i-1] = v
	}
	c := Candle{
		OpenTime: time.UnixMilli(int64(openTime)).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}
	if len(row) > 6 {
		if closeTime, ok := row[6].(float64); ok {
			c.CloseTime = time.UnixMilli(int64(closeTime)).UTC()
		}
	}
	return c, nil
}

// FetchBalance returns per-currency balances
func (c *Client) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/account", map[string]string{}, true)
	if err != nil {
		return nil, err
	}

	var acct struct {
		Assets []struct {
			Asset            string `json:"asset"`
			WalletBalance    string `json:"walletBalance"`
			AvailableBalance string `json:"availableBalance"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, WrapError(KindInternal, "parsing account", err)
	}

	balances := make(map[string]Balance, len(acct.Assets))
	for _, a := range acct.Assets {
		total, _ := strconv.ParseFloat(a.WalletBalance, 64)
		free, _ := strconv.ParseFloat(a.AvailableBalance, 64)
		if total == 0 && free == 0 {
			continue
		}
		balances[a.Asset] = Balance{
			Currency: a.Asset,
			Free:     free,
			Used:     total - free,
			Total:    total,
		}
	}
	return balances, nil
}

// FetchPositions returns open positions, optionally for one symbol
func (c *Client) FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = FormatRESTSymbol(symbol)
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		IsolatedMargin   string `json:"isolatedMargin"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, WrapError(KindInternal, "parsing positions", err)
	}

	positions := make([]ExchangePosition, 0, len(raw))
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		margin, _ := strconv.ParseFloat(p.IsolatedMargin, 64)

		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		positions = append(positions, ExchangePosition{
			Symbol:         p.Symbol,
			Side:           side,
			Quantity:       amt,
			EntryPrice:     entry,
			MarkPrice:      mark,
			UnrealizedPnl:  pnl,
			Leverage:       lev,
			IsolatedMargin: margin,
		})
	}
	return positions, nil
}

// PlaceOrder submits an order and returns the exchange's view of it
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, qty, price float64, params OrderParams) (*Order, error) {
	req := map[string]string{
		"symbol":   FormatRESTSymbol(symbol),
		"side":     string(side),
		"type":     string(typ),
		"quantity": strconv.FormatFloat(qty, 'f', -1, 64),
	}
	if price > 0 && typ == TypeLimit {
		req["price"] = strconv.FormatFloat(price, 'f', -1, 64)
	}
	if params.StopPrice > 0 {
		req["stopPrice"] = strconv.FormatFloat(params.StopPrice, 'f', -1, 64)
	}
	if params.ReduceOnly {
		req["reduceOnly"] = "true"
	}
	switch {
	case params.TimeInForce != "":
		req["timeInForce"] = params.TimeInForce
	case typ == TypeLimit:
		req["timeInForce"] = "GTC"
	}

	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", req, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Symbol      string `json:"symbol"`
		Status      string `json:"status"`
		AvgPrice    string `json:"avgPrice"`
		ExecutedQty string `json:"executedQty"`
		StopPrice   string `json:"stopPrice"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, WrapError(KindInternal, "parsing order response", err)
	}

	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	stopPrice, _ := strconv.ParseFloat(resp.StopPrice, 64)

	order := &Order{
		ID:           strconv.FormatInt(resp.OrderID, 10),
		Symbol:       symbol,
		Side:         side,
		Type:         typ,
		Quantity:     qty,
		Price:        price,
		StopPrice:    stopPrice,
		AvgFillPrice: avgPrice,
		ExecutedQty:  executed,
		Status:       resp.Status,
		ReduceOnly:   params.ReduceOnly,
		CreatedAt:    time.UnixMilli(resp.UpdateTime).UTC(),
	}
	c.logger.Info("order placed",
		"symbol", symbol, "side", string(side), "type", string(typ),
		"qty", qty, "order_id", order.ID)
	return order, nil
}

// CancelOrder cancels an order by id
func (c *Client) CancelOrder(ctx context.Context, id, symbol string) error {
	params := map[string]string{
		"symbol":  FormatRESTSymbol(symbol),
		"orderId": id,
	}
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// SetLeverage sets symbol leverage
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   FormatRESTSymbol(symbol),
		"leverage": strconv.Itoa(leverage),
	}
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// FetchTicker polls the last price over REST. Used by the degraded-mode
// fallback when the stream is down.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"symbol": FormatRESTSymbol(symbol)}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, WrapError(KindInternal, "parsing ticker", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, WrapError(KindInternal, "parsing ticker price", err)
	}
	c.live.SetTick(Tick{Symbol: symbol, Price: price, ReceivedAt: time.Now()})
	return price, nil
}

// CurrentPrice reads the live cache
func (c *Client) CurrentPrice(symbol string) (float64, bool) {
	return c.live.Price(symbol)
}

// ==================== TRANSPORT ====================

// do runs one request through the limiter, breaker and retry loop. The
// variadic signed flag defaults to true.
func (c *Client) do(ctx context.Context, method, endpoint string, params map[string]string, signedOpt ...bool) ([]byte, error) {
	signed := true
	if len(signedOpt) > 0 {
		signed = signedOpt[0]
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, WrapError(KindNetwork, "request cancelled", ctx.Err())
		}
		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
		if err := c.limiter.WaitForSlot(ctx); err != nil {
			return nil, err
		}

		body, retryAfter, err := c.roundTrip(ctx, method, endpoint, params, signed)
		if err == nil {
			c.breaker.RecordSuccess()
			return body, nil
		}
		lastErr = err

		if KindOf(err) == KindAuth || !IsRetryable(err) {
			c.breaker.RecordFailure()
			return nil, err
		}
		c.breaker.RecordFailure()

		if attempt < maxRetries {
			delay := retryDelay(attempt)
			if retryAfter > delay {
				delay = retryAfter
			}
			c.logger.Warn("request failed, retrying",
				"endpoint", endpoint, "attempt", attempt+1, "delay", delay.String(), "error", err)
			select {
			case <-ctx.Done():
				return nil, WrapError(KindNetwork, "retry cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}

// roundTrip performs a single HTTP exchange and maps failures onto the error
// taxonomy. The second return value carries a server Retry-After hint.
func (c *Client) roundTrip(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, time.Duration, error) {
	query := buildQuery(params)
	if signed {
		p := make(map[string]string, len(params)+2)
		for k, v := range params {
			p[k] = v
		}
		p["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		p["recvWindow"] = "10000"
		query = buildQuery(p)
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, 0, WrapError(KindInternal, "building request", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, WrapError(KindNetwork, fmt.Sprintf("%s %s", method, endpoint), err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, 0, WrapError(KindNetwork, "reading response", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, 0, nil
	}
	return nil, parseRetryAfter(resp), mapHTTPError(resp.StatusCode, body)
}

// mapHTTPError translates an HTTP failure into the error taxonomy
func mapHTTPError(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	code := strconv.Itoa(apiErr.Code)

	switch {
	case status == http.StatusTooManyRequests || status == 418 || apiErr.Code == -1003:
		return &Error{Kind: KindRateLimit, Code: code, Msg: apiErr.Msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022:
		return &Error{Kind: KindAuth, Code: code, Msg: apiErr.Msg}
	case apiErr.Code == -2019: // margin is insufficient
		return &Error{Kind: KindInsufficientFunds, Code: code, Msg: apiErr.Msg}
	case status >= 500:
		return &Error{Kind: KindNetwork, Code: code, Msg: fmt.Sprintf("server error %d: %s", status, apiErr.Msg)}
	default:
		return &Error{Kind: KindExchangeRejected, Code: code, Msg: apiErr.Msg}
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// retryDelay returns exponential backoff with jitter
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}

func buildQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	return values.Encode()
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
