package risk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
)

// Alert levels emitted by the capital tracker
const (
	AlertWarning  = "warning"
	AlertDanger   = "danger"
	AlertCritical = "critical"
)

// Per-level repeat suppression
var alertCooldowns = map[string]time.Duration{
	AlertWarning:  30 * time.Minute,
	AlertDanger:   15 * time.Minute,
	AlertCritical: 5 * time.Minute,
}

// redisSampleKey holds the rolling allocation sample list
const redisSampleKey = "capital:samples"

// redisSampleCap bounds the list length
const redisSampleCap = 2880 // 24h of 30s samples

// Snapshot is a point-in-time capital view
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalBalance  float64   `json:"total_balance"`
	UsedMargin    float64   `json:"used_margin"`
	AllocationPct float64   `json:"allocation_pct"` // used / total
	OpenPositions int       `json:"open_positions"`
	PeakEquity    float64   `json:"peak_equity"`
	DrawdownPct   float64   `json:"drawdown_pct"`
}

// BalanceFunc supplies the current capital state
type BalanceFunc func(ctx context.Context) (total, used float64, positions int, err error)

// AlertFunc receives threshold breaches
type AlertFunc func(level string, snap Snapshot)

// CapitalTracker samples allocation on an interval, evaluates thresholds and
// fires cooldown-limited alerts. Samples optionally persist to Redis so a
// restart keeps the intraday history.
type CapitalTracker struct {
	config    *config.RiskConfig
	balanceFn BalanceFunc
	alertFn   AlertFunc
	redis     *redis.Client
	logger    *logging.Logger

	mu         sync.RWMutex
	latest     Snapshot
	peakEquity float64
	lastAlert  map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// NewCapitalTracker builds the tracker; redisClient and alertFn may be nil
func NewCapitalTracker(cfg *config.RiskConfig, balanceFn BalanceFunc, alertFn AlertFunc, redisClient *redis.Client, logger *logging.Logger) *CapitalTracker {
	return &CapitalTracker{
		config:    cfg,
		balanceFn: balanceFn,
		alertFn:   alertFn,
		redis:     redisClient,
		logger:    logger.WithComponent("capital"),
		lastAlert: make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sampling loop
func (t *CapitalTracker) Start(ctx context.Context) {
	go func() {
		defer close(t.done)
		t.Sample(ctx)
		ticker := time.NewTicker(t.config.CapitalSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sample(ctx)
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it to finish
func (t *CapitalTracker) Stop() {
	close(t.stop)
	<-t.done
}

// Sample takes one snapshot, updates the peak, persists and alerts
func (t *CapitalTracker) Sample(ctx context.Context) {
	total, used, positions, err := t.balanceFn(ctx)
	if err != nil {
		t.logger.Warn("capital sample failed", "error", err.Error())
		return
	}

	t.mu.Lock()
	if total > t.peakEquity {
		t.peakEquity = total
	}
	snap := Snapshot{
		Timestamp:     time.Now().UTC(),
		TotalBalance:  total,
		UsedMargin:    used,
		OpenPositions: positions,
		PeakEquity:    t.peakEquity,
	}
	if total > 0 {
		snap.AllocationPct = used / total
	}
	if t.peakEquity > 0 {
		snap.DrawdownPct = (t.peakEquity - total) / t.peakEquity
	}
	t.latest = snap
	t.mu.Unlock()

	t.persist(ctx, snap)
	t.evaluate(snap)
}

// Latest returns the most recent snapshot
func (t *CapitalTracker) Latest() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// DrawdownPct returns the current peak-to-trough drawdown
func (t *CapitalTracker) DrawdownPct() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest.DrawdownPct
}

// evaluate fires the highest breached threshold, respecting per-level
// cooldowns.
func (t *CapitalTracker) evaluate(snap Snapshot) {
	level := ""
	switch {
	case snap.AllocationPct >= t.config.CriticalThreshold:
		level = AlertCritical
	case snap.AllocationPct >= t.config.DangerThreshold:
		level = AlertDanger
	case snap.AllocationPct >= t.config.WarningThreshold:
		level = AlertWarning
	default:
		return
	}

	t.mu.Lock()
	last, seen := t.lastAlert[level]
	if seen && time.Since(last) < alertCooldowns[level] {
		t.mu.Unlock()
		return
	}
	t.lastAlert[level] = time.Now()
	t.mu.Unlock()

	t.logger.Warn("capital allocation threshold breached",
		"level", level,
		"allocation_pct", snap.AllocationPct,
		"used", snap.UsedMargin,
		"total", snap.TotalBalance,
	)
	if t.alertFn != nil {
		t.alertFn(level, snap)
	}
}

// persist appends the sample to the Redis rolling list when configured
func (t *CapitalTracker) persist(ctx context.Context, snap Snapshot) {
	if t.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	pipe := t.redis.Pipeline()
	pipe.LPush(ctx, redisSampleKey, data)
	pipe.LTrim(ctx, redisSampleKey, 0, redisSampleCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Warn("capital sample persist failed", "error", err.Error())
	}
}

// RecentSamples reads back up to n persisted samples, newest first
func (t *CapitalTracker) RecentSamples(ctx context.Context, n int) ([]Snapshot, error) {
	if t.redis == nil {
		return nil, nil
	}
	rows, err := t.redis.LRange(ctx, redisSampleKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		var snap Snapshot
		if err := json.Unmarshal([]byte(row), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetStats reports tracker state
func (t *CapitalTracker) GetStats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]interface{}{
		"allocation_pct": t.latest.AllocationPct,
		"total_balance":  t.latest.TotalBalance,
		"used_margin":    t.latest.UsedMargin,
		"peak_equity":    t.peakEquity,
		"drawdown_pct":   t.latest.DrawdownPct,
		"open_positions": t.latest.OpenPositions,
		"sampled_at":     t.latest.Timestamp,
	}
}
