package news

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"encoding/xml"

	"perp-trading-engine/config"
	"perp-trading-engine/internal/logging"
	"perp-trading-engine/internal/signal"
)

// EmergencyWeightFloor: only sources at or above this weight can declare an
// emergency.
const EmergencyWeightFloor = 0.7

// llmBatchSize caps how many top-ranked items go to the LLM per fetch
const llmBatchSize = 5

// maxStoredItems bounds the scored-item history
const maxStoredItems = 200

// Pipeline fetches, filters and scores news, serving per-symbol assessments
// to the signal engine.
type Pipeline struct {
	config     *config.NewsConfig
	symbols    []string
	httpClient *http.Client
	llm        LLMPort
	logger     *logging.Logger

	mu          sync.RWMutex
	items       []Item
	cooldowns   map[string]time.Time
	assessments map[string]signal.NewsAssessment
	lastFetch   time.Time
	fetched     int
	dropped     int

	stop chan struct{}
	done chan struct{}
}

// NewPipeline builds the pipeline; llm may be nil (keyword scorer only)
func NewPipeline(cfg *config.NewsConfig, symbols []string, llm LLMPort, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		config:      cfg,
		symbols:     symbols,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		llm:         llm,
		logger:      logger.WithComponent("news"),
		cooldowns:   make(map[string]time.Time),
		assessments: make(map[string]signal.NewsAssessment),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the periodic fetch loop
func (p *Pipeline) Start(ctx context.Context) {
	if !p.config.Enabled {
		close(p.done)
		return
	}
	go func() {
		defer close(p.done)
		if err := p.FetchOnce(ctx); err != nil {
			p.logger.Warn("initial news fetch failed", "error", err.Error())
		}
		ticker := time.NewTicker(p.config.FetchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.FetchOnce(ctx); err != nil {
					p.logger.Warn("news fetch failed", "error", err.Error())
				}
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the fetch loop
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

// Assessment implements the per-symbol news port. A symbol with no scored
// items yields the zero assessment (neutral, low impact).
func (p *Pipeline) Assessment(symbol string) signal.NewsAssessment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if a, ok := p.assessments[symbol]; ok {
		return a
	}
	return signal.NewsAssessment{Impact: signal.ImpactLow}
}

// FetchOnce runs the full pipeline: fetch, dedupe, filter, cooldown,
// emergency scan, score, aggregate.
func (p *Pipeline) FetchOnce(ctx context.Context) error {
	raw := p.fetchAll(ctx)
	items := p.dedupe(raw)
	items = p.filter(items)
	items = p.applyCooldown(items)
	for i := range items {
		items[i].EmergencySeverity = emergencySeverity(&items[i])
	}
	p.score(ctx, items)
	p.aggregate(items)

	p.mu.Lock()
	p.items = append(p.items, items...)
	if len(p.items) > maxStoredItems {
		p.items = p.items[len(p.items)-maxStoredItems:]
	}
	p.lastFetch = time.Now().UTC()
	p.fetched += len(raw)
	p.dropped += len(raw) - len(items)
	p.mu.Unlock()

	p.logger.Info("news cycle complete", "fetched", len(raw), "kept", len(items))
	return nil
}

// fetchAll pulls every configured feed concurrently
func (p *Pipeline) fetchAll(ctx context.Context) []Item {
	var wg sync.WaitGroup
	results := make([][]Item, len(p.config.Feeds))
	for i, feed := range p.config.Feeds {
		wg.Add(1)
		go func(i int, feed config.FeedConfig) {
			defer wg.Done()
			items, err := p.fetchFeed(ctx, feed)
			if err != nil {
				p.logger.Warn("feed fetch failed", "feed", feed.Name, "error", err.Error())
				return
			}
			results[i] = items
		}(i, feed)
	}
	wg.Wait()

	var all []Item
	for _, items := range results {
		all = append(all, items...)
	}
	return all
}

func (p *Pipeline) fetchFeed(ctx context.Context, feed config.FeedConfig) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s: status %d", feed.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var parsed rssFeed
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("feed %s: %w", feed.Name, err)
	}

	now := time.Now().UTC()
	limit := p.config.MaxItemsPerSource
	var items []Item
	for _, entry := range parsed.Channel.Items {
		if len(items) >= limit {
			break
		}
		published := now
		if t, ok := parseRSSDate(entry.PubDate); ok {
			published = t
		}
		title := strings.TrimSpace(entry.Title)
		items = append(items, Item{
			ID:                itemID(title, feed.Name),
			Title:             title,
			Source:            feed.Name,
			URL:               entry.Link,
			PublishedAt:       published,
			FetchedAt:         now,
			SourceReliability: feed.Reliability,
			SourceWeight:      feed.Weight,
		})
	}
	return items, nil
}

// itemID derives a stable id from the content so the same story keeps its
// identity across fetches and restarts.
func itemID(title, source string) string {
	sum := sha256.Sum256([]byte(source + "|" + title))
	return hex.EncodeToString(sum[:16])
}

// dedupe keeps the first item per normalized 50-char title prefix
func (p *Pipeline) dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	var out []Item
	for _, item := range items {
		key := semanticKey(item.Title)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

// filter applies the content and source gates
func (p *Pipeline) filter(items []Item) []Item {
	cutoff := time.Now().UTC().Add(-p.config.MaxAge)
	var out []Item
	for _, item := range items {
		switch {
		case item.PublishedAt.Before(cutoff):
		case len(item.Title) < 10:
		case countSuspicious(item.Title) >= 2:
		case specialCharRatio(item.Title) > 0.1:
		case item.SourceReliability < p.config.MinConfidence:
		default:
			out = append(out, item)
			continue
		}
	}
	return out
}

// applyCooldown suppresses repeats of the same event within the window
func (p *Pipeline) applyCooldown(items []Item) []Item {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Item
	for _, item := range items {
		key := semanticKey(item.Title)
		if last, ok := p.cooldowns[key]; ok && now.Sub(last) < p.config.Cooldown {
			continue
		}
		p.cooldowns[key] = now
		out = append(out, item)
	}
	return out
}

// emergencySeverity scans the fixed keyword table. More than three matches in
// one title looks like spam and halves the severity.
func emergencySeverity(item *Item) float64 {
	lower := strings.ToLower(item.Title)
	maxSeverity := 0.0
	matches := 0
	for kw, severity := range emergencyKeywords {
		if strings.Contains(lower, kw) {
			matches++
			if severity > maxSeverity {
				maxSeverity = severity
			}
		}
	}
	if matches == 0 {
		return 0
	}
	severity := maxSeverity * item.SourceReliability * item.SourceWeight
	if matches > 3 {
		severity /= 2
	}
	return severity
}

// score runs the LLM over the top-ranked items when configured, keyword
// scoring otherwise.
func (p *Pipeline) score(ctx context.Context, items []Item) {
	scored := map[int]bool{}
	if p.llm != nil && p.config.UseLLM && len(items) > 0 {
		ranked := rankForLLM(items)
		if len(ranked) > llmBatchSize {
			ranked = ranked[:llmBatchSize]
		}
		titles := make([]string, len(ranked))
		for i, idx := range ranked {
			titles[i] = items[idx].Title
		}
		verdicts, err := p.llm.ScoreItems(ctx, titles)
		if err != nil {
			p.logger.Warn("llm scoring failed, using keyword scorer", "error", err.Error())
		} else {
			for i, idx := range ranked {
				if i >= len(verdicts) {
					break
				}
				applyScore(&items[idx], verdicts[i])
				scored[idx] = true
			}
		}
	}
	for i := range items {
		if !scored[i] {
			applyScore(&items[i], keywordScore(items[i].Title))
		}
		if items[i].EmergencySeverity > 0 {
			items[i].Impact = signal.ImpactHigh
		}
	}
}

// rankForLLM orders item indexes by reliability, then recency
func rankForLLM(items []Item) []int {
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := items[idx[a]], items[idx[b]]
		if ia.SourceReliability != ib.SourceReliability {
			return ia.SourceReliability > ib.SourceReliability
		}
		return ia.PublishedAt.After(ib.PublishedAt)
	})
	return idx
}

func applyScore(item *Item, s ItemScore) {
	item.Sentiment = clamp(s.Sentiment, -1, 1)
	item.Confidence = clamp(s.Confidence, 0, 1)
	item.Impact = s.Impact
	if item.Impact == "" {
		item.Impact = signal.ImpactLow
	}
	item.Keywords = s.Keywords
	item.Summary = s.Summary
}

// keywordScore is the deterministic fallback scorer
func keywordScore(title string) ItemScore {
	lower := strings.ToLower(title)
	score := 0.0
	var matched []string
	for word, weight := range bullishWords {
		if strings.Contains(lower, word) {
			score += weight
			matched = append(matched, word)
		}
	}
	for word, weight := range bearishWords {
		if strings.Contains(lower, word) {
			score += weight
			matched = append(matched, word)
		}
	}
	sort.Strings(matched)

	sentiment := clamp(score, -1, 1)
	impact := signal.ImpactLow
	switch {
	case absFloat(sentiment) >= 0.6:
		impact = signal.ImpactHigh
	case absFloat(sentiment) >= 0.3:
		impact = signal.ImpactMedium
	}
	confidence := 0.0
	if len(matched) > 0 {
		confidence = clamp(0.3+0.15*float64(len(matched)), 0, 0.8)
	}
	return ItemScore{Sentiment: sentiment, Impact: impact, Confidence: confidence, Keywords: matched}
}

// aggregate folds scored items into per-symbol assessments. Items naming a
// symbol apply to it; items naming none apply market-wide. Recency and source
// reliability weight the average; only sources at or above the weight floor
// can declare an emergency.
func (p *Pipeline) aggregate(items []Item) {
	now := time.Now().UTC()
	assessments := make(map[string]signal.NewsAssessment, len(p.symbols))

	for _, sym := range p.symbols {
		var weightSum, sentSum, confSum float64
		impact := signal.ImpactLow
		severity := 0.0

		for _, item := range items {
			if !matchesSymbol(item.Title, sym) && mentionsAnySymbol(item.Title, p.symbols) {
				continue
			}
			age := now.Sub(item.PublishedAt)
			recency := 1 - float64(age)/float64(p.config.MaxAge)
			if recency < 0.1 {
				recency = 0.1
			}
			w := item.SourceReliability * recency
			weightSum += w
			sentSum += item.Sentiment * w
			confSum += item.Confidence * w

			if impactRank(item.Impact) > impactRank(impact) {
				impact = item.Impact
			}
			if item.SourceWeight >= EmergencyWeightFloor && item.EmergencySeverity > severity {
				severity = item.EmergencySeverity
			}
		}

		a := signal.NewsAssessment{Impact: impact, EmergencySeverity: severity}
		if weightSum > 0 {
			a.Sentiment = clamp(sentSum/weightSum, -1, 1)
			a.Confidence = clamp(confSum/weightSum, 0, 1)
		}
		assessments[sym] = a
	}

	p.mu.Lock()
	for sym, a := range assessments {
		if len(items) == 0 {
			// No new items this cycle keeps the prior view
			continue
		}
		p.assessments[sym] = a
	}
	p.mu.Unlock()
}

// Cleanup drops expired cooldown keys and stale items; run from the scheduler
func (p *Pipeline) Cleanup() {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, seen := range p.cooldowns {
		if now.Sub(seen) > p.config.Cooldown*2 {
			delete(p.cooldowns, key)
		}
	}
	cutoff := now.Add(-p.config.MaxAge)
	var kept []Item
	for _, item := range p.items {
		if item.PublishedAt.After(cutoff) {
			kept = append(kept, item)
		}
	}
	p.items = kept
}

// Items returns the recent scored items, newest last
func (p *Pipeline) Items() []Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Item(nil), p.items...)
}

// GetStats reports pipeline counters
func (p *Pipeline) GetStats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]interface{}{
		"feeds":      len(p.config.Feeds),
		"items":      len(p.items),
		"cooldowns":  len(p.cooldowns),
		"fetched":    p.fetched,
		"dropped":    p.dropped,
		"last_fetch": p.lastFetch,
	}
}

// semanticKey is the normalized 50-char title prefix used for dedupe and
// cooldown.
func semanticKey(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}
	key := strings.Join(strings.Fields(b.String()), " ")
	runes := []rune(key)
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return string(runes)
}

func impactRank(i signal.NewsImpact) int {
	switch i {
	case signal.ImpactHigh:
		return 2
	case signal.ImpactMedium:
		return 1
	default:
		return 0
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
