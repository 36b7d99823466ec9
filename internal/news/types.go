package news

import (
	"context"
	"encoding/xml"
	"time"

	"perp-trading-engine/internal/signal"
)

// Item is one scored news article
type Item struct {
	ID                string            `json:"id"`
	Title             string            `json:"title"`
	Source            string            `json:"source"`
	URL               string            `json:"url"`
	PublishedAt       time.Time         `json:"published_at"`
	FetchedAt         time.Time         `json:"fetched_at"`
	Sentiment         float64           `json:"sentiment"`  // [-1,1]
	Impact            signal.NewsImpact `json:"impact"`
	Confidence        float64           `json:"confidence"` // [0,1]
	Keywords          []string          `json:"keywords,omitempty"`
	Summary           string            `json:"summary,omitempty"`
	EmergencySeverity float64           `json:"emergency_severity"`
	SourceReliability float64           `json:"source_reliability"`
	SourceWeight      float64           `json:"source_weight"`
}

// ItemScore is a structured sentiment verdict for one item
type ItemScore struct {
	Sentiment  float64           `json:"sentiment"`
	Impact     signal.NewsImpact `json:"impact"`
	Confidence float64           `json:"confidence"`
	Keywords   []string          `json:"keywords"`
	Summary    string            `json:"summary"`
}

// LLMPort scores a batch of items with a language model. Implementations are
// optional; the pipeline falls back to the keyword scorer without one.
type LLMPort interface {
	ScoreItems(ctx context.Context, titles []string) ([]ItemScore, error)
}

// RSS wire types (RSS 2.0 with a tolerant date set)

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

// rssDateFormats covers the pubDate variants the configured feeds emit
var rssDateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

func parseRSSDate(s string) (time.Time, bool) {
	for _, layout := range rssDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
