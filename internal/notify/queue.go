package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"perp-trading-engine/internal/logging"
)

// Priority orders delivery: emergency drains before high, high before normal
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// Class drives duplicate suppression: trade and emergency messages always
// deliver, everything else collapses on content hash within the window.
type Class string

const (
	ClassTrade     Class = "trade"
	ClassEmergency Class = "emergency"
	ClassAlert     Class = "alert"
	ClassSystem    Class = "system"
)

// Delivery semantics
const (
	maxRetries   = 3
	dedupeWindow = 60 * time.Second
)

// Message is one outbound notification
type Message struct {
	Class    Class             `json:"class"`
	Priority Priority          `json:"priority"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`

	attempts   int
	enqueuedAt time.Time
}

// Sender delivers to one configured channel
type Sender interface {
	Name() string
	Enabled() bool
	Send(msg *Message) error
}

// Queue is an unbounded multi-producer priority queue with a single delivery
// worker. Emergency and high messages are at-least-once (bounded retries with
// exponential backoff); normal is best-effort.
type Queue struct {
	senders   []Sender
	logger    *logging.Logger
	retryBase time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	emergency []*Message
	high      []*Message
	normal    []*Message
	seen      map[string]time.Time // content hash -> last delivery
	closed    bool

	done chan struct{}

	statsMu   sync.Mutex
	delivered int
	dropped   int
	deduped   int
}

// NewQueue builds the queue; senders may be empty (messages are then dropped
// after logging).
func NewQueue(senders []Sender, logger *logging.Logger) *Queue {
	q := &Queue{
		senders:   senders,
		logger:    logger.WithComponent("notify"),
		retryBase: time.Second,
		seen:      make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the delivery worker
func (q *Queue) Start() {
	go q.worker()
}

// Stop wakes the worker, lets it drain what is already queued and waits for
// it to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

// Push enqueues a message. Safe from any goroutine; never blocks.
func (q *Queue) Push(msg Message) {
	msg.enqueuedAt = time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	switch msg.Priority {
	case PriorityEmergency:
		q.emergency = append(q.emergency, &msg)
	case PriorityHigh:
		q.high = append(q.high, &msg)
	default:
		q.normal = append(q.normal, &msg)
	}
	q.cond.Signal()
}

// PushTrade enqueues a trade-class message (never deduplicated)
func (q *Queue) PushTrade(priority Priority, content string) {
	class := ClassTrade
	if priority == PriorityEmergency {
		class = ClassEmergency
	}
	q.Push(Message{Class: class, Priority: priority, Content: content})
}

// PushAlert enqueues an alert-class message (deduplicated)
func (q *Queue) PushAlert(priority Priority, content string) {
	q.Push(Message{Class: ClassAlert, Priority: priority, Content: content})
}

// worker drains by priority until Stop
func (q *Queue) worker() {
	defer close(q.done)
	for {
		msg, ok := q.next()
		if !ok {
			return
		}
		q.deliver(msg)
	}
}

// next blocks until a message is available, highest priority first. Returns
// false only when the queue is closed and fully drained.
func (q *Queue) next() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.emergency) > 0 {
			msg := q.emergency[0]
			q.emergency = q.emergency[1:]
			return msg, true
		}
		if len(q.high) > 0 {
			msg := q.high[0]
			q.high = q.high[1:]
			return msg, true
		}
		if len(q.normal) > 0 {
			msg := q.normal[0]
			q.normal = q.normal[1:]
			return msg, true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// deliver sends through every enabled sender, applying dedupe and the retry
// policy.
func (q *Queue) deliver(msg *Message) {
	if q.isDuplicate(msg) {
		q.statsMu.Lock()
		q.deduped++
		q.statsMu.Unlock()
		q.logger.Debug("duplicate suppressed", "class", string(msg.Class))
		return
	}

	for {
		err := q.sendAll(msg)
		if err == nil {
			q.remember(msg)
			q.statsMu.Lock()
			q.delivered++
			q.statsMu.Unlock()
			return
		}

		msg.attempts++
		retriable := msg.Priority == PriorityEmergency || msg.Priority == PriorityHigh
		if !retriable || msg.attempts > maxRetries {
			q.statsMu.Lock()
			q.dropped++
			q.statsMu.Unlock()
			q.logger.Error("notification dropped",
				"priority", string(msg.Priority), "attempts", msg.attempts, "error", err.Error())
			return
		}
		backoff := q.retryBase << (msg.attempts - 1)
		q.logger.Warn("notification retry",
			"priority", string(msg.Priority), "attempt", msg.attempts, "backoff", backoff.String())
		time.Sleep(backoff)
	}
}

func (q *Queue) sendAll(msg *Message) error {
	var lastErr error
	sent := false
	for _, s := range q.senders {
		if !s.Enabled() {
			continue
		}
		if err := s.Send(msg); err != nil {
			q.logger.Warn("sender failed", "sender", s.Name(), "error", err.Error())
			lastErr = err
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	return lastErr
}

// isDuplicate reports whether the same content was delivered within the
// window. Trade and emergency classes always send.
func (q *Queue) isDuplicate(msg *Message) bool {
	if msg.Class == ClassTrade || msg.Class == ClassEmergency {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	last, ok := q.seen[contentHash(msg.Content)]
	return ok && time.Since(last) < dedupeWindow
}

func (q *Queue) remember(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := contentHash(msg.Content)
	q.seen[key] = time.Now()
	// Opportunistic sweep keeps the map bounded
	if len(q.seen) > 512 {
		cutoff := time.Now().Add(-dedupeWindow)
		for k, t := range q.seen {
			if t.Before(cutoff) {
				delete(q.seen, k)
			}
		}
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// GetStats reports queue counters
func (q *Queue) GetStats() map[string]interface{} {
	q.mu.Lock()
	queued := len(q.emergency) + len(q.high) + len(q.normal)
	q.mu.Unlock()
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return map[string]interface{}{
		"queued":    queued,
		"delivered": q.delivered,
		"dropped":   q.dropped,
		"deduped":   q.deduped,
	}
}
