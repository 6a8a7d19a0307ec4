// Package outbound implements the durable delivery queue: messages survive
// until an injected callback delivers them, with per-message retry policies,
// TTL expiry, priority ordering, and an optional journal that carries live
// messages across restarts.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wordclock-io/clockd/internal/clock"
)

const (
	// MaxQueued bounds the number of live messages.
	MaxQueued = 64
	// MaxTopicLen bounds a message topic; topics must be shorter.
	MaxTopicLen = 128
	// MaxPayloadLen bounds a message payload; payloads must be shorter.
	MaxPayloadLen = 1024
)

var (
	ErrNilCallback    = errors.New("outbound: delivery callback is required")
	ErrInvalidMessage = errors.New("outbound: invalid message")
	ErrQueueFull      = errors.New("outbound: queue full")
)

// Priority orders delivery attempts when priority processing is enabled.
type Priority uint8

const (
	PriorityLow    Priority = iota // status updates, heartbeat
	PriorityNormal                 // regular traffic
	PriorityHigh                   // command responses
	PriorityUrgent                 // alerts
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

// State tracks a message through its lifecycle.
type State uint8

const (
	StatePending   State = iota // waiting for an attempt
	StateSending                // delivery callback in flight
	StateDelivered              // callback reported success
	StateFailed                 // retries exhausted
	StateExpired                // TTL elapsed before delivery
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// DeliverFunc attempts delivery of one message and reports success. It runs
// outside the queue mutex, so it may block on network I/O and may safely call
// back into the queue.
type DeliverFunc func(topic string, payload []byte, qos byte, cookie any) bool

// Message is the public view of a queued message. Callers fill Topic,
// Payload, QoS, Retain, Priority, TTL, Policy, and Cookie for Enqueue; the
// queue owns everything else.
type Message struct {
	ID          uint32
	Topic       string
	Payload     []byte
	QoS         byte
	Retain      bool
	Priority    Priority
	State       State
	RetryCount  int
	Created     time.Time
	LastAttempt time.Time
	NextRetry   time.Time
	// TTL is the message lifetime; zero means no expiry.
	TTL time.Duration
	// Policy overrides the queue default when non-nil.
	Policy *RetryPolicy
	// Cookie is handed to the delivery callback unchanged. It is not
	// journalled.
	Cookie any
}

type message struct {
	id          uint32
	topic       string
	payload     []byte
	qos         byte
	retain      bool
	priority    Priority
	state       State
	retryCount  int
	created     time.Time
	lastAttempt time.Time
	nextRetry   time.Time
	ttl         time.Duration
	policy      RetryPolicy
	cookie      any
}

// Stats counts queue activity. Readers receive a copy taken under the mutex.
type Stats struct {
	TotalQueued           uint64
	MessagesDelivered     uint64
	MessagesFailed        uint64
	MessagesExpired       uint64
	TotalRetriesAttempted uint64
	QueueFullRejections   uint64
	CurrentQueueSize      int
	PeakQueueSize         int
	// AverageDeliveryTime is an 80/20 weighted running average of the
	// enqueue-to-delivery latency.
	AverageDeliveryTime time.Duration
	LastDelivery        time.Time
}

// Config wires a Queue.
type Config struct {
	// Deliver is the delivery callback. Required.
	Deliver DeliverFunc
	// DefaultPolicy applies to messages enqueued without their own policy.
	// The zero value selects DefaultRetryPolicy().
	DefaultPolicy RetryPolicy
	// ProcessInterval is the worker's delivery cadence. Default 1s.
	ProcessInterval time.Duration
	// CleanupInterval is the worker's expiry-sweep cadence. Default 30s.
	CleanupInterval time.Duration
	// AutoCleanupExpired enables the periodic expiry sweep in Run. Expired
	// messages are dropped during delivery rounds regardless.
	AutoCleanupExpired bool
	// PriorityProcessing attempts higher tiers first, FIFO within a tier.
	// When off, messages are attempted in insertion order.
	PriorityProcessing bool
	// Journal, when set, persists live messages across restarts.
	Journal Journal
	// Clock defaults to the real clock; tests inject a fake.
	Clock clock.Clock
}

// Queue is the durable outbound message queue. A single Run worker drives
// delivery; every exported method is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	messages []*message // insertion order, which is also id order
	nextID   uint32
	stats    Stats
	logger   *slog.Logger
}

// New builds a Queue and, when a journal is configured, restores the live
// messages a previous process left behind.
func New(cfg Config, logger *slog.Logger) (*Queue, error) {
	if cfg.Deliver == nil {
		return nil, ErrNilCallback
	}
	if cfg.DefaultPolicy == (RetryPolicy{}) {
		cfg.DefaultPolicy = DefaultRetryPolicy()
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	q := &Queue{
		cfg:    cfg,
		clk:    cfg.Clock,
		nextID: 1,
		logger: logger.With("component", "outbound"),
	}
	if cfg.Journal != nil {
		if err := q.restore(); err != nil {
			return nil, fmt.Errorf("restore journal: %w", err)
		}
	}
	return q, nil
}

// restore reloads journalled messages. Ids resume above the highest restored
// id so they stay strictly increasing across restarts. Rows that no longer
// decode are dropped from the journal.
func (q *Queue) restore() error {
	var poison []uint32
	err := q.cfg.Journal.LoadMessages(func(id uint32, data []byte) error {
		m, err := decodeJournalRecord(data)
		if err != nil {
			q.logger.Warn("dropping undecodable journal row", "id", id, "error", err)
			poison = append(poison, id)
			return nil
		}
		if len(q.messages) >= MaxQueued {
			q.logger.Warn("journal holds more rows than queue capacity, dropping", "id", id)
			poison = append(poison, id)
			return nil
		}
		q.messages = append(q.messages, m)
		if m.id >= q.nextID {
			q.nextID = m.id + 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range poison {
		if err := q.cfg.Journal.DeleteMessage(id); err != nil {
			q.logger.Warn("failed to drop journal row", "id", id, "error", err)
		}
	}
	q.stats.PeakQueueSize = len(q.messages)
	if len(q.messages) > 0 {
		q.logger.Info("restored journalled messages",
			"count", len(q.messages), "next_id", q.nextID)
	}
	return nil
}

// Enqueue adds a message and returns its assigned id. Ids start at 1 and
// strictly increase for the life of the process.
func (q *Queue) Enqueue(msg Message) (uint32, error) {
	if msg.Topic == "" || len(msg.Topic) >= MaxTopicLen {
		return 0, fmt.Errorf("%w: topic length %d", ErrInvalidMessage, len(msg.Topic))
	}
	if len(msg.Payload) >= MaxPayloadLen {
		return 0, fmt.Errorf("%w: payload length %d", ErrInvalidMessage, len(msg.Payload))
	}
	if msg.QoS > 2 {
		return 0, fmt.Errorf("%w: qos %d", ErrInvalidMessage, msg.QoS)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= MaxQueued {
		q.stats.QueueFullRejections++
		q.logger.Warn("queue full, rejecting message", "topic", msg.Topic)
		return 0, ErrQueueFull
	}

	m := &message{
		id:       q.nextID,
		topic:    msg.Topic,
		payload:  append([]byte(nil), msg.Payload...),
		qos:      msg.QoS,
		retain:   msg.Retain,
		priority: msg.Priority,
		state:    StatePending,
		created:  q.clk.Now(),
		ttl:      msg.TTL,
		policy:   q.cfg.DefaultPolicy,
		cookie:   msg.Cookie,
	}
	if msg.Policy != nil {
		m.policy = *msg.Policy
	}
	q.nextID++
	q.messages = append(q.messages, m)

	q.stats.TotalQueued++
	if len(q.messages) > q.stats.PeakQueueSize {
		q.stats.PeakQueueSize = len(q.messages)
	}

	q.journalSave(m)

	q.logger.Debug("message queued",
		"id", m.id, "topic", m.topic, "priority", m.priority.String(), "qos", m.qos)
	return m.id, nil
}

// Remove drops the message with the given id, reporting whether it existed.
func (q *Queue) Remove(id uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(id) {
		return false
	}
	q.journalDelete(id)
	return true
}

// Get returns a copy of the message with the given id.
func (q *Queue) Get(id uint32) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.id == id {
			return m.public(), true
		}
	}
	return Message{}, false
}

// List returns copies of all live messages in insertion order.
func (q *Queue) List() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.public())
	}
	return out
}

// Clear drops every live message, journal rows included.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		q.journalDelete(m.id)
	}
	q.messages = nil
}

// Len reports the number of live messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.CurrentQueueSize = len(q.messages)
	return s
}

// ResetStats zeroes the counters. Queue size and the peak survive the reset.
func (q *Queue) ResetStats() {
	q.mu.Lock()
	defer q.mu.Unlock()
	peak := q.stats.PeakQueueSize
	q.stats = Stats{PeakQueueSize: peak}
}

// ProcessOnce runs one delivery round and returns the number of messages
// that reached a terminal state (delivered, failed, or expired). The mutex is
// released while the delivery callback runs.
func (q *Queue) ProcessOnce() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	processed := 0

	for _, m := range q.scanOrderLocked() {
		if q.findLocked(m.id) == nil {
			// Removed by a concurrent caller while we were delivering.
			continue
		}

		if m.ttl > 0 && now.Sub(m.created) >= m.ttl {
			q.expireLocked(m)
			processed++
			continue
		}

		if m.state != StatePending || m.retryCount >= m.policy.MaxRetries ||
			now.Before(m.nextRetry) {
			continue
		}

		m.state = StateSending
		m.lastAttempt = now
		q.logger.Debug("attempting delivery",
			"id", m.id, "attempt", m.retryCount+1, "max", m.policy.MaxRetries)

		q.mu.Unlock()
		ok := q.cfg.Deliver(m.topic, m.payload, m.qos, m.cookie)
		q.mu.Lock()
		now = q.clk.Now()

		still := q.findLocked(m.id) == m
		if ok {
			m.state = StateDelivered
			q.stats.MessagesDelivered++
			q.stats.LastDelivery = now
			q.observeDeliveryLocked(m.lastAttempt.Sub(m.created))
			if still {
				q.journalDelete(m.id)
				q.removeLocked(m.id)
			}
			q.logger.Debug("message delivered", "id", m.id)
			processed++
			continue
		}

		if !still {
			continue
		}
		m.retryCount++
		q.stats.TotalRetriesAttempted++
		if m.retryCount >= m.policy.MaxRetries {
			m.state = StateFailed
			q.stats.MessagesFailed++
			q.journalDelete(m.id)
			q.removeLocked(m.id)
			q.logger.Error("message failed after retries",
				"id", m.id, "retries", m.retryCount, "topic", m.topic)
			processed++
			continue
		}
		delay := retryDelay(m.policy, m.retryCount)
		m.nextRetry = now.Add(delay)
		m.state = StatePending
		q.logger.Info("retry scheduled", "id", m.id, "delay", delay)
	}

	return processed
}

// CleanupExpired drops every message whose TTL has elapsed and returns the
// count.
func (q *Queue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	cleaned := 0
	for _, m := range append([]*message(nil), q.messages...) {
		if m.ttl > 0 && now.Sub(m.created) >= m.ttl {
			q.expireLocked(m)
			cleaned++
		}
	}
	return cleaned
}

// Run drives the queue until ctx is cancelled: one ticker for delivery
// rounds, one for the expiry sweep.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("outbound worker started",
		"process_interval", q.cfg.ProcessInterval,
		"cleanup_interval", q.cfg.CleanupInterval,
		"priority_processing", q.cfg.PriorityProcessing)

	process := q.clk.NewTicker(q.cfg.ProcessInterval)
	defer process.Stop()
	cleanup := q.clk.NewTicker(q.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("outbound worker stopped")
			return nil
		case <-process.C:
			if n := q.ProcessOnce(); n > 0 {
				q.logger.Debug("delivery round complete", "processed", n)
			}
		case <-cleanup.C:
			if q.cfg.AutoCleanupExpired {
				if n := q.CleanupExpired(); n > 0 {
					q.logger.Info("cleaned up expired messages", "count", n)
				}
			}
		}
	}
}

// scanOrderLocked snapshots the live messages in attempt order: descending
// priority tier with FIFO inside each tier when priority processing is on,
// plain insertion order otherwise.
func (q *Queue) scanOrderLocked() []*message {
	out := make([]*message, len(q.messages))
	copy(out, q.messages)
	if q.cfg.PriorityProcessing {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].priority > out[j].priority
		})
	}
	return out
}

func (q *Queue) expireLocked(m *message) {
	m.state = StateExpired
	q.stats.MessagesExpired++
	q.journalDelete(m.id)
	q.removeLocked(m.id)
	q.logger.Warn("message expired", "id", m.id, "topic", m.topic, "ttl", m.ttl)
}

func (q *Queue) findLocked(id uint32) *message {
	for _, m := range q.messages {
		if m.id == id {
			return m
		}
	}
	return nil
}

func (q *Queue) removeLocked(id uint32) bool {
	for i, m := range q.messages {
		if m.id == id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return true
		}
	}
	return false
}

// observeDeliveryLocked folds one enqueue-to-delivery latency sample into the
// running average: the first sample seeds it, later ones weigh in at 20%.
func (q *Queue) observeDeliveryLocked(sample time.Duration) {
	if q.stats.MessagesDelivered == 1 {
		q.stats.AverageDeliveryTime = sample
		return
	}
	q.stats.AverageDeliveryTime = time.Duration(
		0.8*float64(q.stats.AverageDeliveryTime) + 0.2*float64(sample))
}

func (q *Queue) journalSave(m *message) {
	if q.cfg.Journal == nil {
		return
	}
	data, err := encodeJournalRecord(m)
	if err != nil {
		q.logger.Warn("journal encode failed", "id", m.id, "error", err)
		return
	}
	if err := q.cfg.Journal.SaveMessage(m.id, data); err != nil {
		q.logger.Warn("journal save failed", "id", m.id, "error", err)
	}
}

func (q *Queue) journalDelete(id uint32) {
	if q.cfg.Journal == nil {
		return
	}
	if err := q.cfg.Journal.DeleteMessage(id); err != nil {
		q.logger.Warn("journal delete failed", "id", id, "error", err)
	}
}

func (m *message) public() Message {
	policy := m.policy
	return Message{
		ID:          m.id,
		Topic:       m.topic,
		Payload:     append([]byte(nil), m.payload...),
		QoS:         m.qos,
		Retain:      m.retain,
		Priority:    m.priority,
		State:       m.state,
		RetryCount:  m.retryCount,
		Created:     m.created,
		LastAttempt: m.lastAttempt,
		NextRetry:   m.nextRetry,
		TTL:         m.ttl,
		Policy:      &policy,
		Cookie:      m.cookie,
	}
}
