// Package changestream is the in-process broadcast hub for record change
// events. The ingestion processor publishes into it and real-time
// subscribers consume from it. A bounded ring buffer of recent events
// supports cursor-based replay on reconnect.
package changestream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/altsci/atdata/internal/model"
)

// Defaults applied when a Config field is zero.
const (
	DefaultBufferSize      = 1000
	DefaultSubscriberQueue = 256
	DefaultMaxSubscribers  = 1000
)

// ErrTooManySubscribers is returned by Subscribe when the global
// subscriber cap is reached. The connection must be rejected immediately,
// never accepted and starved.
var ErrTooManySubscribers = errors.New("changestream: max subscriber count reached")

// Event is a single change notification. Events are immutable once
// published; Seq is assigned by the stream and increases monotonically
// for the lifetime of the process.
type Event struct {
	Seq        uint64           `json:"seq"`
	Type       model.Operation  `json:"type"`
	Collection model.Collection `json:"collection"`
	DID        string           `json:"did"`
	RKey       string           `json:"rkey"`
	Timestamp  string           `json:"timestamp"`
	CID        string           `json:"cid,omitempty"`
	Record     json.RawMessage  `json:"record,omitempty"`
}

// NewEvent builds an event with the current timestamp. Seq is assigned
// by Publish.
func NewEvent(op model.Operation, collection model.Collection, did, rkey, cid string) Event {
	return Event{
		Type:       op,
		Collection: collection,
		DID:        did,
		RKey:       rkey,
		CID:        cid,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// SubscriberState tracks a subscriber through its lifecycle.
type SubscriberState int32

const (
	StateConnecting SubscriberState = iota
	StateActive
	StateDraining
	StateClosed
)

// Subscriber is a live listener registered with the stream. Events are
// delivered on Events() in publication order; Slow() is closed when the
// subscriber's queue overflowed and it must be disconnected.
type Subscriber struct {
	id    int64
	queue chan Event
	slow  chan struct{}

	mu    sync.Mutex
	state SubscriberState
}

// ID returns the stream-assigned subscriber identifier.
func (s *Subscriber) ID() int64 { return s.id }

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event { return s.queue }

// Slow is closed when the subscriber fell behind and was marked for
// disconnection. Delivery bookkeeping stops the moment this fires.
func (s *Subscriber) Slow() <-chan struct{} { return s.slow }

// State returns the subscriber's lifecycle state.
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(st SubscriberState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Subscriber) markSlow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.state = StateDraining
	close(s.slow)
	return true
}

// Stream is the process-wide change event hub. All state is owned by the
// stream; other components only publish into it or subscribe from it.
type Stream struct {
	bufferSize int
	queueSize  int
	maxSubs    int
	logger     *slog.Logger
	metrics    *Metrics

	mu      sync.RWMutex
	seq     uint64
	ring    []Event
	ringPos int
	ringLen int
	subs    map[int64]*Subscriber
	nextID  int64
}

// Option configures a Stream.
type Option func(*Stream)

// WithBufferSize sets the replay ring buffer capacity.
func WithBufferSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithSubscriberQueue sets the per-subscriber outbound queue capacity.
func WithSubscriberQueue(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithMaxSubscribers sets the global concurrent subscriber cap.
func WithMaxSubscribers(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxSubs = n
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// New creates a Stream with the given options.
func New(logger *slog.Logger, opts ...Option) *Stream {
	s := &Stream{
		bufferSize: DefaultBufferSize,
		queueSize:  DefaultSubscriberQueue,
		maxSubs:    DefaultMaxSubscribers,
		logger:     logger,
		subs:       make(map[int64]*Subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ring = make([]Event, s.bufferSize)
	return s
}

// Publish assigns the next sequence number, stores the event in the
// replay buffer, and fans it out to every active subscriber. Publish
// never blocks: a subscriber whose queue is full is marked slow and
// scheduled for disconnection instead of stalling the publisher.
func (s *Stream) Publish(ev Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq

	s.ring[s.ringPos] = ev
	s.ringPos = (s.ringPos + 1) % s.bufferSize
	if s.ringLen < s.bufferSize {
		s.ringLen++
	}

	for id, sub := range s.subs {
		if sub.State() != StateActive {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			if sub.markSlow() {
				s.logger.Warn("subscriber queue full, marking for disconnect",
					"subscriber", id, "seq", ev.Seq)
				if s.metrics != nil {
					s.metrics.SlowConsumers.Inc()
				}
			}
		}
	}

	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(string(ev.Collection), string(ev.Type)).Inc()
	}
	return ev
}

// Subscribe registers a new subscriber. It fails with
// ErrTooManySubscribers once the global cap is reached.
func (s *Stream) Subscribe() (*Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) >= s.maxSubs {
		if s.metrics != nil {
			s.metrics.CapacityRejections.Inc()
		}
		return nil, ErrTooManySubscribers
	}

	s.nextID++
	sub := &Subscriber{
		id:    s.nextID,
		queue: make(chan Event, s.queueSize),
		slow:  make(chan struct{}),
		state: StateActive,
	}
	s.subs[sub.id] = sub

	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(len(s.subs)))
	}
	s.logger.Debug("subscriber connected", "subscriber", sub.id, "total", len(s.subs))
	return sub, nil
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (s *Stream) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	sub.setState(StateClosed)

	if s.metrics != nil {
		s.metrics.Subscribers.Set(float64(len(s.subs)))
	}
	s.logger.Debug("subscriber disconnected", "subscriber", sub.id, "total", len(s.subs))
}

// ReplayFrom returns buffered events with Seq strictly greater than
// cursor, oldest first. A cursor older than the buffer window yields
// nil: the intervening events are gone and the caller starts live.
func (s *Stream) ReplayFrom(cursor uint64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ringLen == 0 {
		return nil
	}

	start := s.ringPos - s.ringLen
	if start < 0 {
		start += s.bufferSize
	}

	oldest := s.ring[start].Seq
	if cursor+1 < oldest {
		return nil
	}

	var out []Event
	for i := 0; i < s.ringLen; i++ {
		ev := s.ring[(start+i)%s.bufferSize]
		if ev.Seq > cursor {
			out = append(out, ev)
		}
	}
	return out
}

// CurrentSeq returns the sequence number of the most recently published
// event, or zero when nothing has been published.
func (s *Stream) CurrentSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// SubscriberCount returns the number of connected subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
