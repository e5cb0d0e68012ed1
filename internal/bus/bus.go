// Package bus implements the in-process fan-out for typed updates.
//
// Delivery is conflate-latest per key: a publisher never blocks on a
// slow subscriber. Each subscription keeps a pending map keyed by
// (kind, venue, id); publishing a newer update for a key that already
// has one pending replaces it, so a subscriber always sees the latest
// state per key, possibly missing intermediate values. Per key the
// observed order is monotonic; across keys there is no ordering.
package bus

import (
	"log/slog"
	"sync"

	"spreadmon/internal/metrics"
	"spreadmon/pkg/types"
)

// Filter selects which updates a subscription receives. A nil filter
// receives everything.
type Filter func(types.Update) bool

// Bus is the fan-out hub. Safe for concurrent publishers and
// subscribers.
type Bus struct {
	capacity int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a bus whose subscriptions deliver over channels of the
// given capacity.
func New(capacity int, logger *slog.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		capacity: capacity,
		logger:   logger.With("component", "bus"),
		metrics:  m,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription and starts its delivery loop.
// The caller must Close the subscription when done; Close is idempotent.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		bus:     b,
		filter:  filter,
		out:     make(chan types.Update, b.capacity),
		pending: make(map[types.UpdateKey]types.Update),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	b.metrics.Subscribers.Inc()
	go s.deliver()
	return s
}

// Publish fans the update out to every matching subscription without
// blocking. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(u types.Update) {
	key := u.Key()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.filter != nil && !s.filter(u) {
			continue
		}
		if s.enqueue(key, u) {
			b.metrics.ConflatedDrops.WithLabelValues(string(u.Kind)).Inc()
		}
	}
}

// Close drains and closes every subscription. Further publishes and
// subscribes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.logger.Info("bus closed", "subscriptions", len(subs))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		b.metrics.Subscribers.Dec()
	}
}

// Subscription is one consumer's handle. Updates arrive on Updates();
// the channel is closed after Close (or bus shutdown) once the delivery
// loop exits.
type Subscription struct {
	bus    *Bus
	filter Filter
	out    chan types.Update

	mu      sync.Mutex
	pending map[types.UpdateKey]types.Update
	order   []types.UpdateKey

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Updates returns the delivery channel.
func (s *Subscription) Updates() <-chan types.Update { return s.out }

// Close detaches the subscription from the bus and releases its
// resources. Idempotent.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// enqueue stages the update for delivery, replacing any pending update
// for the same key. Reports whether a pending value was replaced.
func (s *Subscription) enqueue(key types.UpdateKey, u types.Update) (conflated bool) {
	s.mu.Lock()
	if _, ok := s.pending[key]; ok {
		conflated = true
	} else {
		s.order = append(s.order, key)
	}
	s.pending[key] = u
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return conflated
}

// deliver moves staged updates into the bounded out channel in key
// arrival order. While it is blocked handing one update to a slow
// consumer, newer values keep conflating in the pending map.
func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.order) == 0 {
				s.mu.Unlock()
				break
			}
			key := s.order[0]
			s.order = s.order[1:]
			u := s.pending[key]
			delete(s.pending, key)
			s.mu.Unlock()

			select {
			case s.out <- u:
			case <-s.done:
				return
			}
		}
	}
}
