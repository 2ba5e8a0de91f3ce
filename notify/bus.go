// Package notify delivers sync events to the presentation layer.
//
// Publish never blocks: each subscriber owns an unbounded queue drained by its own
// goroutine, so a slow handler delays only itself. A subscriber sees events in the
// order they were published.
package notify

import (
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/quotesync/logging"
	"github.com/c0deZ3R0/quotesync/synckit"
)

// Handler receives events for one subscription.
type Handler func(ev synckit.Event)

// Filter selects the events a subscription receives.
type Filter func(ev synckit.Event) bool

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithTypes restricts a subscription to the given event types.
func WithTypes(types ...synckit.EventType) SubscribeOption {
	set := make(map[synckit.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return WithFilter(func(ev synckit.Event) bool { return set[ev.Type] })
}

// WithKinds restricts a subscription to the given record kinds.
func WithKinds(kinds ...synckit.Kind) SubscribeOption {
	set := make(map[synckit.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return WithFilter(func(ev synckit.Event) bool { return set[ev.Kind] })
}

// WithFilter adds a custom filter. All filters must pass.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscriber) { s.filters = append(s.filters, f) }
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ synckit.Publisher = (*Bus)(nil)

// NewBus creates a bus. A nil logger uses the default logger.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logging.ForComponent(logger, "notify"),
	}
}

// Subscribe registers handler and returns a function that cancels the subscription.
// Events already queued for a cancelled subscription are dropped.
func (b *Bus) Subscribe(handler Handler, opts ...SubscribeOption) (unsubscribe func()) {
	s := &subscriber{handler: handler}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		s.run(b.logger)
	}()

	b.logger.Debug("Subscriber added", slog.Uint64("subscriber", s.id))
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			s.stop(false)
		})
	}
}

// Publish queues ev for every matching subscriber. It never blocks on handlers.
func (b *Bus) Publish(ev synckit.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.accepts(ev) {
			s.enqueue(ev)
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close delivers what is already queued, then stops every subscriber goroutine.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(true)
	}
	b.wg.Wait()
	return nil
}

type subscriber struct {
	id      uint64
	handler Handler
	filters []Filter

	mu    sync.Mutex
	cond  *sync.Cond
	queue []synckit.Event
	done  bool
	drain bool
}

func (s *subscriber) accepts(ev synckit.Event) bool {
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

func (s *subscriber) enqueue(ev synckit.Event) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	s.done = true
	s.drain = drain
	if !drain {
		s.queue = nil
	}
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run(logger *slog.Logger) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 || (s.done && !s.drain) {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = synckit.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(logger, ev)
	}
}

func (s *subscriber) deliver(logger *slog.Logger, ev synckit.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Subscriber panic recovered",
				slog.Uint64("subscriber", s.id),
				slog.Any("panic", r),
				slog.String("event", string(ev.Type)),
				slog.String("key", ev.Key().String()))
		}
	}()
	s.handler(ev)
}
