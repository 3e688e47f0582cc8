package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"overdrive/internal/logging"
)

// Handler consumes one event. Handlers for a single subscription run
// sequentially in publish order; handlers across subscriptions run
// independently.
type Handler func(Event)

// DefaultBuffer is the per-subscription channel depth.
const DefaultBuffer = 64

type subscription struct {
	def string // empty means all events
	ch  chan Event
}

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	buffer  int
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// New returns a bus with the default per-subscription buffer.
func New() *Bus {
	return NewWithBuffer(DefaultBuffer)
}

// NewWithBuffer returns a bus with a custom per-subscription buffer.
func NewWithBuffer(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer}
}

// Publish delivers the event to every matching subscription without
// blocking. Slow subscribers lose events once their buffer fills.
func (b *Bus) Publish(def Def, payload interface{}) {
	ev := Event{Def: def, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.def != "" && sub.def != def.Name {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			logging.Get(logging.CategoryBus).Warnf("dropped event %s: subscriber buffer full", def.Name)
		}
	}
}

// Subscribe registers a handler for one event type. The returned func
// cancels the subscription and waits for its drain goroutine to stop.
func (b *Bus) Subscribe(def Def, h Handler) func() {
	return b.subscribe(def.Name, h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(def string, h Handler) func() {
	sub := &subscription{def: def, ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			h(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			removed := false
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					removed = true
					break
				}
			}
			b.mu.Unlock()
			// Close already closed the channel if it got there first.
			if removed {
				close(sub.ch)
			}
		})
	}
}

// Dropped reports how many events were lost to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops delivery and waits for all drain goroutines to finish.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
}

// Recorder collects events for tests. Subscribe it with SubscribeAll or
// per-def and inspect what was published.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handler returns the recording handler.
func (r *Recorder) Handler() Handler {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(def Def) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Def.Name == def.Name {
			n++
		}
	}
	return n
}

// First returns the first recorded event with the given name.
func (r *Recorder) First(def Def) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Def.Name == def.Name {
			return ev, true
		}
	}
	return Event{}, false
}
