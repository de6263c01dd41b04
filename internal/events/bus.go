package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ralt/resolvd/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Sink receives every published envelope, for forwarding outside the process
type Sink interface {
	Deliver(env Envelope) error
}

// Bus is a publish-only broadcast channel. Publishing never blocks: a
// subscriber that falls behind misses events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Envelope
	nextID  int
	sinks   []Sink
	metrics metrics.Recorder
	closed  bool
}

// NewBus creates a bus; rec may be nil
func NewBus(rec metrics.Recorder) *Bus {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Bus{subs: make(map[int]chan Envelope), metrics: rec}
}

// AddSink registers a forwarding sink
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe returns a channel of envelopes and a function that ends the
// subscription and closes the channel
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps e and fans it out to subscribers and sinks
func (b *Bus) Publish(e Event) Envelope {
	env := Envelope{
		ID:    uuid.NewString(),
		Kind:  e.Kind(),
		Key:   e.PackageKey(),
		At:    time.Now(),
		Event: e,
	}

	b.metrics.IncEvent(string(env.Kind))
	logrus.Debugf("Event %s", Describe(e))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return env
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			logrus.Debugf("Dropping %s event for slow subscriber %d", env.Kind, id)
		}
	}
	for _, s := range b.sinks {
		if err := s.Deliver(env); err != nil {
			logrus.Warnf("Failed to forward %s event: %v", env.Kind, err)
		}
	}
	return env
}

// Close ends every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
