package events

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBufferSize is the default capacity of the bus queue.
const DefaultBufferSize = 256

// Bus queues published events and delivers them to subscribers from its own
// goroutine (see Run). Publish never blocks; when the queue is full the event
// is dropped and counted.
type Bus struct {
	log   *zap.SugaredLogger
	queue chan Event

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	dropped atomic.Uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus with the given queue size (DefaultBufferSize if <= 0).
func NewBus(bufSize int, log *zap.SugaredLogger) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Bus{
		log:      log,
		queue:    make(chan Event, bufSize),
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish enqueues e.
func (b *Bus) Publish(e Event) {
	select {
	case b.queue <- e:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.log.Warnw("event queue full, dropping events", "kind", e.Kind, "dropped", b.dropped.Load())
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run delivers events until ctx is cancelled, then drains what is queued.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case e := <-b.queue:
			b.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-b.queue:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}
