package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// dispatcher fans messages out to the subscribers of a key. Delivery never blocks
// the publisher: a subscriber whose buffer is full misses the message.
type dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	stream chan T
	done   chan struct{}
	once   sync.Once
}

func newDispatcher[T any](bufferSize int) *dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// subscribe registers a subscriber under key. The returned cleanup closes the
// stream; it runs automatically when ctx ends and is safe to call more than once.
func (d *dispatcher[T]) subscribe(ctx context.Context, key string) (<-chan T, func()) {
	if key == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     d.nextSequence(),
		stream: make(chan T, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.registerSubscriber(key, sub)
	cleanup := func() {
		d.unregisterSubscriber(key, sub)
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// publish delivers message to every subscriber of key and reports how many accepted it.
func (d *dispatcher[T]) publish(key string, message T) int {
	if key == "" {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	delivered := 0
	for _, sub := range d.subscribers[key] {
		select {
		case sub.stream <- message:
			delivered++
		default:
		}
	}
	return delivered
}

func (d *dispatcher[T]) subscriberCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}

func (d *dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *dispatcher[T]) registerSubscriber(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber[T])
	}
	d.subscribers[key][sub.id] = sub
}

func (d *dispatcher[T]) unregisterSubscriber(key string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, sub.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	sub.once.Do(func() {
		close(sub.stream)
		close(sub.done)
	})
}
