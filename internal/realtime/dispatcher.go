package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	// EventRecordsPersisted is published after a snapshot write succeeds.
	EventRecordsPersisted = "records-persisted"
	// EventAnnotationsReloaded is published after the annotation map changes.
	EventAnnotationsReloaded = "annotations-reloaded"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Message is a change notification fanned out to every live subscriber.
type Message struct {
	EventType string
	Count     int
	Trigger   string
	Timestamp time.Time
}

// Dispatcher broadcasts messages to subscribers without ever blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream that stays open until ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context) (<-chan Message, func()) {
	sub := &subscriber{stream: make(chan Message, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to every subscriber with buffer room. Slow subscribers miss it.
func (d *Dispatcher) Publish(message Message) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// Subscribers reports how many streams are registered.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
