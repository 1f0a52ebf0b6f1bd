package chart

import (
	"context"
	"sync"
)

// Bus fans chart events out to subscribers without locks.  Publishing never
// blocks: a subscriber that falls behind misses events and is expected to
// resync from a snapshot.
type Bus struct {
	publish     chan Event
	subscribe   chan chan Event
	unsubscribe chan chan Event
	stop        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
}

// NewBus starts the fan-out goroutine.  It runs until Close.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Event, buffer),
		subscribe:   make(chan chan Event),
		unsubscribe: make(chan chan Event),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish queues ev for every subscriber.
func (b *Bus) Publish(ev Event) {
	select {
	case b.publish <- ev:
	default:
	}
}

// Subscribe returns a channel of events that closes when ctx ends or the
// bus is closed.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	select {
	case b.subscribe <- ch:
	case <-b.stopped:
		close(ch)
		return ch
	}

	go func() {
		select {
		case <-ctx.Done():
			select {
			case b.unsubscribe <- ch:
			case <-b.stopped:
			}
		case <-b.stopped:
		}
	}()
	return ch
}

// Close stops the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.stopped
}

func (b *Bus) run() {
	listeners := make(map[chan Event]struct{})
	defer func() {
		for ch := range listeners {
			close(ch)
		}
		close(b.stopped)
	}()

	for {
		select {
		case ch := <-b.subscribe:
			listeners[ch] = struct{}{}
		case ch := <-b.unsubscribe:
			if _, ok := listeners[ch]; ok {
				delete(listeners, ch)
				close(ch)
			}
		case ev := <-b.publish:
			for ch := range listeners {
				select {
				case ch <- ev:
				default:
				}
			}
		case <-b.stop:
			return
		}
	}
}
