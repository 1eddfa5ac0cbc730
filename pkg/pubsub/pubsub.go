// Package pubsub provides a basic Publish/Subscribe implementation, used to
// fan out state updates to the status, persistence and health components.
package pubsub

import (
	"log/slog"
	"sync"
)

// Publisher sends every published item to all registered subscribers.
type Publisher[T any] struct {
	subscribers map[chan T]struct{}
	logger      *slog.Logger
	lock        sync.RWMutex
}

func New[T any](logger *slog.Logger) *Publisher[T] {
	return &Publisher[T]{
		subscribers: make(map[chan T]struct{}),
		logger:      logger,
	}
}

// Subscribe registers the caller and returns the channel on which it will receive updates.
func (p *Publisher[T]) Subscribe() chan T {
	p.lock.Lock()
	defer p.lock.Unlock()
	ch := make(chan T, 1)
	p.subscribers[ch] = struct{}{}
	p.logger.Debug("subscriber added", slog.Int("subscribers", len(p.subscribers)))
	return ch
}

// Unsubscribe removes the registered subscriber.
func (p *Publisher[T]) Unsubscribe(ch chan T) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.subscribers, ch)
	p.logger.Debug("subscriber removed", slog.Int("subscribers", len(p.subscribers)))
}

// Publish sends info to all registered subscribers. A subscriber that has not
// drained its previous update misses the new one rather than blocking the publisher.
func (p *Publisher[T]) Publish(info T) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for ch := range p.subscribers {
		select {
		case ch <- info:
		default:
		}
	}
}

// Subscribers returns the current number of subscribers.
func (p *Publisher[T]) Subscribers() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.subscribers)
}
