// Package observer replaces the Thread/Subject base-class inheritance
// pattern with task + channel: state transitions are published as
// Events on a bus that any number of subscribers drain independently.
package observer

import "sync"

// Kind identifies what changed.
type Kind int

const (
	QueueAdded Kind = iota
	QueueRemoved
	FileCompleted
	FileDeleted
	ArticleTransition
	BundleStageChanged
)

// Event is one published state transition. Subject is the subject of the
// change (an *domain.NzbInfo, *domain.FileInfo, or *domain.ArticleInfo)
// left untyped here so the bus has no import-cycle dependency on domain.
type Event struct {
	Kind    Kind
	Subject any
	Detail  string
}

// Bus is a simple fan-out publisher. Each subscriber gets its own
// buffered channel; a slow subscriber drops events rather than blocking
// the publisher (the queue lock must never wait on an observer).
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel of future events. Buffered to absorb
// bursts; when a channel is full, Publish drops the new event for that
// subscriber and the events already buffered are kept.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans an event out to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop rather than stall the caller.
		}
	}
}
