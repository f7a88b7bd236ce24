// Package event is the hand-off between network goroutines and the
// presentation layer. Network components publish; whatever single-threaded
// UI owns rendering drains the queue on its own schedule. UI state is never
// mutated from a network goroutine.
package event

import "sync/atomic"

// Type distinguishes events handed to the presentation layer.
type Type int

const (
	// PeerListChanged fires after any peer-table mutation.
	PeerListChanged Type = iota
	// MessageReceived fires exactly once per accepted inbound chat message.
	MessageReceived
)

func (t Type) String() string {
	switch t {
	case PeerListChanged:
		return "peer_list_changed"
	case MessageReceived:
		return "message_received"
	default:
		return "unknown"
	}
}

// Event is one notification. Addr and Text are set for MessageReceived;
// PeerListChanged carries no payload (consumers re-read the registry).
type Event struct {
	Type Type
	Addr string
	Text string
}

// Queue is a bounded event channel. Publish never blocks: when the
// consumer falls behind the event is dropped and counted. A dropped
// PeerListChanged is harmless (the next one repaints the same state); a
// dropped MessageReceived still leaves the message in history.
type Queue struct {
	ch      chan Event
	dropped atomic.Uint64
}

// NewQueue builds a queue with the given buffer size.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Event, size)}
}

// Publish enqueues e, dropping it when the buffer is full.
func (q *Queue) Publish(e Event) {
	select {
	case q.ch <- e:
	default:
		q.dropped.Add(1)
	}
}

// C returns the receive side for the presentation layer.
func (q *Queue) C() <-chan Event {
	return q.ch
}

// Dropped reports how many events were discarded because the consumer fell
// behind.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
