package mqtt

import "sync"

type eventKind int

const (
	eventInterrupted eventKind = iota + 1
	eventResumed
)

// sessionEvent is a transport notification waiting for the session loop.
type sessionEvent struct {
	kind           eventKind
	err            error
	sessionPresent bool
}

// eventQueue is an unbounded FIFO with a single consumer.
// push never blocks, so paho callbacks return immediately.
type eventQueue struct {
	mu     sync.Mutex
	items  []sessionEvent
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev sessionEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (q *eventQueue) drain() []sessionEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *eventQueue) ready() <-chan struct{} {
	return q.notify
}
