package ports

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of notifications. Pushing never blocks so a
// slow consumer can't stall the connection reading from the server.
type Queue struct {
	lock   sync.Mutex
	items  []Notification
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(notification Notification) {
	q.lock.Lock()
	q.items = append(q.items, notification)
	q.lock.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop waits for the next notification or for the context to be done.
func (q *Queue) Pop(ctx context.Context) (Notification, error) {
	for {
		if notification, ok := q.TryPop(); ok {
			return notification, nil
		}
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) TryPop() (Notification, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.items) <= 0 {
		return Notification{}, false
	}
	notification := q.items[0]
	q.items[0] = Notification{}
	q.items = q.items[1:]
	return notification, true
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}
