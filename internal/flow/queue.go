package flow

import (
	"context"
	"sync"
)

// SerialQueue runs tasks one at a time per key, in submission order. Different keys run
// concurrently.
type SerialQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewSerialQueue creates an empty queue.
func NewSerialQueue() *SerialQueue {
	return &SerialQueue{tails: make(map[string]chan struct{})}
}

// Do waits for every earlier task of key, then runs fn. If ctx ends while waiting, fn is
// skipped and ctx.Err() returned; later tasks still wait for the earlier ones.
func (q *SerialQueue) Do(ctx context.Context, key string, fn func() error) error {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	finish := func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}
	defer finish()
	return fn()
}

// Pending reports whether key has a running or waiting task.
func (q *SerialQueue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tails[key]
	return ok
}
