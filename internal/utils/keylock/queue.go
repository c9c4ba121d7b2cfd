package keylock

import (
	"context"
	"sync"
)

// Queue hands out turns per key in the order Enter is called.
type Queue[K comparable] struct {
	mu    sync.Mutex
	tails map[K]chan struct{}
}

// Turn is one place in a key's queue. Leave must be called exactly once.
type Turn struct {
	prev <-chan struct{}
	mine chan struct{}
	done func()
}

func NewQueue[K comparable]() *Queue[K] {
	return &Queue[K]{tails: make(map[K]chan struct{})}
}

func (q *Queue[K]) Enter(key K) *Turn {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.tails[key]
	mine := make(chan struct{})
	q.tails[key] = mine

	return &Turn{
		prev: prev,
		mine: mine,
		done: func() {
			q.mu.Lock()
			if q.tails[key] == mine {
				delete(q.tails, key)
			}
			q.mu.Unlock()
			close(mine)
		},
	}
}

// Wait blocks until every earlier turn for the key has left.
func (t *Turn) Wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave passes the turn on. A turn abandoned before its predecessor left
// still hands over only after that predecessor.
func (t *Turn) Leave() {
	if t.prev == nil {
		t.done()
		return
	}
	select {
	case <-t.prev:
		t.done()
	default:
		go func() {
			<-t.prev
			t.done()
		}()
	}
}

func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
