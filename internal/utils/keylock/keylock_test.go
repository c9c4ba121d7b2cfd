package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeySerializes(t *testing.T) {
	m := New[string]()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, m.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := New[string]()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestQueueKeepsEnterOrder(t *testing.T) {
	q := NewQueue[string]()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	first := q.Enter("a")
	for i := 1; i <= 5; i++ {
		turn := q.Enter("a")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer turn.Leave()
			assert.NoError(t, turn.Wait(ctx))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}()
	}
	// later turns only start once the first one leaves
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	assert.NoError(t, first.Wait(ctx))
	first.Leave()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
	assert.Zero(t, q.Len())
}

func TestQueueAbandonedTurnKeepsOrder(t *testing.T) {
	q := NewQueue[string]()

	first := q.Enter("a")
	second := q.Enter("a")
	third := q.Enter("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, second.Wait(ctx), context.Canceled)
	second.Leave()

	waitCtx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	assert.ErrorIs(t, third.Wait(waitCtx), context.DeadlineExceeded)

	first.Leave()
	assert.NoError(t, third.Wait(context.Background()))
	third.Leave()

	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
}
