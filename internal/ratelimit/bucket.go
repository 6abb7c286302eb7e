// Package ratelimit provides the gateway's admission control: a token bucket
// with FIFO-fair waiters and a controller that bounds how long a request may
// wait for credit.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidAmount is returned when a caller asks for zero, negative, or more
// credits than the bucket can ever hold.
var ErrInvalidAmount = errors.New("ratelimit: requested credits out of range")

// TokenBucket is a capacity-bounded credit counter refilled by a fixed amount
// every interval. Waiters are released strictly in arrival order.
//
// The bucket starts full. Close stops the refill task.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	rate     int
	interval time.Duration
	credit   int
	waiters  *list.List // of *waiter, oldest first

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type waiter struct {
	n       int
	ready   chan struct{}
	granted bool
}

// NewTokenBucket creates a full bucket and starts its refill task.
// Non-positive capacity, rate or interval are raised to 1, 1 and one second.
func NewTokenBucket(capacity, rate int, interval time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if rate < 1 {
		rate = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	b := &TokenBucket{
		capacity: capacity,
		rate:     rate,
		interval: interval,
		credit:   capacity,
		waiters:  list.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// Capacity returns the maximum credit the bucket holds.
func (b *TokenBucket) Capacity() int {
	return b.capacity
}

// Available returns the credit currently in the bucket.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit
}

// Waiting returns the number of queued acquisitions.
func (b *TokenBucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters.Len()
}

// TryAcquire deducts n credits without waiting. It fails if credit is short
// or anyone is already queued.
func (b *TokenBucket) TryAcquire(n int) bool {
	if n < 1 || n > b.capacity {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiters.Len() == 0 && b.credit >= n {
		b.credit -= n
		return true
	}
	return false
}

// Acquire blocks until n credits have been deducted or ctx is done.
//
// When ctx ends first the acquisition is abandoned: the waiter leaves the
// queue and, if credit had been granted in the meantime, it is returned to
// the bucket. A non-nil error therefore always means no credit was consumed.
func (b *TokenBucket) Acquire(ctx context.Context, n int) error {
	if n < 1 || n > b.capacity {
		return ErrInvalidAmount
	}
	// A caller that is already gone gets nothing, even if credit is free.
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.waiters.Len() == 0 && b.credit >= n {
		b.credit -= n
		b.mu.Unlock()
		return nil
	}
	w := &waiter{n: n, ready: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if w.granted {
		// Lost the race with a grant: hand the credit back.
		b.credit = min(b.capacity, b.credit+w.n)
	} else {
		b.waiters.Remove(elem)
	}
	// The abandoned waiter may have been blocking smaller requests behind it.
	b.grantLocked()
	return ctx.Err()
}

// Close stops the refill task. Queued waiters keep waiting until their
// contexts end.
func (b *TokenBucket) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *TokenBucket) refillLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.refill()
		case <-b.stop:
			return
		}
	}
}

func (b *TokenBucket) refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit = min(b.capacity, b.credit+b.rate)
	b.grantLocked()
}

// grantLocked releases waiters from the front of the queue while credit
// lasts. It stops at the first waiter that cannot be satisfied so that no
// later arrival overtakes it.
func (b *TokenBucket) grantLocked() {
	for front := b.waiters.Front(); front != nil; front = b.waiters.Front() {
		w := front.Value.(*waiter)
		if b.credit < w.n {
			return
		}
		b.credit -= w.n
		w.granted = true
		close(w.ready)
		b.waiters.Remove(front)
	}
}
