package orderstate

import (
	"context"
	"sync"
	"time"
)

// SymbolLock provides per-symbol mutual exclusion for order placement.
// Different symbols never contend with each other; the shared map is only
// held long enough to hand out a per-symbol semaphore.
type SymbolLock struct {
	mu    sync.Mutex
	locks map[string]*symLock
}

type symLock struct {
	sem  chan struct{}
	refs int
}

// NewSymbolLock builds an empty lock table.
func NewSymbolLock() *SymbolLock {
	return &SymbolLock{locks: make(map[string]*symLock)}
}

// Acquire takes the lock for symbol, waiting at most wait. It returns a
// release function and whether the lock was actually obtained. On timeout or
// context cancellation the caller gets ok=false and a no-op release: the
// policy is fail-open, trading a small duplicate-order risk for never
// blocking trading indefinitely on the lock.
func (l *SymbolLock) Acquire(ctx context.Context, symbol string, wait time.Duration) (release func(), ok bool) {
	l.mu.Lock()
	s := l.locks[symbol]
	if s == nil {
		s = &symLock{sem: make(chan struct{}, 1)}
		l.locks[symbol] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.sem
				l.put(symbol, s)
			})
		}, true
	case <-timer.C:
	case <-ctx.Done():
	}

	l.put(symbol, s)
	return func() {}, false
}

func (l *SymbolLock) put(symbol string, s *symLock) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.locks, symbol)
	}
	l.mu.Unlock()
}
