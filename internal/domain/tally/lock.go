package tally

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// SemaphoreLocker: блокировка по ключу внутри одного процесса.
// Для нескольких инстансов нужен AdvisoryLocker из repo.go.
type SemaphoreLocker struct {
	mu      sync.Mutex
	keys    map[string]*keySem
	timeout time.Duration
}

type keySem struct {
	sem  *semaphore.Weighted
	refs int
}

func NewSemaphoreLocker(timeout time.Duration) *SemaphoreLocker {
	return &SemaphoreLocker{keys: map[string]*keySem{}, timeout: timeout}
}

func (l *SemaphoreLocker) Lock(ctx context.Context, key string) (func(), error) {
	key = normalizeKey(key)

	l.mu.Lock()
	ks, ok := l.keys[key]
	if !ok {
		ks = &keySem{sem: semaphore.NewWeighted(1)}
		l.keys[key] = ks
	}
	ks.refs++
	l.mu.Unlock()

	acqCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := ks.sem.Acquire(acqCtx, 1); err != nil {
		l.release(key, ks, false)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, ks, true) })
	}, nil
}

func (l *SemaphoreLocker) release(key string, ks *keySem, held bool) {
	if held {
		ks.sem.Release(1)
	}
	l.mu.Lock()
	ks.refs--
	if ks.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}
