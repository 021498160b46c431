package engine

import (
	"context"
	"sync"
)

// queueLocks serializes distribution per queue id. Entries are dropped once
// nobody holds or waits for them.
type queueLocks struct {
	disabled bool
	mu       sync.Mutex
	m        map[string]*queueLock
}

type queueLock struct {
	ch   chan struct{}
	refs int
}

func newQueueLocks(enabled bool) *queueLocks {
	return &queueLocks{disabled: !enabled, m: map[string]*queueLock{}}
}

// lock blocks until the queue is free or ctx is done. The returned release
// func is safe to call more than once.
func (l *queueLocks) lock(ctx context.Context, queueID string) (func(), error) {
	if l.disabled {
		return func() {}, nil
	}
	l.mu.Lock()
	ql := l.m[queueID]
	if ql == nil {
		ql = &queueLock{ch: make(chan struct{}, 1)}
		l.m[queueID] = ql
	}
	ql.refs++
	l.mu.Unlock()

	select {
	case ql.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(queueID, ql)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-ql.ch
			l.drop(queueID, ql)
		})
	}, nil
}

func (l *queueLocks) drop(queueID string, ql *queueLock) {
	l.mu.Lock()
	ql.refs--
	if ql.refs == 0 {
		delete(l.m, queueID)
	}
	l.mu.Unlock()
}

func (l *queueLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
