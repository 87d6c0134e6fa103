package update

import "sync"

// feedLocks serializes operations on the same feed so checkpoints only move forward.
type feedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *feedLocks) lock(feedID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[feedID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[feedID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
