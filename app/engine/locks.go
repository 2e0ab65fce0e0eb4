package engine

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// userLocks serializes work per user. Entries are reference counted and
// dropped once nobody holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func newUserLocks() *userLocks {
	return &userLocks{locks: map[string]*lockEntry{}}
}

// lock blocks until the user's lock is held and returns the release func.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &lockEntry{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs <= 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
