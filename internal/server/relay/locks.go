package relay

import "sync"

// userLocks serializes read-modify-write cycles per user id. Lock entries
// live for the process lifetime; the map grows with the number of distinct
// users served, not with traffic.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[string]*sync.Mutex)}
}

func (l *userLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	mu, ok := l.m[id]
	if !ok {
		mu = &sync.Mutex{}
		l.m[id] = mu
	}
	return mu
}

// Lock acquires the mutex for one user id and returns the unlock function.
func (l *userLocks) Lock(id string) func() {
	mu := l.get(id)
	mu.Lock()
	return mu.Unlock
}

// LockPair acquires the mutexes for two user ids in lexicographic order, so
// concurrent cross-user operations touching the same pair can never
// deadlock. Equal ids degrade to a single lock.
func (l *userLocks) LockPair(a, b string) func() {
	if a == b {
		return l.Lock(a)
	}
	if b < a {
		a, b = b, a
	}

	first := l.get(a)
	second := l.get(b)
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}
