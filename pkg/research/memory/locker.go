package memory

import "sync"

// Locker hands out one mutex per key. Entries are dropped once nobody holds
// or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*refLock)}
}

func (l *Locker) acquire(key string) *refLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &refLock{}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) release(key string, e *refLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock blocks until key is free and returns its unlock func.
func (l *Locker) Lock(key string) func() {
	e := l.acquire(key)
	e.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.Unlock()
			l.release(key, e)
		})
	}
}

// TryLock is Lock without waiting.
func (l *Locker) TryLock(key string) (func(), bool) {
	e := l.acquire(key)
	if !e.TryLock() {
		l.release(key, e)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.Unlock()
			l.release(key, e)
		})
	}, true
}

func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
