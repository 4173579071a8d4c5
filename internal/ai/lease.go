package ai

import "sync"

// leases serializes turns per conversation id within this process.
type leases struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newLeases() *leases {
	return &leases{active: make(map[string]struct{})}
}

// acquire returns a release func, or false when a turn already holds id.
func (l *leases) acquire(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[id]; busy {
		return nil, false
	}
	l.active[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, id)
			l.mu.Unlock()
		})
	}, true
}

func (l *leases) held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[id]
	return ok
}
