package service

import "sync"

// stampedeTracker counts cache misses in progress per polygon. More than one
// at a time means concurrent requests are each computing the same payload.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{active: make(map[string]int)}
}

// begin records a miss for key and returns the number of misses now in
// progress for it, including this one. Call done once the miss is resolved.
func (st *stampedeTracker) begin(key string) (concurrent int, done func()) {
	st.mu.Lock()
	st.active[key]++
	concurrent = st.active[key]
	st.mu.Unlock()

	var once sync.Once
	return concurrent, func() {
		once.Do(func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			if st.active[key] <= 1 {
				delete(st.active, key)
				return
			}
			st.active[key]--
		})
	}
}

// inProgress returns the misses currently in progress for key.
func (st *stampedeTracker) inProgress(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}
