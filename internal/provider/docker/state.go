package docker

import (
	"sync"

	"studio/internal/apperrors"
)

// runState holds the runtime state of one compositing container.
type runState struct {
	containerID string
	outputPath  string
}

// runRepo tracks in-flight compositing runs keyed by job and kind.
// A key is reserved before any container exists so two runs for the same
// output cannot race.
type runRepo struct {
	mu   sync.RWMutex
	runs map[string]*runState
}

func newRunRepo() *runRepo {
	return &runRepo{
		runs: make(map[string]*runState),
	}
}

// reserve claims a run key. The slot holds nil until commit is called.
func (r *runRepo) reserve(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[key]; exists {
		return apperrors.Conflict("composite", key, "compositing run "+key+" is already in progress")
	}
	r.runs[key] = nil
	return nil
}

// commit fills in a reserved slot with the started container.
func (r *runRepo) commit(key string, rs *runState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[key] = rs
}

// release removes a run. Returns the state if it existed.
func (r *runRepo) release(key string) (*runState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, exists := r.runs[key]
	if exists {
		delete(r.runs, key)
	}
	return rs, exists
}

// get retrieves a run. Returns (nil, true) if reserved but not yet committed.
func (r *runRepo) get(key string) (*runState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs, exists := r.runs[key]
	return rs, exists
}

// containers returns the IDs of all committed runs.
func (r *runRepo) containers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.runs))
	for _, rs := range r.runs {
		if rs != nil && rs.containerID != "" {
			ids = append(ids, rs.containerID)
		}
	}
	return ids
}

// len returns the number of tracked runs, reserved or committed.
func (r *runRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
