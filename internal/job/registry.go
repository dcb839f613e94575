package job

import (
	"context"
	"slices"
	"sync"
	"time"

	"studio/internal/apperrors"
	"studio/internal/stageexec"
)

// Registry persists job records. Implementations enforce forward-only state
// transitions: MarkRunning only moves a pending job, MarkFinished only moves
// a pending or running job, and each reports apperrors.ErrConflict otherwise.
type Registry interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns records in creation order.
	List(ctx context.Context, filter Filter) ([]Record, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkFinished(ctx context.Context, id, state string, at time.Time, failure *stageexec.Failure) error
	AddDegraded(ctx context.Context, id, name string) error
	Close() error
}

// MemoryRegistry keeps records in process memory. Records do not survive a
// restart; use it for tests and throwaway deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*Record)}
}

func (r *MemoryRegistry) Create(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return apperrors.AlreadyExists("job", rec.ID)
	}
	cp := cloneRecord(rec)
	r.records[rec.ID] = cp
	r.order = append(r.order, rec.ID)
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRegistry) List(_ context.Context, filter Filter) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		if filter.Stage != "" && rec.Stage != filter.Stage {
			continue
		}
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		out = append(out, *cloneRecord(rec))
	}
	return out, nil
}

func (r *MemoryRegistry) MarkRunning(_ context.Context, id string, at time.Time) error {
	return r.transition(id, []string{StatePending}, func(rec *Record) {
		rec.State = StateRunning
		rec.StartedAt = &at
	})
}

func (r *MemoryRegistry) MarkFinished(_ context.Context, id, state string, at time.Time, failure *stageexec.Failure) error {
	if !Terminal(state) {
		return apperrors.Validation("state", "finished state must be completed or failed")
	}
	return r.transition(id, []string{StatePending, StateRunning}, func(rec *Record) {
		rec.State = state
		rec.FinishedAt = &at
		rec.Failure = failure
	})
}

func (r *MemoryRegistry) AddDegraded(_ context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if !slices.Contains(rec.Degraded, name) {
		rec.Degraded = append(rec.Degraded, name)
	}
	return nil
}

func (r *MemoryRegistry) Close() error { return nil }

func (r *MemoryRegistry) transition(id string, from []string, apply func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if !slices.Contains(from, rec.State) {
		return apperrors.Conflict("job", id, "job "+id+" is already "+rec.State)
	}
	apply(rec)
	return nil
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.References = rec.References.Clone()
	cp.Degraded = slices.Clone(rec.Degraded)
	if rec.Failure != nil {
		f := *rec.Failure
		cp.Failure = &f
	}
	return &cp
}
