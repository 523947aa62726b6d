package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; use the SQLite repository for persistence.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
	}
}

// Create stores a clone of the job.
func (r *MemoryRepository) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return ErrJobExists
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// FindByID retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListByUser returns the user's jobs, newest first.
func (r *MemoryRepository) ListByUser(_ context.Context, userID string) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.UserID == userID {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListByStatus returns all jobs in a status, oldest first.
func (r *MemoryRepository) ListByStatus(_ context.Context, status Status) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.Status == status {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Update replaces the stored job if its status still equals expected.
func (r *MemoryRepository) Update(_ context.Context, job *Job, expected Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.Status != expected {
		return ErrStatusConflict
	}
	updated := job.Clone()
	updated.ClaimToken = stored.ClaimToken
	updated.ClaimedUntil = stored.ClaimedUntil
	r.jobs[job.ID] = updated
	return nil
}

// Claim takes the lease of a processing job if it is free or expired.
func (r *MemoryRepository) Claim(_ context.Context, id, token string, until, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if stored.Status != StatusProcessing {
		return false, nil
	}
	if stored.ClaimToken != "" && stored.ClaimToken != token && stored.ClaimedUntil.After(now) {
		return false, nil
	}
	stored.ClaimToken = token
	stored.ClaimedUntil = until
	return true, nil
}

// Release drops the lease held by token.
func (r *MemoryRepository) Release(_ context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if stored.ClaimToken == token {
		stored.ClaimToken = ""
		stored.ClaimedUntil = time.Time{}
	}
	return nil
}

// Delete removes a job from storage.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}
