package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job: not found")
	// ErrStatusConflict is returned when a compare-and-set update finds a different stored status.
	ErrStatusConflict = errors.New("job: status changed concurrently")
	// ErrJobExists is returned when creating a job whose ID is taken.
	ErrJobExists = errors.New("job: already exists")
)

// Repository defines the interface for job persistence.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// Create persists a new job.
	Create(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// ListByUser returns the user's jobs, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Job, error)

	// ListByStatus returns all jobs in a status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)

	// Update persists job only if the stored status still equals expected.
	// Returns ErrStatusConflict otherwise. Claim fields are never written.
	Update(ctx context.Context, job *Job, expected Status) error

	// Claim takes the reconciliation lease on a processing job until the
	// given time. It returns false when the job is not processing or another
	// holder's lease has not expired at now.
	Claim(ctx context.Context, id, token string, until, now time.Time) (bool, error)

	// Release drops the lease if it is still held by token.
	Release(ctx context.Context, id, token string) error

	// Delete removes a job from storage.
	// Returns ErrJobNotFound if the job does not exist.
	Delete(ctx context.Context, id string) error
}
