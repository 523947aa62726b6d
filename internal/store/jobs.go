package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/provider"
)

// Compile-time check that JobRepository implements job.Repository.
var _ job.Repository = (*JobRepository)(nil)

// JobRepository implements job.Repository on SQLite.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, user_id, kind, status, provider_name, provider_task_id, credit_reservation_id,
	credit_cost, retry_count, params, error_message, artifact_url, thumbnail_url, actual_duration,
	file_size_bytes, upload_attempts, cancel_requested, claim_token, claimed_until, created_at,
	updated_at, processing_started_at, processing_completed_at`

// Create stores a new job.
func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("store: encode params: %w", err)
	}

	n, err := execAffected(ctx, r.db, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.UserID, string(j.Kind), string(j.Status), j.ProviderName, j.ProviderTaskID,
		j.CreditReservationID, j.CreditCost, j.RetryCount, string(params), j.ErrorMessage,
		j.ArtifactURL, j.ThumbnailURL, j.ActualDuration, j.FileSizeBytes, j.UploadAttempts,
		boolToInt(j.CancelRequested), j.ClaimToken, toNanos(j.ClaimedUntil), toNanos(j.CreatedAt),
		toNanos(j.UpdatedAt), toNanos(j.ProcessingStartedAt), toNanos(j.ProcessingCompletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}
	if n == 0 {
		return job.ErrJobExists
	}
	return nil
}

// FindByID returns the job with the given ID.
func (r *JobRepository) FindByID(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return j, nil
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepository) ListByUser(ctx context.Context, userID string) ([]*job.Job, error) {
	return r.list(ctx, `WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

// ListByStatus returns jobs in the given status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return r.list(ctx, `WHERE status = ? ORDER BY created_at ASC, id`, string(status))
}

// Update persists j if the stored status still equals expected.
// The reconciliation lease columns are never written here.
func (r *JobRepository) Update(ctx context.Context, j *job.Job, expected job.Status) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("store: encode params: %w", err)
	}

	n, err := execAffected(ctx, r.db, `
		UPDATE jobs SET
			status = ?, provider_name = ?, provider_task_id = ?, credit_reservation_id = ?,
			credit_cost = ?, retry_count = ?, params = ?, error_message = ?, artifact_url = ?,
			thumbnail_url = ?, actual_duration = ?, file_size_bytes = ?, upload_attempts = ?,
			cancel_requested = ?, updated_at = ?, processing_started_at = ?, processing_completed_at = ?
		WHERE id = ? AND status = ?`,
		string(j.Status), j.ProviderName, j.ProviderTaskID, j.CreditReservationID,
		j.CreditCost, j.RetryCount, string(params), j.ErrorMessage, j.ArtifactURL,
		j.ThumbnailURL, j.ActualDuration, j.FileSizeBytes, j.UploadAttempts,
		boolToInt(j.CancelRequested), toNanos(j.UpdatedAt), toNanos(j.ProcessingStartedAt),
		toNanos(j.ProcessingCompletedAt),
		j.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}
	if n == 0 {
		return r.missingOr(ctx, j.ID, job.ErrStatusConflict)
	}
	return nil
}

// Claim takes the lease of a processing job if it is free, expired or
// already held by token.
func (r *JobRepository) Claim(ctx context.Context, id, token string, until, now time.Time) (bool, error) {
	n, err := execAffected(ctx, r.db, `
		UPDATE jobs SET claim_token = ?, claimed_until = ?
		WHERE id = ? AND status = ? AND (claim_token = '' OR claim_token = ? OR claimed_until <= ?)`,
		token, toNanos(until), id, string(job.StatusProcessing), token, toNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("store: claim job: %w", err)
	}
	if n == 0 {
		return false, r.missingOr(ctx, id, nil)
	}
	return true, nil
}

// Release drops the lease if token still holds it.
func (r *JobRepository) Release(ctx context.Context, id, token string) error {
	n, err := execAffected(ctx, r.db,
		`UPDATE jobs SET claim_token = '', claimed_until = 0 WHERE id = ? AND claim_token = ?`, id, token)
	if err != nil {
		return fmt.Errorf("store: release job: %w", err)
	}
	if n == 0 {
		return r.missingOr(ctx, id, nil)
	}
	return nil
}

// Delete removes a job.
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	n, err := execAffected(ctx, r.db, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	if n == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// missingOr returns ErrJobNotFound if the job does not exist, otherwise fallback.
func (r *JobRepository) missingOr(ctx context.Context, id string, fallback error) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get job: %w", err)
	}
	return fallback
}

func (r *JobRepository) list(ctx context.Context, where string, args ...any) ([]*job.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return result, nil
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                                          job.Job
		kind, status, params                       string
		cancelRequested                            int
		claimedUntil, createdAt, updatedAt         int64
		processingStartedAt, processingCompletedAt int64
	)
	err := row.Scan(
		&j.ID, &j.UserID, &kind, &status, &j.ProviderName, &j.ProviderTaskID, &j.CreditReservationID,
		&j.CreditCost, &j.RetryCount, &params, &j.ErrorMessage, &j.ArtifactURL, &j.ThumbnailURL,
		&j.ActualDuration, &j.FileSizeBytes, &j.UploadAttempts, &cancelRequested, &j.ClaimToken,
		&claimedUntil, &createdAt, &updatedAt, &processingStartedAt, &processingCompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	j.Kind = provider.Kind(kind)
	j.Status = job.Status(status)
	j.CancelRequested = cancelRequested != 0
	j.ClaimedUntil = fromNanos(claimedUntil)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	j.ProcessingStartedAt = fromNanos(processingStartedAt)
	j.ProcessingCompletedAt = fromNanos(processingCompletedAt)
	return &j, nil
}
