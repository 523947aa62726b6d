package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/videogen-api/internal/id"
	"github.com/maauso/videogen-api/internal/ledger"
	"github.com/maauso/videogen-api/internal/provider"
)

// DefaultMaxRetries is the retry budget of a job.
const DefaultMaxRetries = 3

// CancelledByUser is the error message of a job cancelled by its owner.
const CancelledByUser = "cancelled by user"

// Static errors for job use cases.
var (
	// ErrInvalidInput is returned when CreateInput fails validation.
	ErrInvalidInput = errors.New("job: invalid input")
	// ErrSubmission wraps the provider error of a failed submission.
	ErrSubmission = errors.New("job: submission failed")
	// ErrTimeoutExceeded is the reason recorded on jobs force-failed by the ceiling.
	ErrTimeoutExceeded = errors.New("job: processing timeout exceeded")
	// ErrRetryLimitExceeded is returned when a job used its whole retry budget.
	ErrRetryLimitExceeded = errors.New("job: retry limit exceeded")
	// ErrJobActive is returned when deleting a job that has not finished.
	ErrJobActive = errors.New("job: job is still active")
)

// CreditLedger is the subset of the credit ledger the job use cases need.
type CreditLedger interface {
	Reserve(ctx context.Context, userID, jobID string, amount int64) (string, error)
	Confirm(ctx context.Context, reservationID string) (int64, error)
	Return(ctx context.Context, reservationID, reason string) (int64, error)
	PendingOlderThan(ctx context.Context, age time.Duration) ([]ledger.Reservation, error)
}

// Notifier is told about every persisted status change.
type Notifier interface {
	JobChanged(ctx context.Context, job *Job)
}

// ArtifactDeleter removes stored artifacts.
type ArtifactDeleter interface {
	Delete(ctx context.Context, url string) error
}

// CreateInput contains the parameters of a new job.
type CreateInput struct {
	UserID          string        `validate:"required"`
	Kind            provider.Kind `validate:"required,oneof=text avatar"`
	Provider        string
	Prompt          string `validate:"max=4000"`
	Script          string `validate:"max=10000"`
	ImageURL        string `validate:"omitempty,url"`
	AudioURL        string `validate:"omitempty,url"`
	Width           int    `validate:"min=0,max=4096"`
	Height          int    `validate:"min=0,max=4096"`
	DurationSeconds int    `validate:"min=0,max=60"`
	CreditCost      int64  `validate:"required,min=1"`
}

// Service orchestrates the job lifecycle: creation with a credit
// reservation, provider submission, failure, retry, cancellation and deletion.
// Completion is owned by the completion handler.
type Service struct {
	repo       Repository
	credits    CreditLedger
	providers  *provider.Registry
	notifier   Notifier
	artifacts  ArtifactDeleter
	logger     *slog.Logger
	validator  *validator.Validate
	now        func() time.Time
	maxRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the status change notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithArtifactDeleter sets the store used to delete artifacts of deleted jobs.
func WithArtifactDeleter(d ArtifactDeleter) ServiceOption {
	return func(s *Service) {
		s.artifacts = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// NewService creates a new Service.
func NewService(repo Repository, credits CreditLedger, providers *provider.Registry, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:       repo,
		credits:    credits,
		providers:  providers,
		logger:     logger,
		validator:  validator.New(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the input, reserves credits and persists a pending job.
// No job exists when the reservation fails.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Job, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	switch {
	case in.Kind == provider.KindText && in.Prompt == "" && in.Script == "":
		return nil, fmt.Errorf("%w: text jobs need a prompt or a script", ErrInvalidInput)
	case in.Kind == provider.KindAvatar && (in.ImageURL == "" || in.AudioURL == ""):
		return nil, fmt.Errorf("%w: avatar jobs need an image URL and an audio URL", ErrInvalidInput)
	}

	reg, err := s.providers.Select(in.Kind, in.Provider)
	if err != nil {
		return nil, err
	}

	job := New(in.UserID, in.Kind, Params{
		Prompt:          in.Prompt,
		Script:          in.Script,
		ImageURL:        in.ImageURL,
		AudioURL:        in.AudioURL,
		Width:           in.Width,
		Height:          in.Height,
		DurationSeconds: in.DurationSeconds,
	}, in.CreditCost, s.now())
	job.ProviderName = reg.Name()

	reservationID, err := s.credits.Reserve(ctx, in.UserID, job.ID, in.CreditCost)
	if err != nil {
		return nil, err
	}
	job.CreditReservationID = reservationID

	if err := s.repo.Create(ctx, job); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		s.returnCredits(context.WithoutCancel(ctx), job, "job could not be saved")
		return nil, fmt.Errorf("job: create: %w", err)
	}

	s.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("kind", string(job.Kind)),
		slog.String("provider", job.ProviderName),
		slog.Int64("credit_cost", job.CreditCost),
	)
	s.notify(ctx, job)
	return job, nil
}

// Submit hands a pending job to its provider.
// On success the job is processing; on failure it is failed, its credits are
// returned, and the returned error wraps ErrSubmission.
// The outcome is persisted even if ctx is cancelled after the provider call.
func (s *Service) Submit(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return job, fmt.Errorf("%w: cannot submit %s job", ErrInvalidTransition, job.Status)
	}

	persistCtx := context.WithoutCancel(ctx)

	reg, ok := s.providers.Lookup(job.ProviderName)
	if !ok {
		return s.failSubmission(persistCtx, job, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, job.ProviderName))
	}

	taskID, err := reg.Adapter.Submit(ctx, job.Request())
	if err != nil {
		return s.failSubmission(persistCtx, job, err)
	}

	if err := job.MarkProcessing(taskID, s.now()); err != nil {
		return job, err
	}
	if err := s.repo.Update(persistCtx, job, StatusPending); err != nil {
		// The job was cancelled while the provider call was in flight.
		s.logger.Warn("job changed during submission, remote task abandoned",
			slog.String("job_id", job.ID),
			slog.String("provider", job.ProviderName),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return job, err
	}

	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("provider", job.ProviderName),
		slog.String("task_id", taskID),
	)
	s.notify(persistCtx, job)
	return job, nil
}

func (s *Service) failSubmission(ctx context.Context, job *Job, cause error) (*Job, error) {
	submitErr := fmt.Errorf("%w: %w", ErrSubmission, cause)

	s.logger.Error("provider submission failed",
		slog.String("job_id", job.ID),
		slog.String("provider", job.ProviderName),
		slog.String("error", cause.Error()),
	)

	if err := job.Fail(submitErr.Error(), s.now()); err != nil {
		return job, err
	}
	if err := s.repo.Update(ctx, job, StatusPending); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// Whoever moved the job also settled its reservation.
			return job, submitErr
		}
		return job, fmt.Errorf("job: persist submission failure: %w", err)
	}
	s.returnCredits(ctx, job, job.ErrorMessage)
	s.notify(ctx, job)
	return job, submitErr
}

// CreateAndSubmit creates a job and submits it in one call.
// A submission failure returns the failed job together with the error.
func (s *Service) CreateAndSubmit(ctx context.Context, in CreateInput) (*Job, error) {
	job, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, job.ID)
}

// FailProcessing moves a processing job to failed and returns its credits.
// Returns ErrStatusConflict if the job already left processing.
func (s *Service) FailProcessing(ctx context.Context, job *Job, reason string) error {
	failed := job.Clone()
	if err := failed.Fail(reason, s.now()); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, failed, StatusProcessing); err != nil {
		return err
	}

	s.logger.Warn("job failed",
		slog.String("job_id", failed.ID),
		slog.String("provider", failed.ProviderName),
		slog.String("reason", reason),
	)
	s.returnCredits(ctx, failed, reason)
	s.notify(ctx, failed)
	*job = *failed
	return nil
}

// Timeout force-fails a processing job that exceeded limit. Credits are
// always returned, never confirmed.
func (s *Service) Timeout(ctx context.Context, job *Job, limit time.Duration) error {
	return s.FailProcessing(ctx, job, fmt.Sprintf("%s after %s", ErrTimeoutExceeded.Error(), limit))
}

// Retry resubmits a failed job under a new reservation.
// userID restricts the call to the job's owner; an empty userID skips the check.
func (s *Service) Retry(ctx context.Context, jobID, userID string) (*Job, error) {
	job, err := s.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusFailed {
		return job, fmt.Errorf("%w: cannot retry %s job", ErrInvalidTransition, job.Status)
	}
	if job.RetryCount >= s.maxRetries {
		return job, fmt.Errorf("%w: %d of %d retries used", ErrRetryLimitExceeded, job.RetryCount, s.maxRetries)
	}

	// The previous attempt's reservation is normally settled already.
	s.returnCredits(ctx, job, "superseded by retry")

	reservationID, err := s.credits.Reserve(ctx, job.UserID, job.ID, job.CreditCost)
	if err != nil {
		return job, err
	}

	if err := job.ResetForRetry(reservationID, s.now()); err != nil {
		return job, err
	}
	if err := s.repo.Update(ctx, job, StatusFailed); err != nil {
		if _, rerr := s.credits.Return(ctx, reservationID, "retry aborted"); rerr != nil {
			s.logger.Error("failed to return retry reservation",
				slog.String("job_id", job.ID),
				slog.String("reservation_id", reservationID),
				slog.String("error", rerr.Error()),
			)
		}
		return job, err
	}

	s.logger.Info("job retried",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
	)
	s.notify(ctx, job)
	return s.Submit(ctx, job.ID)
}

// Cancel fails a pending or processing job on behalf of its owner and returns
// its credits. A provider success racing the cancellation is discarded by the
// completion handler.
func (s *Service) Cancel(ctx context.Context, jobID, userID string) (*Job, error) {
	job, err := s.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, fmt.Errorf("%w: cannot cancel %s job", ErrInvalidTransition, job.Status)
	}

	expected := job.Status
	job.CancelRequested = true
	if err := job.Fail(CancelledByUser, s.now()); err != nil {
		return job, err
	}
	if err := s.repo.Update(ctx, job, expected); err != nil {
		return job, err
	}

	s.logger.Info("job cancelled",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("previous_status", string(expected)),
	)
	s.returnCredits(ctx, job, CancelledByUser)
	s.notify(ctx, job)
	return job, nil
}

// Delete removes a finished job and its stored artifacts.
func (s *Service) Delete(ctx context.Context, jobID, userID string) error {
	job, err := s.ownedJob(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return ErrJobActive
	}

	if s.artifacts != nil {
		for _, url := range []string{job.ArtifactURL, job.ThumbnailURL} {
			if url == "" {
				continue
			}
			if err := s.artifacts.Delete(ctx, url); err != nil {
				s.logger.Warn("failed to delete artifact",
					slog.String("job_id", job.ID),
					slog.String("url", url),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if err := s.repo.Delete(ctx, job.ID); err != nil {
		return err
	}
	s.logger.Info("job deleted", slog.String("job_id", job.ID))
	return nil
}

// Get returns a job. userID restricts the lookup to the job's owner.
func (s *Service) Get(ctx context.Context, jobID, userID string) (*Job, error) {
	return s.ownedJob(ctx, jobID, userID)
}

// ListByUser returns the user's jobs, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Job, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ListProcessing returns all processing jobs, oldest first.
func (s *Service) ListProcessing(ctx context.Context) ([]*Job, error) {
	return s.repo.ListByStatus(ctx, StatusProcessing)
}

// ClaimForReconcile takes the reconciliation lease on a job for ttl.
func (s *Service) ClaimForReconcile(ctx context.Context, jobID string, ttl time.Duration) (string, bool, error) {
	token := id.Claim()
	now := s.now()
	ok, err := s.repo.Claim(ctx, jobID, token, now.Add(ttl), now)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseClaim drops a lease taken by ClaimForReconcile.
func (s *Service) ReleaseClaim(ctx context.Context, jobID, token string) {
	if err := s.repo.Release(ctx, jobID, token); err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Warn("failed to release claim",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// SettleOrphanedReservations settles pending reservations older than age
// whose job already reached a terminal state, e.g. after a crash between the
// job update and the ledger call. A job still pending behind such a
// reservation never recorded its submission outcome; it is failed and its
// credits returned. It returns the number settled.
func (s *Service) SettleOrphanedReservations(ctx context.Context, age time.Duration) (int, error) {
	pending, err := s.credits.PendingOlderThan(ctx, age)
	if err != nil {
		return 0, fmt.Errorf("job: list pending reservations: %w", err)
	}

	settled := 0
	for _, res := range pending {
		job, err := s.repo.FindByID(ctx, res.JobID)
		var settleErr error
		switch {
		case errors.Is(err, ErrJobNotFound):
			_, settleErr = s.credits.Return(ctx, res.ID, "job no longer exists")
		case err != nil:
			s.logger.Warn("failed to load job for reservation",
				slog.String("reservation_id", res.ID),
				slog.String("error", err.Error()),
			)
			continue
		case job.CreditReservationID != res.ID:
			_, settleErr = s.credits.Return(ctx, res.ID, "superseded by retry")
		case job.Status == StatusCompleted:
			_, settleErr = s.credits.Confirm(ctx, res.ID)
		case job.Status == StatusFailed:
			_, settleErr = s.credits.Return(ctx, res.ID, job.ErrorMessage)
		case job.Status == StatusPending:
			settleErr = s.failStalled(ctx, job, age)
			if errors.Is(settleErr, ErrStatusConflict) {
				continue
			}
		default:
			continue
		}

		if settleErr != nil {
			s.logger.Error("failed to settle orphaned reservation",
				slog.String("reservation_id", res.ID),
				slog.String("job_id", res.JobID),
				slog.String("error", settleErr.Error()),
			)
			continue
		}
		settled++
	}

	if settled > 0 {
		s.logger.Info("orphaned reservations settled", slog.Int("count", settled))
	}
	return settled, nil
}

// failStalled fails a job left pending after its submission and returns its credits.
func (s *Service) failStalled(ctx context.Context, job *Job, age time.Duration) error {
	reason := fmt.Sprintf("%s: no outcome recorded within %s", ErrSubmission.Error(), age)
	if err := job.Fail(reason, s.now()); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, job, StatusPending); err != nil {
		return err
	}

	s.logger.Warn("stalled pending job failed",
		slog.String("job_id", job.ID),
		slog.String("provider", job.ProviderName),
		slog.Duration("age", age),
	)
	s.notify(ctx, job)
	_, err := s.credits.Return(ctx, job.CreditReservationID, reason)
	return err
}

func (s *Service) ownedJob(ctx context.Context, jobID, userID string) (*Job, error) {
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if userID != "" && job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// returnCredits releases the job's reservation. Settled reservations are a
// logged no-op inside the ledger.
func (s *Service) returnCredits(ctx context.Context, job *Job, reason string) {
	if job.CreditReservationID == "" {
		return
	}
	if _, err := s.credits.Return(ctx, job.CreditReservationID, reason); err != nil {
		s.logger.Error("failed to return credits",
			slog.String("job_id", job.ID),
			slog.String("reservation_id", job.CreditReservationID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) notify(ctx context.Context, job *Job) {
	if s.notifier != nil {
		s.notifier.JobChanged(ctx, job.Clone())
	}
}
