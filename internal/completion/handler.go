// Package completion turns a provider success into a stored artifact, a
// completed job and a confirmed credit reservation.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/media"
	"github.com/maauso/videogen-api/internal/provider"
	"github.com/maauso/videogen-api/internal/storage"
)

// Static errors for completion.
var (
	// ErrAlreadyCompleted is returned when the job was completed before.
	ErrAlreadyCompleted = errors.New("completion: job already completed")
	// ErrJobCancelled is returned when the job was cancelled or failed while
	// the artifact was being stored. The artifact is discarded.
	ErrJobCancelled = errors.New("completion: job no longer processing")
	// ErrArtifactPersist is returned when the artifact could not be fetched or stored.
	ErrArtifactPersist = errors.New("completion: artifact could not be stored")
)

// Failer force-fails a processing job and returns its credits.
type Failer interface {
	FailProcessing(ctx context.Context, j *job.Job, reason string) error
	Timeout(ctx context.Context, j *job.Job, limit time.Duration) error
}

// Confirmer settles a reservation as consumed.
type Confirmer interface {
	Confirm(ctx context.Context, reservationID string) (int64, error)
}

// Handler completes processing jobs whose provider reported success.
type Handler struct {
	repo      job.Repository
	jobs      Failer
	credits   Confirmer
	providers *provider.Registry
	store     storage.Storage
	media     media.Processor
	notifier  job.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithMediaProcessor enables thumbnail extraction and duration probing.
func WithMediaProcessor(p media.Processor) Option {
	return func(h *Handler) {
		h.media = p
	}
}

// WithNotifier sets the status change notifier.
func WithNotifier(n job.Notifier) Option {
	return func(h *Handler) {
		h.notifier = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a new Handler.
func NewHandler(
	repo job.Repository,
	jobs Failer,
	credits Confirmer,
	providers *provider.Registry,
	store storage.Storage,
	logger *slog.Logger,
	opts ...Option,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		repo:      repo,
		jobs:      jobs,
		credits:   credits,
		providers: providers,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Complete stores the artifact behind res, marks the job completed and
// confirms its reservation. On success j holds the completed job.
//
// A storage failure leaves the job processing so the next tick can try
// again; once the provider's processing ceiling is exceeded the job is timed
// out and its credits returned. A job cancelled meanwhile keeps its failed status and the
// uploaded artifact is deleted.
func (h *Handler) Complete(ctx context.Context, j *job.Job, res provider.Result) error {
	current, err := h.repo.FindByID(ctx, j.ID)
	if err != nil {
		return err
	}
	if err := checkProcessing(current); err != nil {
		return err
	}

	log := h.logger.With(
		slog.String("job_id", current.ID),
		slog.String("provider", current.ProviderName),
	)

	reg, ok := h.providers.Lookup(current.ProviderName)
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, current.ProviderName)
	}

	out, err := h.persist(ctx, reg.Adapter, current, res)
	if err != nil {
		return h.handlePersistFailure(ctx, current, reg.Policy, err)
	}

	completed := current.Clone()
	if err := completed.MarkCompleted(out, h.now()); err != nil {
		return err
	}
	if err := h.repo.Update(ctx, completed, job.StatusProcessing); err != nil {
		if !errors.Is(err, job.ErrStatusConflict) {
			return fmt.Errorf("completion: persist job: %w", err)
		}
		return h.handleLostRace(ctx, current.ID, out)
	}

	consumed, err := h.credits.Confirm(ctx, completed.CreditReservationID)
	if err != nil {
		// The reservation stays pending and is settled by the orphan sweep.
		log.Error("failed to confirm credits",
			slog.String("reservation_id", completed.CreditReservationID),
			slog.String("error", err.Error()),
		)
	}

	log.Info("job completed",
		slog.String("artifact_url", out.ArtifactURL),
		slog.Float64("duration_seconds", out.DurationSeconds),
		slog.Int64("file_size_bytes", out.FileSizeBytes),
		slog.Int64("credits_consumed", consumed),
	)
	if h.notifier != nil {
		h.notifier.JobChanged(ctx, completed.Clone())
	}
	*j = *completed
	return nil
}

func checkProcessing(j *job.Job) error {
	switch j.Status {
	case job.StatusProcessing:
		return nil
	case job.StatusCompleted:
		return ErrAlreadyCompleted
	case job.StatusFailed:
		return ErrJobCancelled
	default:
		return fmt.Errorf("%w: cannot complete %s job", job.ErrInvalidTransition, j.Status)
	}
}

// persist fetches the artifact, spools it to disk and uploads it together
// with an optional thumbnail.
func (h *Handler) persist(ctx context.Context, adapter provider.Adapter, j *job.Job, res provider.Result) (job.Output, error) {
	body, err := adapter.FetchArtifact(ctx, res.Location)
	if err != nil {
		return job.Output{}, fmt.Errorf("fetch artifact: %w", err)
	}
	spooled, err := h.store.SaveTemp(ctx, j.ID, body)
	_ = body.Close()
	if err != nil {
		return job.Output{}, fmt.Errorf("spool artifact: %w", err)
	}
	tempFiles := []string{spooled}
	defer func() {
		if err := h.store.CleanupTemp(context.WithoutCancel(ctx), tempFiles); err != nil {
			h.logger.Warn("failed to clean up temp files",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	info, err := os.Stat(spooled)
	if err != nil {
		return job.Output{}, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() == 0 {
		return job.Output{}, fmt.Errorf("%w: empty artifact", provider.ErrArtifactUnavailable)
	}

	out := job.Output{
		DurationSeconds: res.DurationSeconds,
		FileSizeBytes:   info.Size(),
	}
	if out.DurationSeconds <= 0 && h.media != nil {
		if d, err := h.media.GetMediaDuration(ctx, spooled); err == nil {
			out.DurationSeconds = d
		} else {
			h.logger.Warn("failed to probe artifact duration",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	url, err := h.upload(ctx, spooled, artifactKey(j, ".mp4"), "video/mp4", j)
	if err != nil {
		return job.Output{}, err
	}
	out.ArtifactURL = url

	if thumb, ok := h.thumbnail(ctx, spooled, out.DurationSeconds, j); ok {
		tempFiles = append(tempFiles, thumb)
		if url, err := h.upload(ctx, thumb, artifactKey(j, ".jpg"), "image/jpeg", j); err == nil {
			out.ThumbnailURL = url
		} else {
			h.logger.Warn("failed to upload thumbnail",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return out, nil
}

func (h *Handler) upload(ctx context.Context, path, key, contentType string, j *job.Job) (string, error) {
	f, err := h.store.LoadTemp(ctx, path)
	if err != nil {
		return "", fmt.Errorf("open spooled file: %w", err)
	}
	defer func() { _ = f.Close() }()

	url, err := h.store.Upload(ctx, key, f, storage.Metadata{
		ContentType: contentType,
		JobID:       j.ID,
		UserID:      j.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return url, nil
}

// thumbnail extracts a frame one second in, or halfway through shorter videos.
func (h *Handler) thumbnail(ctx context.Context, videoPath string, duration float64, j *job.Job) (string, bool) {
	if h.media == nil {
		return "", false
	}
	at := 1.0
	if duration > 0 && duration < 2 {
		at = duration / 2
	}
	dst := videoPath + "_thumb.jpg"
	if err := h.media.ExtractThumbnail(ctx, videoPath, dst, at); err != nil {
		h.logger.Warn("failed to extract thumbnail",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		_ = os.Remove(dst)
		return "", false
	}
	return dst, true
}

func (h *Handler) handlePersistFailure(ctx context.Context, j *job.Job, policy provider.Policy, cause error) error {
	persistErr := fmt.Errorf("%w: %w", ErrArtifactPersist, cause)

	if errors.Is(cause, provider.ErrArtifactUnavailable) {
		if err := h.jobs.FailProcessing(ctx, j, persistErr.Error()); err != nil && !errors.Is(err, job.ErrStatusConflict) {
			return fmt.Errorf("%w (fail job: %w)", persistErr, err)
		}
		return persistErr
	}

	j.UploadAttempts++
	now := h.now()
	if policy.Overdue(j.ProcessingStartedAt, now) {
		h.logger.Warn("artifact still not stored at processing ceiling",
			slog.String("job_id", j.ID),
			slog.Int("upload_attempts", j.UploadAttempts),
			slog.Duration("max_processing", policy.MaxProcessing),
			slog.String("error", cause.Error()),
		)
		if err := h.jobs.Timeout(ctx, j, policy.MaxProcessing); err != nil && !errors.Is(err, job.ErrStatusConflict) {
			return fmt.Errorf("%w (time out job: %w)", persistErr, err)
		}
		return persistErr
	}

	h.logger.Warn("failed to store artifact, will retry",
		slog.String("job_id", j.ID),
		slog.Int("upload_attempts", j.UploadAttempts),
		slog.String("error", cause.Error()),
	)
	j.UpdatedAt = now
	if err := h.repo.Update(ctx, j, job.StatusProcessing); err != nil && !errors.Is(err, job.ErrStatusConflict) {
		h.logger.Error("failed to record upload attempt",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	return persistErr
}

// handleLostRace resolves a completion whose status update lost to a
// concurrent transition.
func (h *Handler) handleLostRace(ctx context.Context, jobID string, out job.Output) error {
	current, err := h.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status == job.StatusCompleted {
		// Same keys: the winner owns the uploaded objects.
		return ErrAlreadyCompleted
	}

	h.logger.Warn("job left processing during completion, discarding artifact",
		slog.String("job_id", jobID),
		slog.String("status", string(current.Status)),
		slog.Bool("cancel_requested", current.CancelRequested),
	)
	for _, url := range []string{out.ArtifactURL, out.ThumbnailURL} {
		if url == "" {
			continue
		}
		if err := h.store.Delete(ctx, url); err != nil {
			h.logger.Warn("failed to delete discarded artifact",
				slog.String("job_id", jobID),
				slog.String("url", url),
				slog.String("error", err.Error()),
			)
		}
	}
	return ErrJobCancelled
}

func artifactKey(j *job.Job, ext string) string {
	return j.UserID + "/" + j.ID + ext
}
