// Package job provides the Job aggregate and the use cases that drive a video
// generation request from creation to a terminal state.
package job

import (
	"errors"
	"time"

	"github.com/maauso/videogen-api/internal/id"
	"github.com/maauso/videogen-api/internal/provider"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusPending indicates the job has credits reserved but no provider task yet.
	StatusPending Status = "pending"
	// StatusProcessing indicates the provider accepted the task.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the artifact is stored and credits are charged.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job ended without an artifact and credits were returned.
	StatusFailed Status = "failed"
)

// IsValid returns true if the status is known.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("job: invalid state transition")

// validTransitions defines which state transitions are allowed.
// failed -> pending is the retry path.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Params are the generation parameters kept on the job so a retry can resubmit.
type Params struct {
	Prompt          string `json:"prompt,omitempty"`
	Script          string `json:"script,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	AudioURL        string `json:"audio_url,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Output describes a stored artifact.
type Output struct {
	ArtifactURL     string
	ThumbnailURL    string
	DurationSeconds float64
	FileSizeBytes   int64
}

// Job represents a video generation job aggregate.
// Jobs are plain values: repositories hand out copies and persist changes
// with a compare-and-set on Status.
type Job struct {
	// ID is the unique identifier for this job.
	ID string
	// UserID is the owner of the job and of its credit reservation.
	UserID string
	// Kind is what the job generates from.
	Kind provider.Kind
	// Status is the current job state.
	Status Status
	// ProviderName is the registry name of the adapter chosen at creation.
	ProviderName string
	// ProviderTaskID is the remote task handle, set when processing starts.
	ProviderTaskID string
	// CreditReservationID is the reservation backing the current attempt.
	CreditReservationID string
	// CreditCost is the amount reserved for each attempt.
	CreditCost int64
	// RetryCount is the number of retries already used.
	RetryCount int
	// Params are the generation parameters.
	Params Params
	// ErrorMessage is the human readable failure reason.
	ErrorMessage string
	ArtifactURL  string
	ThumbnailURL string
	// ActualDuration is the artifact duration in seconds.
	ActualDuration float64
	FileSizeBytes  int64
	// UploadAttempts counts failed artifact uploads of the current attempt.
	UploadAttempts int
	// CancelRequested is set when the owner cancelled the job.
	CancelRequested bool
	// ClaimToken and ClaimedUntil hold the reconciliation lease.
	// They are written only through Repository.Claim and Repository.Release.
	ClaimToken   string
	ClaimedUntil time.Time

	CreatedAt             time.Time
	UpdatedAt             time.Time
	ProcessingStartedAt   time.Time
	ProcessingCompletedAt time.Time
}

// New creates a pending job with a generated ID.
func New(userID string, kind provider.Kind, params Params, creditCost int64, now time.Time) *Job {
	return &Job{
		ID:         id.Job(),
		UserID:     userID,
		Kind:       kind,
		Status:     StatusPending,
		Params:     params,
		CreditCost: creditCost,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TransitionTo changes the job status and maintains the processing timestamps.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status, now time.Time) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = now

	switch status {
	case StatusProcessing:
		j.ProcessingStartedAt = now
	case StatusCompleted, StatusFailed:
		j.ProcessingCompletedAt = now
	case StatusPending:
		j.ProcessingStartedAt = time.Time{}
		j.ProcessingCompletedAt = time.Time{}
	}

	return nil
}

// MarkProcessing records the provider task and moves the job to processing.
func (j *Job) MarkProcessing(taskID string, now time.Time) error {
	if err := j.TransitionTo(StatusProcessing, now); err != nil {
		return err
	}
	j.ProviderTaskID = taskID
	return nil
}

// Fail moves the job to failed with a reason.
func (j *Job) Fail(reason string, now time.Time) error {
	if err := j.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	j.ErrorMessage = reason
	return nil
}

// MarkCompleted records the stored artifact and moves the job to completed.
// Only the completion handler calls it.
func (j *Job) MarkCompleted(out Output, now time.Time) error {
	if err := j.TransitionTo(StatusCompleted, now); err != nil {
		return err
	}
	j.ArtifactURL = out.ArtifactURL
	j.ThumbnailURL = out.ThumbnailURL
	j.ActualDuration = out.DurationSeconds
	j.FileSizeBytes = out.FileSizeBytes
	j.ErrorMessage = ""
	return nil
}

// ResetForRetry moves a failed job back to pending under a new reservation
// and clears everything the previous attempt produced.
func (j *Job) ResetForRetry(reservationID string, now time.Time) error {
	if err := j.TransitionTo(StatusPending, now); err != nil {
		return err
	}
	j.RetryCount++
	j.CreditReservationID = reservationID
	j.ProviderTaskID = ""
	j.ErrorMessage = ""
	j.ArtifactURL = ""
	j.ThumbnailURL = ""
	j.ActualDuration = 0
	j.FileSizeBytes = 0
	j.UploadAttempts = 0
	j.CancelRequested = false
	return nil
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Request builds the adapter request for this job.
func (j *Job) Request() provider.Request {
	return provider.Request{
		JobID:           j.ID,
		Kind:            j.Kind,
		Prompt:          j.Params.Prompt,
		Script:          j.Params.Script,
		ImageURL:        j.Params.ImageURL,
		AudioURL:        j.Params.AudioURL,
		Width:           j.Params.Width,
		Height:          j.Params.Height,
		DurationSeconds: j.Params.DurationSeconds,
	}
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}
