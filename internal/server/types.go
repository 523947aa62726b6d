// Package server provides the HTTP server for the video generation API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/ledger"
)

// CreateJobRequest is the HTTP request body for creating a new job.
type CreateJobRequest struct {
	// Kind is "text" or "avatar".
	Kind string `json:"kind" validate:"required,oneof=text avatar"`
	// Provider optionally pins the provider; empty selects the default for the kind.
	Provider string `json:"provider,omitempty"`
	// Prompt describes a text to video generation.
	Prompt string `json:"prompt,omitempty"`
	// Script is the narration of a text to video generation.
	Script string `json:"script,omitempty"`
	// ImageURL is the avatar source image.
	ImageURL string `json:"image_url,omitempty" validate:"omitempty,url"`
	// AudioURL is the avatar source audio.
	AudioURL string `json:"audio_url,omitempty" validate:"omitempty,url"`
	// Width is the target video width.
	Width int `json:"width,omitempty" validate:"min=0,max=4096"`
	// Height is the target video height.
	Height int `json:"height,omitempty" validate:"min=0,max=4096"`
	// DurationSeconds is the requested video length.
	DurationSeconds int `json:"duration_seconds,omitempty" validate:"min=0,max=60"`
	// CreditCost is the price of one attempt, reserved up front.
	CreditCost int64 `json:"credit_cost" validate:"required,min=1"`
}

// JobResponse is the HTTP response for job details.
type JobResponse struct {
	ID                    string     `json:"id"`
	Kind                  string     `json:"kind"`
	Status                string     `json:"status"`
	Provider              string     `json:"provider"`
	CreditCost            int64      `json:"credit_cost"`
	RetryCount            int        `json:"retry_count"`
	Error                 string     `json:"error,omitempty"`
	ArtifactURL           string     `json:"artifact_url,omitempty"`
	ThumbnailURL          string     `json:"thumbnail_url,omitempty"`
	DurationSeconds       float64    `json:"duration_seconds,omitempty"`
	FileSizeBytes         int64      `json:"file_size_bytes,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
}

// ListJobsResponse is the HTTP response for listing jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ReservationResponse describes one credit hold.
type ReservationResponse struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Amount    int64      `json:"amount"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// CreditsResponse is the HTTP response for the credit balance.
type CreditsResponse struct {
	ledger.Balance
	Reservations []ReservationResponse `json:"reservations,omitempty"`
}

// WebhookResponse acknowledges a payment notification.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Ignored  bool   `json:"ignored,omitempty"`
	Credits  int64  `json:"credits,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// JobID is set when the error concerns a job that was created anyway.
	JobID string `json:"job_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Providers lists the configured provider names.
	Providers []string `json:"providers,omitempty"`
}

func newJobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:                    j.ID,
		Kind:                  string(j.Kind),
		Status:                string(j.Status),
		Provider:              j.ProviderName,
		CreditCost:            j.CreditCost,
		RetryCount:            j.RetryCount,
		Error:                 j.ErrorMessage,
		ArtifactURL:           j.ArtifactURL,
		ThumbnailURL:          j.ThumbnailURL,
		DurationSeconds:       j.ActualDuration,
		FileSizeBytes:         j.FileSizeBytes,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
		ProcessingStartedAt:   timePtr(j.ProcessingStartedAt),
		ProcessingCompletedAt: timePtr(j.ProcessingCompletedAt),
	}
}

func newReservationResponse(r ledger.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:        r.ID,
		JobID:     r.JobID,
		Amount:    r.Amount,
		Status:    string(r.Status),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		SettledAt: timePtr(r.SettledAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
