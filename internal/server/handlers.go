package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/videogen-api/internal/auth"
	"github.com/maauso/videogen-api/internal/billing"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/ledger"
	"github.com/maauso/videogen-api/internal/provider"
)

// maxWebhookBody bounds payment notification payloads.
const maxWebhookBody = 64 << 10

// JobService is the subset of job.Service the handlers use.
type JobService interface {
	CreateAndSubmit(ctx context.Context, in job.CreateInput) (*job.Job, error)
	Get(ctx context.Context, jobID, userID string) (*job.Job, error)
	ListByUser(ctx context.Context, userID string) ([]*job.Job, error)
	Retry(ctx context.Context, jobID, userID string) (*job.Job, error)
	Cancel(ctx context.Context, jobID, userID string) (*job.Job, error)
	Delete(ctx context.Context, jobID, userID string) error
}

// CreditService is the subset of the ledger the handlers use.
type CreditService interface {
	Status(ctx context.Context, userID string) (ledger.Balance, error)
	Reservations(ctx context.Context, userID string) ([]ledger.Reservation, error)
}

// PurchaseHandler applies payment notifications.
type PurchaseHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) (billing.Verification, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	jobs      JobService
	credits   CreditService
	purchases PurchaseHandler
	providers []string
	validator *validator.Validate
	logger    *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithPurchases enables the payment webhook.
func WithPurchases(p PurchaseHandler) HandlerOption {
	return func(h *Handlers) {
		h.purchases = p
	}
}

// WithProviders sets the provider names reported by the health check.
func WithProviders(names []string) HandlerOption {
	return func(h *Handlers) {
		h.providers = names
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(jobs JobService, credits CreditService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		jobs:      jobs,
		credits:   credits,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Providers: h.providers})
}

// CreateJob handles POST /jobs requests.
// Credits are reserved and the job is submitted before the response is written.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	// Validate request
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	created, err := h.jobs.CreateAndSubmit(r.Context(), job.CreateInput{
		UserID:          userID,
		Kind:            provider.Kind(req.Kind),
		Provider:        req.Provider,
		Prompt:          req.Prompt,
		Script:          req.Script,
		ImageURL:        req.ImageURL,
		AudioURL:        req.AudioURL,
		Width:           req.Width,
		Height:          req.Height,
		DurationSeconds: req.DurationSeconds,
		CreditCost:      req.CreditCost,
	})
	if err != nil {
		if errors.Is(err, job.ErrSubmission) && created != nil {
			writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error: created.ErrorMessage,
				Code:  "SUBMISSION_FAILED",
				JobID: created.ID,
			})
			return
		}
		h.writeServiceError(w, "create job", "", err)
		return
	}

	writeJSON(w, http.StatusAccepted, newJobResponse(created))
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	jobs, err := h.jobs.ListByUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list jobs", "", err)
		return
	}
	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, "get job", h.jobs.Get)
}

// RetryJob handles POST /jobs/{id}/retry requests.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, "retry job", h.jobs.Retry)
}

// CancelJob handles POST /jobs/{id}/cancel requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, "cancel job", h.jobs.Cancel)
}

// DeleteJob handles DELETE /jobs/{id} requests.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.jobs.Delete(r.Context(), jobID, userID); err != nil {
		h.writeServiceError(w, "delete job", jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) jobAction(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, jobID, userID string) (*job.Job, error)) {
	userID, _ := auth.UserID(r.Context())
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	j, err := fn(r.Context(), jobID, userID)
	if err != nil {
		// A retried job whose resubmission failed is still reported.
		if errors.Is(err, job.ErrSubmission) && j != nil {
			writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error: j.ErrorMessage,
				Code:  "SUBMISSION_FAILED",
				JobID: j.ID,
			})
			return
		}
		h.writeServiceError(w, op, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

// GetCredits handles GET /credits requests.
func (h *Handlers) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	bal, err := h.credits.Status(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get credits", "", err)
		return
	}
	resp := CreditsResponse{Balance: bal}

	if r.URL.Query().Get("include") == "reservations" {
		reservations, err := h.credits.Reservations(r.Context(), userID)
		if err != nil {
			h.writeServiceError(w, "list reservations", "", err)
			return
		}
		for _, res := range reservations {
			resp.Reservations = append(resp.Reservations, newReservationResponse(res))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StripeWebhook handles POST /webhooks/stripe requests.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.purchases == nil {
		http.NotFound(w, r)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body", "EMPTY_BODY")
		return
	}

	v, err := h.purchases.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, WebhookResponse{
			Received: true,
			Ignored:  v.Ignored,
			Credits:  v.Credits,
			UserID:   v.UserID,
		})
	case errors.Is(err, billing.ErrInvalidSignature):
		h.logger.Warn("rejected payment webhook", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "signature verification failed", "INVALID_SIGNATURE")
	case errors.Is(err, billing.ErrMalformedPurchase):
		h.logger.Warn("malformed purchase", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "MALFORMED_PURCHASE")
	default:
		h.logger.Error("failed to apply purchase", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to apply purchase", "PURCHASE_FAILED")
	}
}

// writeServiceError maps domain errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, op, jobID string, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, provider.ErrUnsupportedKind),
		errors.Is(err, provider.ErrNoProvider):
		writeError(w, http.StatusBadRequest, err.Error(), "PROVIDER_UNAVAILABLE")
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, "insufficient credits", "INSUFFICIENT_CREDITS")
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrRetryLimitExceeded):
		writeError(w, http.StatusConflict, err.Error(), "RETRY_LIMIT_EXCEEDED")
	case errors.Is(err, job.ErrJobActive):
		writeError(w, http.StatusConflict, "job is still active", "JOB_ACTIVE")
	case errors.Is(err, job.ErrInvalidTransition), errors.Is(err, job.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error(), "INVALID_STATE")
	default:
		h.logger.Error("failed to "+op,
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+op, "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
