package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/videogen-api/internal/auth"
	"github.com/maauso/videogen-api/internal/billing"
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/ledger"
	"github.com/maauso/videogen-api/internal/provider"
)

const (
	aliceToken = "tok-alice"
	bobToken   = "tok-bob"
)

// mockAdapter implements provider.Adapter for testing.
type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Name() string { return "mock" }

func (m *mockAdapter) Submit(ctx context.Context, req provider.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) PollStatus(ctx context.Context, taskID string) (provider.Result, error) {
	args := m.Called(ctx, taskID)
	return args.Get(0).(provider.Result), args.Error(1)
}

func (m *mockAdapter) FetchArtifact(ctx context.Context, location string) (io.ReadCloser, error) {
	args := m.Called(ctx, location)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

// mockPurchases implements PurchaseHandler for testing.
type mockPurchases struct {
	mock.Mock
}

func (m *mockPurchases) Handle(ctx context.Context, payload []byte, signature string) (billing.Verification, error) {
	args := m.Called(ctx, payload, signature)
	return args.Get(0).(billing.Verification), args.Error(1)
}

type testEnv struct {
	router    http.Handler
	adapter   *mockAdapter
	purchases *mockPurchases
	ledger    *ledger.Ledger
	repo      *job.MemoryRepository
	service   *job.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	adapter := &mockAdapter{}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.Registration{
		Adapter: adapter,
		Kinds:   []provider.Kind{provider.KindText, provider.KindAvatar},
	}))

	l := ledger.New(ledger.NewMemoryStore(), logger)
	repo := job.NewMemoryRepository()
	svc := job.NewService(repo, l, registry, logger)

	purchases := &mockPurchases{}
	h := NewHandlers(svc, l, logger,
		WithPurchases(purchases),
		WithProviders(registry.Names()),
	)
	authn := auth.NewStaticAuthenticator(map[string]string{
		aliceToken: "alice",
		bobToken:   "bob",
	})

	return &testEnv{
		router:    NewRouter(h, authn, logger, DefaultConfig()),
		adapter:   adapter,
		purchases: purchases,
		ledger:    l,
		repo:      repo,
		service:   svc,
	}
}

func (e *testEnv) fund(t *testing.T, userID string, credits int64) {
	t.Helper()
	_, err := e.ledger.AddPurchased(context.Background(), userID, credits, "ref-"+userID)
	require.NoError(t, err)
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func textJobRequest(cost int64) CreateJobRequest {
	return CreateJobRequest{
		Kind:       "text",
		Prompt:     "a fox running through snow",
		CreditCost: cost,
	}
}

// createProcessingJob creates a job for alice that the provider accepted.
func (e *testEnv) createProcessingJob(t *testing.T) JobResponse {
	t.Helper()
	e.adapter.On("Submit", mock.Anything, mock.Anything).Return("task-1", nil).Once()
	rec := e.do(t, http.MethodPost, "/jobs", aliceToken, textJobRequest(40))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[JobResponse](t, rec)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"mock"}, resp.Providers)
}

func TestAuthMiddleware(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	rec = e.do(t, http.MethodGet, "/jobs", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, rec).Code)

	rec = e.do(t, http.MethodGet, "/jobs", aliceToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateJob_Success(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)

	e.adapter.On("Submit", mock.Anything, mock.MatchedBy(func(req provider.Request) bool {
		return req.Kind == provider.KindText && req.Prompt == "a fox running through snow"
	})).Return("task-1", nil).Once()

	rec := e.do(t, http.MethodPost, "/jobs", aliceToken, textJobRequest(40))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[JobResponse](t, rec)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, "mock", resp.Provider)
	assert.Equal(t, int64(40), resp.CreditCost)
	assert.NotNil(t, resp.ProcessingStartedAt)
	assert.Nil(t, resp.ProcessingCompletedAt)

	bal, err := e.ledger.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal.Available)
	assert.Equal(t, int64(40), bal.Reserved)
	e.adapter.AssertExpectations(t)
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{invalid"))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", decode[ErrorResponse](t, rec).Code)
}

func TestCreateJob_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body CreateJobRequest
	}{
		{"missing kind", CreateJobRequest{Prompt: "x", CreditCost: 1}},
		{"unknown kind", CreateJobRequest{Kind: "audio", Prompt: "x", CreditCost: 1}},
		{"missing cost", CreateJobRequest{Kind: "text", Prompt: "x"}},
		{"width too large", CreateJobRequest{Kind: "text", Prompt: "x", Width: 5000, CreditCost: 1}},
		{"bad image url", CreateJobRequest{Kind: "avatar", ImageURL: "not a url", AudioURL: "https://a/b.wav", CreditCost: 1}},
		{"text without prompt", CreateJobRequest{Kind: "text", CreditCost: 1}},
		{"avatar without audio", CreateJobRequest{Kind: "avatar", ImageURL: "https://a/b.png", CreditCost: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.fund(t, "alice", 100)

			rec := e.do(t, http.MethodPost, "/jobs", aliceToken, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, rec).Code)
			e.adapter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateJob_UnknownProvider(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)

	body := textJobRequest(10)
	body.Provider = "sora"
	rec := e.do(t, http.MethodPost, "/jobs", aliceToken, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", decode[ErrorResponse](t, rec).Code)
}

func TestCreateJob_InsufficientCredits(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 30)

	rec := e.do(t, http.MethodPost, "/jobs", aliceToken, textJobRequest(40))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "INSUFFICIENT_CREDITS", decode[ErrorResponse](t, rec).Code)

	jobs, err := e.repo.ListByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, jobs, "no job exists without a reservation")
	e.adapter.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCreateJob_SubmissionFailure(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 50)
	e.adapter.On("Submit", mock.Anything, mock.Anything).Return("", errors.New("provider unavailable")).Once()

	rec := e.do(t, http.MethodPost, "/jobs", aliceToken, textJobRequest(40))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "SUBMISSION_FAILED", resp.Code)
	assert.NotEmpty(t, resp.JobID)
	assert.Contains(t, resp.Error, "provider unavailable")

	stored, err := e.repo.FindByID(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)

	bal, err := e.ledger.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{Available: 50, TotalPurchased: 50}, bal)
}

func TestGetJob(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	created := e.createProcessingJob(t)

	rec := e.do(t, http.MethodGet, "/jobs/"+created.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[JobResponse](t, rec)
	assert.Equal(t, created.ID, resp.ID)
	assert.Equal(t, "processing", resp.Status)

	rec = e.do(t, http.MethodGet, "/jobs/"+created.ID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "jobs of other users are hidden")

	rec = e.do(t, http.MethodGet, "/jobs/missing", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decode[ErrorResponse](t, rec).Code)
}

func TestGetJob_Completed(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	created := e.createProcessingJob(t)

	stored, err := e.repo.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.NoError(t, stored.MarkCompleted(job.Output{
		ArtifactURL:     "https://bucket/alice/a.mp4",
		ThumbnailURL:    "https://bucket/alice/a.jpg",
		DurationSeconds: 6.5,
		FileSizeBytes:   2048,
	}, time.Now()))
	require.NoError(t, e.repo.Update(context.Background(), stored, job.StatusProcessing))

	rec := e.do(t, http.MethodGet, "/jobs/"+created.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[JobResponse](t, rec)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "https://bucket/alice/a.mp4", resp.ArtifactURL)
	assert.Equal(t, "https://bucket/alice/a.jpg", resp.ThumbnailURL)
	assert.Equal(t, 6.5, resp.DurationSeconds)
	assert.Equal(t, int64(2048), resp.FileSizeBytes)
	assert.NotNil(t, resp.ProcessingCompletedAt)
}

func TestListJobs(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	e.createProcessingJob(t)
	e.createProcessingJob(t)

	rec := e.do(t, http.MethodGet, "/jobs", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListJobsResponse](t, rec).Jobs, 2)

	rec = e.do(t, http.MethodGet, "/jobs", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ListJobsResponse](t, rec).Jobs)
}

func TestCancelJob(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	created := e.createProcessingJob(t)

	rec := e.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[JobResponse](t, rec)
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, job.CancelledByUser, resp.Error)

	bal, err := e.ledger.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{Available: 100, TotalPurchased: 100}, bal)

	rec = e.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", aliceToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", decode[ErrorResponse](t, rec).Code)
}

func TestRetryJob(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	created := e.createProcessingJob(t)

	rec := e.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", aliceToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "processing jobs cannot be retried")

	rec = e.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	e.adapter.On("Submit", mock.Anything, mock.Anything).Return("task-2", nil).Once()
	rec = e.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[JobResponse](t, rec)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, 1, resp.RetryCount)
	assert.Empty(t, resp.Error)

	bal, err := e.ledger.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal.Reserved)
}

func TestRetryJob_LimitExceeded(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	created := e.createProcessingJob(t)

	stored, err := e.repo.FindByID(context.Background(), created.ID)
	require.NoError(t, err)
	stored.RetryCount = job.DefaultMaxRetries
	require.NoError(t, e.service.FailProcessing(context.Background(), stored, "boom"))

	rec := e.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", aliceToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RETRY_LIMIT_EXCEEDED", decode[ErrorResponse](t, rec).Code)
}

func TestDeleteJob(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	created := e.createProcessingJob(t)

	rec := e.do(t, http.MethodDelete, "/jobs/"+created.ID, aliceToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "JOB_ACTIVE", decode[ErrorResponse](t, rec).Code)

	rec = e.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodDelete, "/jobs/"+created.ID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, "/jobs/"+created.ID, aliceToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/jobs/"+created.ID, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCredits(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, "alice", 100)
	e.createProcessingJob(t)

	rec := e.do(t, http.MethodGet, "/credits", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CreditsResponse](t, rec)
	assert.Equal(t, ledger.Balance{Available: 60, Reserved: 40, TotalPurchased: 100}, resp.Balance)
	assert.Empty(t, resp.Reservations)

	rec = e.do(t, http.MethodGet, "/credits?include=reservations", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[CreditsResponse](t, rec)
	require.Len(t, resp.Reservations, 1)
	assert.Equal(t, int64(40), resp.Reservations[0].Amount)
	assert.Equal(t, "pending", resp.Reservations[0].Status)
	assert.Nil(t, resp.Reservations[0].SettledAt)

	rec = e.do(t, http.MethodGet, "/credits", bobToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Balance{}, decode[CreditsResponse](t, rec).Balance)
}

func TestStripeWebhook(t *testing.T) {
	t.Run("applied purchase", func(t *testing.T) {
		e := newTestEnv(t)
		e.purchases.On("Handle", mock.Anything, []byte(`{"id":"evt_1"}`), "t=1,v1=abc").
			Return(billing.Verification{UserID: "alice", Credits: 100, ReferenceID: "cs_1"}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[WebhookResponse](t, rec)
		assert.True(t, resp.Received)
		assert.Equal(t, int64(100), resp.Credits)
		e.purchases.AssertExpectations(t)
	})

	t.Run("invalid signature", func(t *testing.T) {
		e := newTestEnv(t)
		e.purchases.On("Handle", mock.Anything, mock.Anything, mock.Anything).
			Return(billing.Verification{}, billing.ErrInvalidSignature).Once()

		rec := e.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_1"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_SIGNATURE", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("ledger failure", func(t *testing.T) {
		e := newTestEnv(t)
		e.purchases.On("Handle", mock.Anything, mock.Anything, mock.Anything).
			Return(billing.Verification{}, errors.New("disk full")).Once()

		rec := e.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_1"})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		e := newTestEnv(t)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", http.NoBody)
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		e.purchases.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("not configured", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		h := NewHandlers(nil, nil, logger)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		h.StripeWebhook(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCORSMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(nil, nil, logger)
	router := NewRouter(h, auth.NewStaticAuthenticator(nil), logger, Config{AllowedOrigins: []string{"https://example.com"}})

	// Test with allowed origin
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	// Test OPTIONS preflight
	req = httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Create a handler that panics
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(logger)(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
}
