package runway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Static errors for Runway client operations.
var (
	// ErrAPIKeyNotSet is returned when no API key is configured.
	ErrAPIKeyNotSet = errors.New("runway: RUNWAY_API_KEY environment variable is not set")
	// ErrPromptRequired is returned when the prompt is empty.
	ErrPromptRequired = errors.New("runway: prompt is required")
	// ErrTaskIDRequired is returned when the task ID is not provided.
	ErrTaskIDRequired = errors.New("runway: task ID is required")
	// ErrNoTaskIDReturned is returned when the create response contains no task ID.
	ErrNoTaskIDReturned = errors.New("runway: create failed: no task ID returned")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("runway: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("runway: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("runway: request failed")
	// ErrMalformedResponse is returned when a response body is not valid JSON.
	ErrMalformedResponse = errors.New("runway: malformed response")
	// ErrNoOutputURL is returned when a download is requested without a URL.
	ErrNoOutputURL = errors.New("runway: no output URL")
	// ErrDownloadFailed is returned when the output cannot be downloaded.
	ErrDownloadFailed = errors.New("runway: download failed")
)

const (
	defaultBaseURL = "https://api.dev.runwayml.com"
	apiVersion     = "2024-11-06"
)

// Client defines the interface for interacting with the Runway API.
type Client interface {
	// CreateTextToVideo starts a generation and returns the task ID.
	// It performs a single request and never retries.
	CreateTextToVideo(ctx context.Context, in TextToVideoInput) (taskID string, err error)

	// GetTask reads the current state of a task.
	GetTask(ctx context.Context, taskID string) (TaskResult, error)

	// OpenOutput opens a finished output URL for streaming.
	// The caller must close the returned reader.
	OpenOutput(ctx context.Context, outputURL string) (io.ReadCloser, error)
}

// HTTPClient is the HTTP implementation of the Runway Client interface.
type HTTPClient struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithBaseURL sets a custom base URL for the Runway API.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		if url != "" {
			hc.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// NewClient creates a new Runway HTTP client.
// The API key falls back to the RUNWAY_API_KEY environment variable.
func NewClient(opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("RUNWAY_API_KEY")
	}
	if c.apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	return c, nil
}

// CreateTextToVideo starts a text-to-video generation.
func (c *HTTPClient) CreateTextToVideo(ctx context.Context, in TextToVideoInput) (string, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return "", ErrPromptRequired
	}

	defaults := DefaultTextToVideoInput()
	if in.Model == "" {
		in.Model = defaults.Model
	}
	if in.Ratio == "" {
		in.Ratio = defaults.Ratio
	}
	if in.Duration <= 0 {
		in.Duration = defaults.Duration
	}

	bodyBytes, err := json.Marshal(createRequest{
		Model:      in.Model,
		PromptText: in.Prompt,
		Ratio:      in.Ratio,
		Duration:   in.Duration,
	})
	if err != nil {
		return "", fmt.Errorf("runway: marshal request: %w", err)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/v1/text_to_video", bodyBytes)
	if err != nil {
		return "", err
	}

	taskID := gjson.GetBytes(respBody, "id").String()
	if taskID == "" {
		return "", ErrNoTaskIDReturned
	}
	return taskID, nil
}

// GetTask reads the current state of a task.
func (c *HTTPClient) GetTask(ctx context.Context, taskID string) (TaskResult, error) {
	if taskID == "" {
		return TaskResult{}, ErrTaskIDRequired
	}

	respBody, err := c.doRequestWithRetry(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return TaskResult{}, err
	}

	parsed := gjson.ParseBytes(respBody)
	result := TaskResult{
		Status:   Status(strings.ToUpper(parsed.Get("status").String())),
		Progress: parsed.Get("progress").Float(),
	}

	switch result.Status {
	case StatusSucceeded:
		result.OutputURL = parsed.Get("output.0").String()
	case StatusFailed, StatusCancelled:
		result.Error = parsed.Get("failure").String()
		if code := parsed.Get("failureCode").String(); code != "" {
			result.Error = strings.TrimSpace(result.Error + " (" + code + ")")
		}
	}

	return result, nil
}

// OpenOutput opens a finished output URL for streaming.
func (c *HTTPClient) OpenOutput(ctx context.Context, outputURL string) (io.ReadCloser, error) {
	if outputURL == "" {
		return nil, ErrNoOutputURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, outputURL, nil)
	if err != nil {
		return nil, fmt.Errorf("runway: create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}
	return resp.Body, nil
}

// doRequestWithRetry performs an HTTP request with exponential backoff retry.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("runway: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		respBody, err := c.doRequest(ctx, method, url, body)
		if err == nil {
			return respBody, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("runway: max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request and returns the validated JSON body.
func (c *HTTPClient) doRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("runway: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Runway-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("runway: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("runway: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "error").String()
		if msg == "" {
			msg = string(respBody)
		}
		if resp.StatusCode >= 500 {
			return nil, &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, msg)}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, msg)}
		}
		return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, msg)
	}

	if !gjson.ValidBytes(respBody) {
		return nil, ErrMalformedResponse
	}
	return respBody, nil
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
