// Package runpod provides an HTTP client for the RunPod serverless talking-head
// video generation endpoint.
package runpod

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusRunning    Status = "RUNNING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// SubmitInput contains the media and options for a lip-sync job.
// Either the URL or the base64 form of each media input must be set.
type SubmitInput struct {
	ImageURL     string // Publicly reachable source image
	AudioURL     string // Publicly reachable source audio (wav/mp3)
	ImageBase64  string // Inline source image
	AudioBase64  string // Inline source audio
	Prompt       string // Prompt text for lip-sync (default: "high quality, realistic, speaking naturally")
	Width        int    // Video width in pixels (e.g., 384, 512)
	Height       int    // Video height in pixels (e.g., 576, 512)
	InputType    string // Input type (default: "image")
	PersonCount  string // Person count (default: "single")
	ForceOffload bool   // Whether to offload model weights between steps
}

// DefaultSubmitInput returns an input with the default generation options.
func DefaultSubmitInput() SubmitInput {
	return SubmitInput{
		Prompt:      "high quality, realistic, speaking naturally",
		Width:       384,
		Height:      576,
		InputType:   "image",
		PersonCount: "single",
	}
}

// runRequest represents the request body for RunPod's /run endpoint.
type runRequest struct {
	Input runInput `json:"input"`
}

// runInput represents the input field in a RunPod run request.
type runInput struct {
	InputType     string `json:"input_type"`
	PersonCount   string `json:"person_count"`
	Prompt        string `json:"prompt"`
	ImageURL      string `json:"image_url,omitempty"`
	WavURL        string `json:"wav_url,omitempty"`
	ImageBase64   string `json:"image_base64,omitempty"`
	WavBase64     string `json:"wav_base64,omitempty"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	NetworkVolume bool   `json:"network_volume"`
	ForceOffload  bool   `json:"force_offload"`
}

// runResponse represents the response from RunPod's /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from RunPod's /status endpoint.
type statusResponse struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Output        statusOutput `json:"output,omitempty"`
	Error         string       `json:"error,omitempty"`
	ExecutionTime int64        `json:"executionTime,omitempty"`
}

// statusOutput represents the output field in a status response.
type statusOutput struct {
	Video    string  `json:"video,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// PollResult contains the result of polling a job's status.
type PollResult struct {
	Status          Status
	VideoBase64     string  // Base64-encoded video data (only set when Status is StatusCompleted)
	DurationSeconds float64 // Video duration when reported by the worker
	Error           string  // Error message (only set for failed terminal states)
}
