// Package runway provides an HTTP client for the Runway text-to-video API.
package runway

// Status represents the status of a Runway task.
type Status string

// Runway task statuses aligned with the Runway API.
const (
	StatusPending   Status = "PENDING"
	StatusThrottled Status = "THROTTLED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TextToVideoInput contains the parameters of a text-to-video generation.
type TextToVideoInput struct {
	Prompt   string // Text describing the video
	Model    string // Model name (default: "gen4_turbo")
	Ratio    string // Output resolution as "WIDTH:HEIGHT" (default: "1280:720")
	Duration int    // Video length in seconds, 5 or 10 (default: 5)
}

// DefaultTextToVideoInput returns an input with the default generation options.
func DefaultTextToVideoInput() TextToVideoInput {
	return TextToVideoInput{
		Model:    "gen4_turbo",
		Ratio:    "1280:720",
		Duration: 5,
	}
}

// createRequest represents the request body for the text_to_video endpoint.
type createRequest struct {
	Model      string `json:"model"`
	PromptText string `json:"promptText"`
	Ratio      string `json:"ratio"`
	Duration   int    `json:"duration"`
}

// TaskResult contains the result of polling a task.
type TaskResult struct {
	Status    Status
	OutputURL string // First output URL (only set when Status is StatusSucceeded)
	Progress  float64
	Error     string // Failure message (only set for failed terminal states)
}
