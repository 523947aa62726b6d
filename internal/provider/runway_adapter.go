package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/maauso/videogen-api/internal/runway"
)

// RunwayName is the registry name of the Runway adapter.
const RunwayName = "runway"

// RunwayAdapter adapts the Runway client to the Adapter interface.
type RunwayAdapter struct {
	client runway.Client
}

// Compile-time check that RunwayAdapter implements Adapter.
var _ Adapter = (*RunwayAdapter)(nil)

// NewRunwayAdapter creates a new Runway adapter.
func NewRunwayAdapter(client runway.Client) *RunwayAdapter {
	return &RunwayAdapter{client: client}
}

// Name returns the registry name.
func (a *RunwayAdapter) Name() string {
	return RunwayName
}

// Submit starts a text-to-video task.
func (a *RunwayAdapter) Submit(ctx context.Context, req Request) (string, error) {
	in := runway.TextToVideoInput{
		Prompt:   req.Prompt,
		Duration: req.DurationSeconds,
	}
	if in.Prompt == "" {
		in.Prompt = req.Script
	}
	if req.Width > 0 && req.Height > 0 {
		in.Ratio = fmt.Sprintf("%d:%d", req.Width, req.Height)
	}

	taskID, err := a.client.CreateTextToVideo(ctx, in)
	if err != nil {
		return "", fmt.Errorf("runway adapter submit: %w", err)
	}
	return taskID, nil
}

// PollStatus checks the status of a Runway task.
func (a *RunwayAdapter) PollStatus(ctx context.Context, taskID string) (Result, error) {
	result, err := a.client.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: runway adapter poll: %w", ErrTransient, err)
	}

	switch result.Status {
	case runway.StatusSucceeded:
		if result.OutputURL == "" {
			return Failed("runway: succeeded without output"), nil
		}
		return Succeeded(result.OutputURL, 0), nil
	case runway.StatusFailed, runway.StatusCancelled:
		reason := result.Error
		if reason == "" {
			reason = "runway task " + strings.ToLower(string(result.Status))
		}
		return Failed(reason), nil
	default:
		return Running(), nil
	}
}

// FetchArtifact streams the output video from Runway's CDN.
func (a *RunwayAdapter) FetchArtifact(ctx context.Context, location string) (io.ReadCloser, error) {
	rc, err := a.client.OpenOutput(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: runway adapter fetch: %w", ErrTransient, err)
	}
	return rc, nil
}
