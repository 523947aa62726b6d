package provider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/maauso/videogen-api/internal/beam"
)

// BeamName is the registry name of the Beam adapter.
const BeamName = "beam"

// BeamAdapter adapts the Beam client to the Adapter interface.
// The artifact location is the output URL Beam reports on completion.
type BeamAdapter struct {
	client beam.Client
}

// Compile-time check that BeamAdapter implements Adapter.
var _ Adapter = (*BeamAdapter)(nil)

// NewBeamAdapter creates a new Beam adapter.
func NewBeamAdapter(client beam.Client) *BeamAdapter {
	return &BeamAdapter{client: client}
}

// Name returns the registry name.
func (a *BeamAdapter) Name() string {
	return BeamName
}

// Submit sends a lip-sync task to Beam.
func (a *BeamAdapter) Submit(ctx context.Context, req Request) (string, error) {
	in := beam.DefaultTaskInput()
	in.ImageURL = req.ImageURL
	in.AudioURL = req.AudioURL
	if req.Prompt != "" {
		in.Prompt = req.Prompt
	}
	if req.Width > 0 && req.Height > 0 {
		in.Width, in.Height = req.Width, req.Height
	}

	taskID, err := a.client.Submit(ctx, in)
	if err != nil {
		return "", fmt.Errorf("beam adapter submit: %w", err)
	}
	return taskID, nil
}

// PollStatus checks the status of a Beam task.
func (a *BeamAdapter) PollStatus(ctx context.Context, taskID string) (Result, error) {
	result, err := a.client.Poll(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: beam adapter poll: %w", ErrTransient, err)
	}

	switch result.Status {
	case beam.StatusCompleted, beam.StatusComplete:
		if result.OutputURL == "" {
			return Failed("beam: completed without output URL"), nil
		}
		return Succeeded(result.OutputURL, 0), nil
	case beam.StatusFailed, beam.StatusError, beam.StatusCanceled:
		reason := result.Error
		if reason == "" {
			reason = "beam task " + strings.ToLower(string(result.Status))
		}
		return Failed(reason), nil
	default:
		return Running(), nil
	}
}

// FetchArtifact streams the output video from Beam.
func (a *BeamAdapter) FetchArtifact(ctx context.Context, location string) (io.ReadCloser, error) {
	rc, err := a.client.OpenOutput(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: beam adapter fetch: %w", ErrTransient, err)
	}
	return rc, nil
}
