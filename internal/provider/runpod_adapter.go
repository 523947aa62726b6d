package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/maauso/videogen-api/internal/runpod"
)

// RunPodName is the registry name of the RunPod adapter.
const RunPodName = "runpod"

// RunPodAdapter adapts the RunPod client to the Adapter interface.
// RunPod returns the video inline, so the artifact location is the RunPod
// job ID and FetchArtifact polls again to read the payload.
type RunPodAdapter struct {
	client runpod.Client
}

// Compile-time check that RunPodAdapter implements Adapter.
var _ Adapter = (*RunPodAdapter)(nil)

// NewRunPodAdapter creates a new RunPod adapter.
func NewRunPodAdapter(client runpod.Client) *RunPodAdapter {
	return &RunPodAdapter{client: client}
}

// Name returns the registry name.
func (a *RunPodAdapter) Name() string {
	return RunPodName
}

// Submit sends a lip-sync job to RunPod.
func (a *RunPodAdapter) Submit(ctx context.Context, req Request) (string, error) {
	in := runpod.SubmitInput{
		ImageURL: req.ImageURL,
		AudioURL: req.AudioURL,
		Prompt:   req.Prompt,
		Width:    req.Width,
		Height:   req.Height,
	}
	jobID, err := a.client.Submit(ctx, in)
	if err != nil {
		return "", fmt.Errorf("runpod adapter submit: %w", err)
	}
	return jobID, nil
}

// PollStatus checks the status of a RunPod job.
func (a *RunPodAdapter) PollStatus(ctx context.Context, taskID string) (Result, error) {
	result, err := a.client.Poll(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: runpod adapter poll: %w", ErrTransient, err)
	}

	switch result.Status {
	case runpod.StatusCompleted:
		if result.VideoBase64 == "" {
			return Failed("runpod: completed without video output"), nil
		}
		return Succeeded(taskID, result.DurationSeconds), nil
	case runpod.StatusFailed, runpod.StatusCancelled, runpod.StatusTimedOut:
		reason := result.Error
		if reason == "" {
			reason = "runpod job " + strings.ToLower(string(result.Status))
		}
		return Failed(reason), nil
	default:
		return Running(), nil
	}
}

// FetchArtifact re-reads the finished job and decodes the inline video.
func (a *RunPodAdapter) FetchArtifact(ctx context.Context, location string) (io.ReadCloser, error) {
	result, err := a.client.Poll(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("%w: runpod adapter fetch: %w", ErrTransient, err)
	}
	if result.Status != runpod.StatusCompleted || result.VideoBase64 == "" {
		return nil, fmt.Errorf("%w: runpod job %s is %s", ErrArtifactUnavailable, location, result.Status)
	}

	payload := result.VideoBase64
	// Workers may return a data URI instead of bare base64.
	if i := strings.Index(payload, ","); strings.HasPrefix(payload, "data:") && i >= 0 {
		payload = payload[i+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: runpod video is not valid base64: %w", ErrArtifactUnavailable, err)
	}
	return io.NopCloser(bytes.NewReader(decoded)), nil
}
