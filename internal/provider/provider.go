// Package provider defines the uniform contract every third-party video
// generation service is adapted to: submit, poll status, fetch artifact.
// The job pipeline never branches on provider identity beyond selecting an
// adapter from the Registry.
package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

// Static errors shared by adapters.
var (
	// ErrTransient marks poll and fetch failures the caller may retry on the next tick.
	ErrTransient = errors.New("provider: transient error")
	// ErrArtifactUnavailable is returned when a finished task has no retrievable output.
	ErrArtifactUnavailable = errors.New("provider: artifact unavailable")
)

// Kind identifies what a job generates from.
type Kind string

const (
	// KindText generates a video from a text prompt.
	KindText Kind = "text"
	// KindAvatar generates a talking-head video from an image and an audio track.
	KindAvatar Kind = "avatar"
)

// IsValid returns true if the kind is known.
func (k Kind) IsValid() bool {
	return k == KindText || k == KindAvatar
}

// Request carries everything an adapter may need to start a generation.
// Adapters ignore the fields that do not apply to them.
type Request struct {
	JobID           string
	Kind            Kind
	Prompt          string
	Script          string
	ImageURL        string
	AudioURL        string
	Width           int
	Height          int
	DurationSeconds int
}

// State is the normalized state of a remote task.
type State int

const (
	// StateRunning means the provider has not reached a terminal state yet.
	StateRunning State = iota
	// StateSucceeded means the artifact is ready at Result.Location.
	StateSucceeded
	// StateFailed means the provider reported a terminal failure.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one status poll.
type Result struct {
	State State
	// Location is an adapter-specific handle accepted by FetchArtifact.
	Location string
	// DurationSeconds is the artifact duration when the provider reports it, 0 otherwise.
	DurationSeconds float64
	// Reason is the provider's failure message.
	Reason string
}

// Running returns a still-running result.
func Running() Result {
	return Result{State: StateRunning}
}

// Succeeded returns a success result.
func Succeeded(location string, durationSeconds float64) Result {
	return Result{State: StateSucceeded, Location: location, DurationSeconds: durationSeconds}
}

// Failed returns a terminal failure result.
func Failed(reason string) Result {
	if reason == "" {
		reason = "provider reported failure"
	}
	return Result{State: StateFailed, Reason: reason}
}

// Adapter is implemented once per external generation service.
type Adapter interface {
	// Name returns the registry name of the provider.
	Name() string

	// Submit starts a remote task and returns its opaque ID.
	// It performs exactly one remote call and never retries.
	Submit(ctx context.Context, req Request) (taskID string, err error)

	// PollStatus reads the state of a remote task without side effects.
	// "Still running" is a Result, not an error; errors mean network, auth
	// or decoding failures and are treated as transient by the caller.
	PollStatus(ctx context.Context, taskID string) (Result, error)

	// FetchArtifact opens the finished asset for the given location.
	// The caller is responsible for closing the returned ReadCloser.
	FetchArtifact(ctx context.Context, location string) (io.ReadCloser, error)
}

// Policy holds the provider-specific timing limits of the reconciliation loop.
type Policy struct {
	// MinGrace is how long after submission the first poll is meaningful.
	MinGrace time.Duration
	// MaxProcessing is the hard ceiling after which a job is force-failed.
	MaxProcessing time.Duration
}

// Overdue returns true if a job started at startedAt exceeded the ceiling at now.
func (p Policy) Overdue(startedAt, now time.Time) bool {
	if p.MaxProcessing <= 0 || startedAt.IsZero() {
		return false
	}
	return now.Sub(startedAt) > p.MaxProcessing
}

// InGrace returns true if a job started at startedAt is still too young to poll.
func (p Policy) InGrace(startedAt, now time.Time) bool {
	if p.MinGrace <= 0 || startedAt.IsZero() {
		return false
	}
	return now.Sub(startedAt) < p.MinGrace
}
