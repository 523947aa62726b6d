// Package media inspects finished video artifacts.
package media

import "context"

// Processor extracts the metadata and preview images stored with a completed job.
type Processor interface {
	// ExtractThumbnail writes a single JPEG frame taken atSeconds into the
	// video to dst. Offsets past the end of the video fall back to the first frame.
	ExtractThumbnail(ctx context.Context, videoPath, dst string, atSeconds float64) error

	// GetMediaDuration returns the duration in seconds of a media file.
	GetMediaDuration(ctx context.Context, path string) (float64, error)
}
