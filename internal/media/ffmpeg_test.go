package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// skipIfNoFFmpeg skips the test if ffmpeg or ffprobe is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not found in PATH, skipping test", bin)
		}
	}
}

// createTestVideo creates a simple test video using ffmpeg.
func createTestVideo(t *testing.T, path string, duration float64, color string) {
	t.Helper()

	// Create a simple video with solid color and silent audio
	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=64x64:d=%.1f", color, duration),
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=44100:cl=mono:d=%.1f", duration),
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-c:a", "aac",
		"-shortest",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test video: %v\noutput: %s", err, output)
	}
}

func TestNewFFmpegProcessor(t *testing.T) {
	t.Run("default paths", func(t *testing.T) {
		p := NewFFmpegProcessor("", "")
		if p.ffmpegPath != "ffmpeg" {
			t.Errorf("expected default path 'ffmpeg', got %q", p.ffmpegPath)
		}
		if p.ffprobePath != "ffprobe" {
			t.Errorf("expected default path 'ffprobe', got %q", p.ffprobePath)
		}
	})

	t.Run("custom paths", func(t *testing.T) {
		p := NewFFmpegProcessor("/usr/local/bin/ffmpeg", "/usr/local/bin/ffprobe")
		if p.ffmpegPath != "/usr/local/bin/ffmpeg" {
			t.Errorf("expected custom path, got %q", p.ffmpegPath)
		}
		if p.ffprobePath != "/usr/local/bin/ffprobe" {
			t.Errorf("expected custom path, got %q", p.ffprobePath)
		}
	})
}

func TestExtractThumbnail(t *testing.T) {
	t.Run("rejects negative offset", func(t *testing.T) {
		p := NewFFmpegProcessor("", "")
		err := p.ExtractThumbnail(context.Background(), "in.mp4", "out.jpg", -1)
		if !errors.Is(err, ErrInvalidOffset) {
			t.Errorf("expected ErrInvalidOffset, got %v", err)
		}
	})

	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p := NewFFmpegProcessor("", "")
	ctx := context.Background()

	videoPath := filepath.Join(tmpDir, "test_video.mp4")
	createTestVideo(t, videoPath, 2.0, "red")

	t.Run("extracts jpeg frame", func(t *testing.T) {
		dst := filepath.Join(tmpDir, "thumb.jpg")
		if err := p.ExtractThumbnail(ctx, videoPath, dst, 1); err != nil {
			t.Fatalf("ExtractThumbnail failed: %v", err)
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			t.Fatalf("read thumbnail: %v", err)
		}
		// JPEG magic bytes: 0xFF 0xD8
		if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
			t.Error("thumbnail is not a valid JPEG")
		}
	})

	t.Run("falls back to first frame past the end", func(t *testing.T) {
		dst := filepath.Join(tmpDir, "thumb_late.jpg")
		if err := p.ExtractThumbnail(ctx, videoPath, dst, 30); err != nil {
			t.Fatalf("ExtractThumbnail failed: %v", err)
		}
		if info, err := os.Stat(dst); err != nil || info.Size() == 0 {
			t.Error("expected a non-empty thumbnail")
		}
	})

	t.Run("fails with non-existent video", func(t *testing.T) {
		err := p.ExtractThumbnail(ctx, "/non/existent/video.mp4", filepath.Join(tmpDir, "x.jpg"), 0)
		var ffErr *FFmpegError
		if !errors.As(err, &ffErr) {
			t.Errorf("expected FFmpegError, got %v", err)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		err := p.ExtractThumbnail(ctx, videoPath, filepath.Join(tmpDir, "cancel.jpg"), 0)
		if err == nil {
			t.Error("expected error when context is cancelled")
		}
	})
}

func TestGetMediaDuration(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	p := NewFFmpegProcessor("", "")
	ctx := context.Background()

	t.Run("reads duration", func(t *testing.T) {
		videoPath := filepath.Join(tmpDir, "duration.mp4")
		createTestVideo(t, videoPath, 2.0, "blue")

		d, err := p.GetMediaDuration(ctx, videoPath)
		if err != nil {
			t.Fatalf("GetMediaDuration failed: %v", err)
		}
		if d < 1.8 || d > 2.3 {
			t.Errorf("expected duration ~2.0, got %.2f", d)
		}
	})

	t.Run("fails with non-existent file", func(t *testing.T) {
		_, err := p.GetMediaDuration(ctx, "/non/existent/video.mp4")
		if !errors.Is(err, ErrFFprobeExecution) {
			t.Errorf("expected ErrFFprobeExecution, got %v", err)
		}
	})
}

func TestFFmpegError(t *testing.T) {
	err := &FFmpegError{
		Args:   []string{"-i", "input.mp4", "-frames:v", "1", "output.jpg"},
		Stderr: "Error opening input file",
		Err:    fmt.Errorf("exit status 1"),
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "exit status 1") {
		t.Error("Error() should contain underlying error")
	}
	if !strings.Contains(errStr, "Error opening input file") {
		t.Error("Error() should contain stderr")
	}

	unwrapped := err.Unwrap()
	if unwrapped == nil || unwrapped.Error() != "exit status 1" {
		t.Errorf("Unwrap() returned wrong error: %v", unwrapped)
	}
}
