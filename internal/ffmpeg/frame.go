package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FrameExtractor writes a single JPEG frame of src taken at offset at into dst.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, src string, at time.Duration, dst string) error
}

// LocalFrameExtractor runs the ffmpeg binary. ffmpeg applies the stream's rotation on
// decode, so the frame comes out upright.
type LocalFrameExtractor struct {
	Binary  string
	Width   int // Output width; height follows the aspect ratio
	Quality int // JPEG qscale, 2 (best) to 31
	Timeout time.Duration
}

func (e *LocalFrameExtractor) ExtractFrame(ctx context.Context, src string, at time.Duration, dst string) error {
	if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
		return errors.New("ffmpeg: frame extraction needs input and output paths")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	if _, err := run(ctx, binary(e.Binary, "ffmpeg"), frameArgs(src, at, dst, e.Width, e.Quality)...); err != nil {
		return fmt.Errorf("extract frame at %s: %w", at, err)
	}
	return nil
}

func frameArgs(src string, at time.Duration, dst string, width, quality int) []string {
	if quality <= 0 {
		quality = 3
	}
	// -ss before -i seeks on the demuxer, which is fast and accurate enough for a poster.
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", src,
		"-frames:v", "1",
	}
	if width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}
	return append(args, "-q:v", strconv.Itoa(quality), "-f", "image2", dst)
}
