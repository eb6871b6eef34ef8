package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// HLSJob describes one segmentation run. Segments are numbered from zero.
type HLSJob struct {
	Input           string
	OutputDir       string
	PlaylistName    string // e.g. index.m3u8
	SegmentPattern  string // printf pattern, e.g. seg_%05d.ts
	SegmentDuration time.Duration
}

// HLSTranscoder cuts a clip into an HLS segment set.
type HLSTranscoder interface {
	TranscodeHLS(ctx context.Context, job HLSJob) error
}

// LocalHLSTranscoder runs the ffmpeg binary. The clip is always re-encoded so any rotation
// metadata ends up in the pixels of every segment.
type LocalHLSTranscoder struct {
	Binary  string
	Preset  Preset
	Timeout time.Duration
}

func (t *LocalHLSTranscoder) TranscodeHLS(ctx context.Context, job HLSJob) error {
	if job.Input == "" || job.OutputDir == "" || job.PlaylistName == "" || job.SegmentPattern == "" {
		return errors.New("ffmpeg: incomplete hls job")
	}
	if job.SegmentDuration <= 0 {
		return errors.New("ffmpeg: hls segment duration must be positive")
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	preset := t.Preset
	if preset.Name == "" {
		preset = HLSPreset
	}
	if _, err := run(ctx, binary(t.Binary, "ffmpeg"), hlsArgs(job, preset)...); err != nil {
		return fmt.Errorf("segment %s: %w", filepath.Base(job.Input), err)
	}
	return nil
}

func hlsArgs(job HLSJob, preset Preset) []string {
	secs := strconv.FormatFloat(job.SegmentDuration.Seconds(), 'f', -1, 64)
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", job.Input,
		"-map", "0:v:0", "-map", "0:a:0?",
	}
	for _, f := range preset.Filters {
		args = append(args, "-vf", f)
	}
	args = append(args, preset.Args()...)
	args = append(args,
		// Drop the rotation tag; the decoder already rotated the pixels.
		"-metadata:s:v:0", "rotate=0",
		// A keyframe at every boundary keeps segment lengths exact.
		"-force_key_frames", "expr:gte(t,n_forced*"+secs+")",
		"-f", "hls",
		"-hls_time", secs,
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-start_number", "0",
		"-hls_segment_filename", filepath.Join(job.OutputDir, job.SegmentPattern),
		filepath.Join(job.OutputDir, job.PlaylistName),
	)
	return args
}
