package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNoVideoStreams = errors.New("ffprobe: no video streams")

// Prober reads clip metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

type VideoStream struct {
	Codec       string
	Width       int
	Height      int
	PixelFormat string
	FrameRate   float64
	Rotation    int // Degrees clockwise the player must rotate the stored pixels
}

type ProbeResult struct {
	Duration     time.Duration
	VideoStreams []VideoStream
}

// LocalProber runs the ffprobe binary.
type LocalProber struct {
	Binary  string
	Timeout time.Duration
}

func (p *LocalProber) Probe(ctx context.Context, path string) (ProbeResult, error) {
	if strings.TrimSpace(path) == "" {
		return ProbeResult{}, errors.New("ffprobe: empty input path")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := run(ctx, binary(p.Binary, "ffprobe"),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return ProbeResult{}, err
	}
	return parseProbeOutput(out)
}

type probePayload struct {
	Streams []struct {
		CodecType    string            `json:"codec_type"`
		CodecName    string            `json:"codec_name"`
		Width        int               `json:"width"`
		Height       int               `json:"height"`
		PixFmt       string            `json:"pix_fmt"`
		AvgFrameRate string            `json:"avg_frame_rate"`
		Tags         map[string]string `json:"tags"`
		SideData     []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(data []byte) (ProbeResult, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe: decode output: %w", err)
	}
	var result ProbeResult
	for _, s := range payload.Streams {
		if s.CodecType != "video" {
			continue
		}
		stream := VideoStream{
			Codec:       s.CodecName,
			Width:       s.Width,
			Height:      s.Height,
			PixelFormat: s.PixFmt,
			FrameRate:   parseRate(s.AvgFrameRate),
		}
		if r, err := strconv.Atoi(s.Tags["rotate"]); err == nil {
			stream.Rotation = normalizeRotation(r)
		}
		for _, sd := range s.SideData {
			if sd.Rotation != 0 {
				// Display matrix rotation is counter-clockwise.
				stream.Rotation = normalizeRotation(-int(sd.Rotation))
			}
		}
		result.VideoStreams = append(result.VideoStreams, stream)
	}
	if len(result.VideoStreams) == 0 {
		return ProbeResult{}, ErrNoVideoStreams
	}
	if secs, err := strconv.ParseFloat(strings.TrimSpace(payload.Format.Duration), 64); err == nil && secs > 0 {
		result.Duration = time.Duration(secs * float64(time.Second))
	}
	return result, nil
}

func parseRate(raw string) float64 {
	num, den, ok := strings.Cut(raw, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}
