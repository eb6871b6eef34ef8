package ffmpeg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbeOutput(t *testing.T) {
	payload := []byte(`{
  "streams": [
    {
      "codec_type": "audio",
      "codec_name": "aac"
    },
    {
      "codec_type": "video",
      "codec_name": "h264",
      "width": 1920,
      "height": 1080,
      "pix_fmt": "yuv420p",
      "avg_frame_rate": "30000/1001",
      "side_data_list": [{"rotation": -90}]
    }
  ],
  "format": {
    "duration": "5.500000"
  }
}`)
	result, err := parseProbeOutput(payload)
	require.NoError(t, err)
	require.Len(t, result.VideoStreams, 1)

	stream := result.VideoStreams[0]
	assert.InDelta(t, 29.97, stream.FrameRate, 0.01)
	assert.Equal(t, 90, stream.Rotation)
	assert.Equal(t, 5500*time.Millisecond, result.Duration)
}

func TestParseProbeOutput_RotateTag(t *testing.T) {
	payload := []byte(`{"streams": [{"codec_type": "video", "tags": {"rotate": "270"}}], "format": {"duration": "N/A"}}`)
	result, err := parseProbeOutput(payload)
	require.NoError(t, err)
	assert.Equal(t, 270, result.VideoStreams[0].Rotation)
	assert.Zero(t, result.Duration)
}

func TestParseProbeOutput_NoVideo(t *testing.T) {
	_, err := parseProbeOutput([]byte(`{"streams": [], "format": {}}`))
	assert.ErrorIs(t, err, ErrNoVideoStreams)

	_, err = parseProbeOutput([]byte(`not json`))
	assert.Error(t, err)
}

func TestLocalProberRejectsEmptyPath(t *testing.T) {
	prober := &LocalProber{}
	_, err := prober.Probe(context.Background(), " ")
	assert.Error(t, err)
}

func TestPresetArgs(t *testing.T) {
	preset := Preset{
		VideoCodec:   "libx264",
		VideoBitrate: "5M",
		AudioBitrate: "192k",
		PixelFormat:  "yuv420p",
		FrameRate:    "30",
		ExtraArgs:    []string{"-movflags", "+faststart"},
	}
	want := []string{"-c:v", "libx264", "-b:v", "5M", "-b:a", "192k", "-pix_fmt", "yuv420p", "-r", "30", "-movflags", "+faststart"}
	assert.Equal(t, want, preset.Args())
}

func TestFrameArgs(t *testing.T) {
	got := frameArgs("/tmp/in.mp4", 1500*time.Millisecond, "/tmp/out.jpg", 640, 0)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", "1.500",
		"-i", "/tmp/in.mp4",
		"-frames:v", "1",
		"-vf", "scale=640:-2",
		"-q:v", "3", "-f", "image2", "/tmp/out.jpg",
	}, got)
}

func TestHLSArgs(t *testing.T) {
	job := HLSJob{
		Input:           "/tmp/in.mov",
		OutputDir:       "/tmp/out",
		PlaylistName:    "index.m3u8",
		SegmentPattern:  "seg_%05d.ts",
		SegmentDuration: 4 * time.Second,
	}
	args := hlsArgs(job, HLSPreset)

	assert.Subset(t, args, []string{"-c:v", "libx264", "-c:a", "aac", "-f", "hls"})
	assert.Contains(t, args, "expr:gte(t,n_forced*4)")
	assert.Contains(t, args, "/tmp/out/seg_%05d.ts")
	assert.Equal(t, "/tmp/out/index.m3u8", args[len(args)-1])
	for i, a := range args {
		if a == "-start_number" {
			assert.Equal(t, "0", args[i+1])
		}
		if a == "-hls_time" {
			assert.Equal(t, "4", args[i+1])
		}
	}
}

func TestLocalHLSTranscoderRejectsIncompleteJob(t *testing.T) {
	tr := &LocalHLSTranscoder{}
	assert.Error(t, tr.TranscodeHLS(context.Background(), HLSJob{Input: "a.mp4"}))
	assert.Error(t, tr.TranscodeHLS(context.Background(), HLSJob{
		Input: "a.mp4", OutputDir: "/tmp", PlaylistName: "i.m3u8", SegmentPattern: "s_%05d.ts",
	}))
}
