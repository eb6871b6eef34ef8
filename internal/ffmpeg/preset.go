package ffmpeg

// Preset describes reusable ffmpeg output settings.
type Preset struct {
	Name         string
	VideoCodec   string
	AudioCodec   string
	VideoBitrate string
	AudioBitrate string
	PixelFormat  string
	FrameRate    string
	Filters      []string
	ExtraArgs    []string
}

// HLSPreset re-encodes to H.264/AAC, which every HLS player accepts.
var HLSPreset = Preset{
	Name:         "hls",
	VideoCodec:   "libx264",
	AudioCodec:   "aac",
	AudioBitrate: "128k",
	PixelFormat:  "yuv420p",
	ExtraArgs:    []string{"-preset", "veryfast", "-crf", "23"},
}

// Args returns the codec and encoding arguments of the preset.
func (p Preset) Args() []string {
	args := make([]string, 0, 12+len(p.ExtraArgs))
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	if p.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.PixelFormat)
	}
	if p.FrameRate != "" {
		args = append(args, "-r", p.FrameRate)
	}
	args = append(args, p.ExtraArgs...)
	return args
}
