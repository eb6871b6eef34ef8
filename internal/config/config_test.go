package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.False(t, cfg.S3.Enabled)
	assert.Equal(t, int64(5*1024*1024), cfg.Upload.ChunkSizeBytes)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxChunkSizeBytes)
	assert.Equal(t, int64(50*1024*1024), cfg.Media.SegmentThresholdBytes)
	assert.Equal(t, int64(4*1024), cfg.Media.MinFrameBytes)
	assert.Equal(t, 4*time.Second, cfg.Media.SegmentDuration)
	assert.Equal(t, 2*time.Second, cfg.Media.ResolveTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Upload.SweepInterval)
	assert.Equal(t, []int{400, 160}, cfg.Media.ThumbnailWidths)
	assert.Equal(t, 4, cfg.Storage.Workers)
	assert.Equal(t, 2, cfg.Media.Workers)
	assert.Equal(t, 256, cfg.Media.QueueSize)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
upload:
  chunk_size: 2MB
  max_chunk_size: 4MB
media:
  segment_threshold: 20MB
  resolve_timeout: 1s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("MEDIA_SEGMENT_DURATION", "6s")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, int64(2*1024*1024), cfg.Upload.ChunkSizeBytes)
	assert.Equal(t, int64(20*1024*1024), cfg.Media.SegmentThresholdBytes)
	assert.Equal(t, time.Second, cfg.Media.ResolveTimeout)
	assert.Equal(t, 6*time.Second, cfg.Media.SegmentDuration)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad size", yaml: "upload:\n  chunk_size: lots\n"},
		{name: "chunk ceiling below chunk", yaml: "upload:\n  chunk_size: 8MB\n  max_chunk_size: 1MB\n"},
		{name: "s3 without bucket", yaml: "s3:\n  enabled: true\n"},
		{name: "no media workers", yaml: "media:\n  workers: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.yaml), 0o600))
			_, err := LoadConfig(dir)
			assert.Error(t, err)
		})
	}
}
