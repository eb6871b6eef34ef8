package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config holds all configuration for the media service.
// The values are read by Viper from a config file or environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	S3       S3Config       `mapstructure:"s3"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Media    MediaConfig    `mapstructure:"media"`
	JWT      JWTConfig      `mapstructure:"jwt"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PublicURL    string        `mapstructure:"public_url"` // Prefix for URLs returned to clients; empty means relative
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URI     string `mapstructure:"uri"`
	Name    string `mapstructure:"name"`
}

// S3Config describes the durable tier. Enabled=false runs the service on the local tier alone.
type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	PartSize        string `mapstructure:"part_size"`

	PartSizeBytes int64 `mapstructure:"-"`
}

// StorageConfig tunes the two-tier coordinator and its mirror queue.
type StorageConfig struct {
	LocalDir          string        `mapstructure:"local_dir"`
	TempDir           string        `mapstructure:"temp_dir"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`   // Durable reads on the serving path
	DeleteTimeout     time.Duration `mapstructure:"delete_timeout"` // Durable deletes
	MirrorTimeout     time.Duration `mapstructure:"mirror_timeout"` // One background mirror attempt
	MirrorMaxElapsed  time.Duration `mapstructure:"mirror_max_elapsed"`
	QueueSize         int           `mapstructure:"queue_size"`
	Workers           int           `mapstructure:"workers"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ReconcileGrace    time.Duration `mapstructure:"reconcile_grace"`
	TombstoneCapacity int           `mapstructure:"tombstone_capacity"`
}

// UploadConfig tunes chunked upload sessions. Sizes are human readable ("5MB").
type UploadConfig struct {
	ChunkSize     string        `mapstructure:"chunk_size"`
	MaxChunkSize  string        `mapstructure:"max_chunk_size"`
	MaxFileSize   string        `mapstructure:"max_file_size"`
	MaxDirectSize string        `mapstructure:"max_direct_size"` // Largest whole-file (non-chunked) ingest
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	ChunkSizeBytes     int64 `mapstructure:"-"`
	MaxChunkSizeBytes  int64 `mapstructure:"-"`
	MaxFileSizeBytes   int64 `mapstructure:"-"`
	MaxDirectSizeBytes int64 `mapstructure:"-"`
}

// MediaConfig tunes derivative generation, segmentation and retrieval.
type MediaConfig struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path"`
	ThumbnailWidths  []int         `mapstructure:"thumbnail_widths"` // First entry is the canonical thumbnail
	JPEGQuality      int           `mapstructure:"jpeg_quality"`
	PosterWidth      int           `mapstructure:"poster_width"`
	MinFrameSize     string        `mapstructure:"min_frame_size"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ExtractTimeout   time.Duration `mapstructure:"extract_timeout"`
	SegmentThreshold string        `mapstructure:"segment_threshold"`
	SegmentDuration  time.Duration `mapstructure:"segment_duration"`
	SegmentTimeout   time.Duration `mapstructure:"segment_timeout"`
	ResolveTimeout   time.Duration `mapstructure:"resolve_timeout"` // Per key-pattern attempt
	ResolveCacheSize int           `mapstructure:"resolve_cache_size"`
	Workers          int           `mapstructure:"workers"`    // Derivative and segment jobs; separate from mirrors
	QueueSize        int           `mapstructure:"queue_size"` // Jobs beyond this are dropped until the next reconcile

	MinFrameBytes         int64 `mapstructure:"-"`
	SegmentThresholdBytes int64 `mapstructure:"-"`
}

// JWTConfig carries the secret used to verify tokens issued by the auth service.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// server.address -> SERVER_ADDRESS, media.segment_threshold -> MEDIA_SEGMENT_THRESHOLD
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))

	setDefaults(v)

	err = v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// No file; defaults and env vars only.
		err = nil
	} else if err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	if err = config.parseSizes(); err != nil {
		return
	}
	return config, config.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.public_url", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "fitness_media")

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("s3.part_size", "10MB")

	v.SetDefault("storage.local_dir", "data/media")
	v.SetDefault("storage.temp_dir", "")
	v.SetDefault("storage.read_timeout", "5s")
	v.SetDefault("storage.delete_timeout", "5s")
	v.SetDefault("storage.mirror_timeout", "2m")
	v.SetDefault("storage.mirror_max_elapsed", "10m")
	v.SetDefault("storage.queue_size", 1024)
	v.SetDefault("storage.workers", 4)
	v.SetDefault("storage.reconcile_interval", "10m")
	v.SetDefault("storage.reconcile_grace", "5m")
	v.SetDefault("storage.tombstone_capacity", 4096)

	v.SetDefault("upload.chunk_size", "5MB")
	v.SetDefault("upload.max_chunk_size", "10MB")
	v.SetDefault("upload.max_file_size", "2GB")
	v.SetDefault("upload.max_direct_size", "25MB")
	v.SetDefault("upload.session_ttl", "30m")
	v.SetDefault("upload.sweep_interval", "15m")

	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.thumbnail_widths", []int{400, 160})
	v.SetDefault("media.jpeg_quality", 80)
	v.SetDefault("media.poster_width", 640)
	v.SetDefault("media.min_frame_size", "4KB")
	v.SetDefault("media.probe_timeout", "10s")
	v.SetDefault("media.extract_timeout", "15s")
	v.SetDefault("media.segment_threshold", "50MB")
	v.SetDefault("media.segment_duration", "4s")
	v.SetDefault("media.segment_timeout", "15m")
	v.SetDefault("media.resolve_timeout", "2s")
	v.SetDefault("media.resolve_cache_size", 2048)
	v.SetDefault("media.workers", 2)
	v.SetDefault("media.queue_size", 256)
}

func (c *Config) parseSizes() error {
	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"s3.part_size", c.S3.PartSize, &c.S3.PartSizeBytes},
		{"upload.chunk_size", c.Upload.ChunkSize, &c.Upload.ChunkSizeBytes},
		{"upload.max_chunk_size", c.Upload.MaxChunkSize, &c.Upload.MaxChunkSizeBytes},
		{"upload.max_file_size", c.Upload.MaxFileSize, &c.Upload.MaxFileSizeBytes},
		{"upload.max_direct_size", c.Upload.MaxDirectSize, &c.Upload.MaxDirectSizeBytes},
		{"media.min_frame_size", c.Media.MinFrameSize, &c.Media.MinFrameBytes},
		{"media.segment_threshold", c.Media.SegmentThreshold, &c.Media.SegmentThresholdBytes},
	}
	for _, s := range sizes {
		n, err := units.RAMInBytes(s.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", s.name, s.raw, err)
		}
		*s.dst = n
	}
	return nil
}

// Validate checks the invariants the components rely on.
func (c Config) Validate() error {
	var errs []error
	if c.Upload.ChunkSizeBytes <= 0 {
		errs = append(errs, errors.New("upload.chunk_size must be positive"))
	}
	if c.Upload.MaxChunkSizeBytes < c.Upload.ChunkSizeBytes {
		errs = append(errs, errors.New("upload.max_chunk_size must not be below upload.chunk_size"))
	}
	if c.Upload.SessionTTL <= 0 {
		errs = append(errs, errors.New("upload.session_ttl must be positive"))
	}
	if c.Media.SegmentThresholdBytes <= 0 {
		errs = append(errs, errors.New("media.segment_threshold must be positive"))
	}
	if c.Media.SegmentDuration <= 0 {
		errs = append(errs, errors.New("media.segment_duration must be positive"))
	}
	if c.Media.ResolveTimeout <= 0 {
		errs = append(errs, errors.New("media.resolve_timeout must be positive"))
	}
	if len(c.Media.ThumbnailWidths) == 0 {
		errs = append(errs, errors.New("media.thumbnail_widths must list at least one width"))
	}
	if c.Storage.Workers <= 0 || c.Storage.QueueSize <= 0 {
		errs = append(errs, errors.New("storage.workers and storage.queue_size must be positive"))
	}
	if c.Media.Workers <= 0 || c.Media.QueueSize <= 0 {
		errs = append(errs, errors.New("media.workers and media.queue_size must be positive"))
	}
	if c.S3.Enabled && c.S3.BucketName == "" {
		errs = append(errs, errors.New("s3.bucket_name is required when s3 is enabled"))
	}
	return errors.Join(errs...)
}
