// Package segment cuts large videos into an HLS segment set so each response stays under the
// proxy's size ceiling.
package segment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/ffmpeg"
	"alcyxob/fitness-media/internal/metrics"
	"alcyxob/fitness-media/internal/repository"
	"alcyxob/fitness-media/internal/storage"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	DefaultThreshold       = 50 * units.MiB
	DefaultSegmentDuration = 4 * time.Second

	PlaylistContentType = "application/vnd.apple.mpegurl"
	SegmentContentType  = "video/mp2t"

	playlistName   = "index.m3u8"
	segmentPattern = "seg_%05d.ts"
)

var (
	ErrBelowThreshold = errors.New("video below segmentation threshold")
	ErrSegmentGap     = errors.New("segment set is not contiguous")
)

// Store is the part of the storage coordinator the segmenter needs.
type Store interface {
	ReadOriginal(ctx context.Context, key string) (storage.Original, error)
	PutDerivativeOf(ctx context.Context, parent storage.Original, key string, data []byte, contentType string) (domain.StoredObject, error)
	Deleted(parent storage.Original) bool
	Delete(ctx context.Context, key string) error
}

type Options struct {
	Store           Store
	Repo            repository.MediaRepository
	Transcoder      ffmpeg.HLSTranscoder
	TempDir         string
	Threshold       int64
	SegmentDuration time.Duration
	// URLFor turns a segment key into the URI written in the playlist.
	URLFor  func(key string) string
	Logger  log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Result describes a published segment set.
type Result struct {
	PlaylistKey string
	SegmentKeys []string
	Duration    time.Duration
}

type Segmenter struct {
	store           Store
	repo            repository.MediaRepository
	transcoder      ffmpeg.HLSTranscoder
	tempDir         string
	threshold       int64
	segmentDuration time.Duration
	urlFor          func(string) string
	logger          log.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

// FileURL is the retrieval URL of key on this service.
func FileURL(key string) string {
	return "/api/v1/media/file?filename=" + url.QueryEscape(key)
}

func New(opts Options) (*Segmenter, error) {
	if opts.Store == nil {
		return nil, errors.New("segment store is required")
	}
	if opts.Transcoder == nil {
		return nil, errors.New("hls transcoder is required")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}
	if opts.URLFor == nil {
		opts.URLFor = FileURL
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Segmenter{
		store:           opts.Store,
		repo:            opts.Repo,
		transcoder:      opts.Transcoder,
		tempDir:         opts.TempDir,
		threshold:       opts.Threshold,
		segmentDuration: opts.SegmentDuration,
		urlFor:          opts.URLFor,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		now:             opts.Now,
	}, nil
}

// ShouldSegment reports whether a video of size bytes gets a segment set.
func (s *Segmenter) ShouldSegment(size int64) bool {
	return size >= s.threshold
}

// Segment re-encodes the video at key into HLS and publishes it. Segments are uploaded in
// index order and the playlist last; on any failure the uploaded segments are removed and
// nothing is published. When the original is deleted while this runs, everything written is
// removed again and storage.ErrParentDeleted is returned.
func (s *Segmenter) Segment(ctx context.Context, key string, size int64) (Result, error) {
	if !s.ShouldSegment(size) {
		return Result{}, ErrBelowThreshold
	}
	parent, err := s.store.ReadOriginal(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", key, err)
	}

	dir, err := os.MkdirTemp(s.tempDir, "hls-*")
	if err != nil {
		return Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warnf("Failed to remove scratch dir %s: %v", dir, err)
		}
	}()

	src := filepath.Join(dir, "source."+domain.Ext(key))
	if err := os.WriteFile(src, parent.Data, 0o600); err != nil {
		return Result{}, fmt.Errorf("stage %s: %w", key, err)
	}

	start := s.now()
	if err := s.transcoder.TranscodeHLS(ctx, ffmpeg.HLSJob{
		Input:           src,
		OutputDir:       dir,
		PlaylistName:    playlistName,
		SegmentPattern:  segmentPattern,
		SegmentDuration: s.segmentDuration,
	}); err != nil {
		s.failed(parent)
		return Result{}, err
	}
	if s.store.Deleted(parent) {
		return Result{}, fmt.Errorf("%w: %s", storage.ErrParentDeleted, key)
	}

	entries, err := s.readOutput(dir)
	if err != nil {
		s.failed(parent)
		return Result{}, fmt.Errorf("segment %s: %w", key, err)
	}

	result, err := s.publish(ctx, parent, dir, entries)
	if err != nil {
		s.failed(parent)
		return Result{}, err
	}
	s.logger.Debugf("Segmented %s into %d segment(s), %s of video in %s",
		key, len(result.SegmentKeys), result.Duration.Round(time.Millisecond), s.now().Sub(start).Round(time.Millisecond))
	return result, nil
}

// readOutput checks that the transcoder produced segments 0..n-1 with nothing missing.
func (s *Segmenter) readOutput(dir string) ([]Entry, error) {
	raw, err := os.ReadFile(filepath.Join(dir, playlistName))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	entries, err := ParsePlaylist(raw)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrSegmentGap)
	}
	for i, e := range entries {
		if want := fmt.Sprintf(segmentPattern, i); e.URI != want {
			return nil, fmt.Errorf("%w: entry %d is %q, want %q", ErrSegmentGap, i, e.URI, want)
		}
		if _, err := os.Stat(filepath.Join(dir, e.URI)); err != nil {
			return nil, fmt.Errorf("%w: %s missing: %v", ErrSegmentGap, e.URI, err)
		}
	}
	return entries, nil
}

func (s *Segmenter) publish(ctx context.Context, parent storage.Original, dir string, entries []Entry) (Result, error) {
	key := parent.Key
	published := make([]Entry, 0, len(entries))
	uploaded := make([]string, 0, len(entries))
	sizes := make([]int64, 0, len(entries))
	var total float64

	for i, e := range entries {
		seg, err := os.ReadFile(filepath.Join(dir, e.URI))
		if err == nil {
			segKey := domain.SegmentKey(key, i)
			if _, err = s.store.PutDerivativeOf(ctx, parent, segKey, seg, SegmentContentType); err == nil {
				uploaded = append(uploaded, segKey)
				sizes = append(sizes, int64(len(seg)))
				published = append(published, Entry{Duration: e.Duration, URI: s.urlFor(segKey)})
				total += e.Duration
				continue
			}
		}
		s.rollback(key, uploaded)
		return Result{}, fmt.Errorf("upload segment %d of %s: %w", i, key, err)
	}

	playlist := RenderPlaylist(published)
	playlistKey := domain.PlaylistKey(key)
	if _, err := s.store.PutDerivativeOf(ctx, parent, playlistKey, playlist, PlaylistContentType); err != nil {
		s.rollback(key, uploaded)
		return Result{}, fmt.Errorf("upload playlist of %s: %w", key, err)
	}

	duration := time.Duration(total * float64(time.Second))
	for i, segKey := range uploaded {
		s.record(ctx, domain.DerivativeArtifact{
			Key: segKey, ParentKey: key, Kind: domain.DerivativeHLSSegment,
			Outcome: domain.OutcomeSucceeded, Sequence: i, Size: sizes[i],
		})
	}
	s.record(ctx, domain.DerivativeArtifact{
		Key: playlistKey, ParentKey: key, Kind: domain.DerivativeHLSPlaylist,
		Outcome: domain.OutcomeSucceeded, Size: int64(len(playlist)), Duration: total,
	})

	if s.store.Deleted(parent) {
		// Deleted after the last write landed; the delete may already have collected the
		// derivative keys, so this set is ours to remove.
		s.rollback(key, append(uploaded, playlistKey))
		if s.repo != nil {
			if err := s.repo.DeleteDerivatives(ctx, key); err != nil {
				s.logger.Warnf("Failed to remove derivative records of %s: %v", key, err)
			}
		}
		return Result{}, fmt.Errorf("%w: %s", storage.ErrParentDeleted, key)
	}
	return Result{PlaylistKey: playlistKey, SegmentKeys: uploaded, Duration: duration}, nil
}

// rollback removes the keys of a set that will not be published. It runs on a fresh context
// since the caller's may be the reason the upload failed.
func (s *Segmenter) rollback(key string, uploaded []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, segKey := range uploaded {
		if err := s.store.Delete(ctx, segKey); err != nil {
			s.logger.Warnf("Failed to remove orphan segment %s of %s: %v", segKey, key, err)
		}
	}
}

func (s *Segmenter) failed(parent storage.Original) {
	key := parent.Key
	s.metrics.Derivative(string(domain.DerivativeHLSPlaylist), string(domain.OutcomeFailed))
	if s.repo == nil || s.store.Deleted(parent) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.RecordDerivative(ctx, domain.DerivativeArtifact{
		Key: domain.PlaylistKey(key), ParentKey: key, Kind: domain.DerivativeHLSPlaylist,
		Outcome: domain.OutcomeFailed, GeneratedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Warnf("Failed to record segmentation failure of %s: %v", key, err)
	}
}

func (s *Segmenter) record(ctx context.Context, artifact domain.DerivativeArtifact) {
	s.metrics.Derivative(string(artifact.Kind), string(artifact.Outcome))
	if s.repo == nil {
		return
	}
	artifact.GeneratedAt = s.now().UTC()
	if err := s.repo.RecordDerivative(ctx, artifact); err != nil {
		s.logger.Warnf("Failed to record derivative %s: %v", artifact.Key, err)
	}
}
