// Package derivative produces the stills shown in the feed: resized thumbnails for images and
// a poster frame for videos. Failures never reach the upload that triggered them.
package derivative

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/ffmpeg"
	"alcyxob/fitness-media/internal/metrics"
	"alcyxob/fitness-media/internal/repository"
	"alcyxob/fitness-media/internal/storage"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/disintegration/imaging"
	"github.com/docker/go-units"
)

// Store is the part of the storage coordinator the generator needs.
type Store interface {
	ReadOriginal(ctx context.Context, key string) (storage.Original, error)
	PutDerivativeOf(ctx context.Context, parent storage.Original, key string, data []byte, contentType string) (domain.StoredObject, error)
	Deleted(parent storage.Original) bool
	Delete(ctx context.Context, key string) error
}

// ErrUndecodable marks an original no thumbnail can ever be made from.
var ErrUndecodable = errors.New("image could not be decoded")

const (
	DefaultJPEGQuality   = 80
	DefaultMinFrameBytes = 4 * units.KiB
)

var DefaultThumbnailWidths = []int{400}

type Options struct {
	Store     Store
	Repo      repository.MediaRepository
	Prober    ffmpeg.Prober
	Extractor ffmpeg.FrameExtractor
	TempDir   string

	ThumbnailWidths []int // The first width is written to the canonical thumbnail key
	JPEGQuality     int
	MinFrameBytes   int64 // Smaller frames are taken to be blank

	Logger  log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Generator struct {
	store     Store
	repo      repository.MediaRepository
	prober    ffmpeg.Prober
	extractor ffmpeg.FrameExtractor
	tempDir   string

	widths        []int
	quality       int
	minFrameBytes int64

	logger  log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewGenerator(opts Options) (*Generator, error) {
	if opts.Store == nil {
		return nil, errors.New("derivative store is required")
	}
	if opts.Extractor == nil {
		return nil, errors.New("frame extractor is required")
	}
	if len(opts.ThumbnailWidths) == 0 {
		opts.ThumbnailWidths = DefaultThumbnailWidths
	}
	for _, w := range opts.ThumbnailWidths {
		if w <= 0 {
			return nil, fmt.Errorf("invalid thumbnail width %d", w)
		}
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultJPEGQuality
	}
	if opts.MinFrameBytes <= 0 {
		opts.MinFrameBytes = DefaultMinFrameBytes
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
	return &Generator{
		store:         opts.Store,
		repo:          opts.Repo,
		prober:        opts.Prober,
		extractor:     opts.Extractor,
		tempDir:       opts.TempDir,
		widths:        append([]int(nil), opts.ThumbnailWidths...),
		quality:       opts.JPEGQuality,
		minFrameBytes: opts.MinFrameBytes,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}, nil
}

// Generate produces the derivatives for a stored original according to its kind.
func (g *Generator) Generate(ctx context.Context, obj domain.StoredObject) error {
	switch obj.Kind() {
	case domain.KindImage:
		_, err := g.ImageThumbnails(ctx, obj.Key)
		return err
	case domain.KindVideo:
		_, err := g.VideoPoster(ctx, obj.Key)
		return err
	default:
		return nil
	}
}

// ImageThumbnails writes one JPEG per configured width, each fitted inside a square of that
// width. A decode failure is recorded and returned; the original stays servable.
func (g *Generator) ImageThumbnails(ctx context.Context, key string) ([]domain.DerivativeArtifact, error) {
	parent, err := g.store.ReadOriginal(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	img, err := imaging.Decode(bytes.NewReader(parent.Data), imaging.AutoOrientation(true))
	if err != nil {
		if rerr := g.record(ctx, parent, domain.DerivativeArtifact{
			Key: domain.ThumbnailKey(key), ParentKey: key, Kind: domain.DerivativeImageThumbnail, Outcome: domain.OutcomeFailed,
		}); rerr != nil {
			return nil, rerr
		}
		g.logger.Warnf("Thumbnail for %s skipped, image could not be decoded: %v", key, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrUndecodable, key, err)
	}

	var artifacts []domain.DerivativeArtifact
	var errs []error
	for i, width := range g.widths {
		thumbKey := domain.ThumbnailKey(key)
		if i > 0 {
			thumbKey = domain.ThumbnailSizeKey(key, width)
		}
		var buf bytes.Buffer
		thumb := imaging.Fit(img, width, width, imaging.Lanczos)
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", thumbKey, err))
			continue
		}
		if _, err := g.store.PutDerivativeOf(ctx, parent, thumbKey, buf.Bytes(), "image/jpeg"); err != nil {
			if errors.Is(err, storage.ErrParentDeleted) {
				return nil, err
			}
			errs = append(errs, fmt.Errorf("store %s: %w", thumbKey, err))
			continue
		}
		artifact := domain.DerivativeArtifact{
			Key:       thumbKey,
			ParentKey: key,
			Kind:      domain.DerivativeImageThumbnail,
			Outcome:   domain.OutcomeSucceeded,
			Size:      int64(buf.Len()),
		}
		if err := g.record(ctx, parent, artifact); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	if err := errors.Join(errs...); err != nil {
		g.logger.Warnf("Some thumbnails for %s failed: %v", key, err)
		return artifacts, err
	}
	g.logger.Debugf("Generated %d thumbnail(s) for %s", len(artifacts), key)
	return artifacts, nil
}

// VideoPoster stores the first usable frame among PosterCandidates as the video's poster,
// or PlaceholderPoster when none qualifies. Only a failure to store anything is returned.
func (g *Generator) VideoPoster(ctx context.Context, key string) (domain.DerivativeArtifact, error) {
	posterKey := domain.ThumbnailKey(key)
	artifact := domain.DerivativeArtifact{Key: posterKey, ParentKey: key, Kind: domain.DerivativeVideoPoster}

	parent, err := g.store.ReadOriginal(ctx, key)
	if err != nil {
		return artifact, fmt.Errorf("read %s: %w", key, err)
	}
	frame, at, err := g.bestFrame(ctx, parent)
	if err != nil {
		if g.store.Deleted(parent) {
			return artifact, fmt.Errorf("%w: %s", storage.ErrParentDeleted, key)
		}
		g.logger.Warnf("No usable frame for %s, storing placeholder poster: %v", key, err)
		frame, at = nil, 0
	}

	data, contentType, outcome := frame, "image/jpeg", domain.OutcomeSucceeded
	if frame == nil {
		data, contentType, outcome = PlaceholderPoster, PlaceholderContentType, domain.OutcomePlaceholder
	}
	if _, err := g.store.PutDerivativeOf(ctx, parent, posterKey, data, contentType); err != nil {
		if errors.Is(err, storage.ErrParentDeleted) {
			return artifact, err
		}
		artifact.Outcome = domain.OutcomeFailed
		if rerr := g.record(ctx, parent, artifact); rerr != nil {
			return artifact, rerr
		}
		return artifact, fmt.Errorf("store poster for %s: %w", key, err)
	}
	artifact.Outcome = outcome
	artifact.Size = int64(len(data))
	if err := g.record(ctx, parent, artifact); err != nil {
		return artifact, err
	}
	if outcome == domain.OutcomeSucceeded {
		g.logger.Debugf("Poster for %s taken at %s (%s)", key, at, units.HumanSize(float64(len(frame))))
	}
	return artifact, nil
}

// bestFrame stages the video in a scratch directory and walks the candidate timestamps.
// The scratch directory and every frame file are gone when it returns.
func (g *Generator) bestFrame(ctx context.Context, parent storage.Original) ([]byte, time.Duration, error) {
	key := parent.Key
	dir, err := os.MkdirTemp(g.tempDir, "poster-*")
	if err != nil {
		return nil, 0, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			g.logger.Warnf("Failed to remove scratch dir %s: %v", dir, err)
		}
	}()

	src := filepath.Join(dir, "source."+extOrBin(key))
	if err := os.WriteFile(src, parent.Data, 0o600); err != nil {
		return nil, 0, fmt.Errorf("stage %s: %w", key, err)
	}

	var duration time.Duration
	if g.prober != nil {
		probe, err := g.prober.Probe(ctx, src)
		if err != nil {
			g.logger.Warnf("Probe of %s failed, using fixed poster timestamps: %v", key, err)
		} else {
			duration = probe.Duration
		}
	}

	var lastErr error
	for i, at := range PosterCandidates(duration) {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if g.store.Deleted(parent) {
			return nil, 0, fmt.Errorf("%w: %s", storage.ErrParentDeleted, key)
		}
		frame, err := g.extractAt(ctx, dir, src, i, at)
		if err != nil {
			lastErr = err
			g.logger.Debugf("Poster candidate %s of %s rejected: %v", at, key, err)
			continue
		}
		return frame, at, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate timestamps")
	}
	return nil, 0, lastErr
}

var errBlankFrame = errors.New("frame below minimum size")

func (g *Generator) extractAt(ctx context.Context, dir, src string, attempt int, at time.Duration) ([]byte, error) {
	f, err := os.CreateTemp(dir, fmt.Sprintf("frame-%d-*.jpg", attempt))
	if err != nil {
		return nil, fmt.Errorf("create frame file: %w", err)
	}
	dst := f.Name()
	_ = f.Close()
	defer os.Remove(dst) //nolint:errcheck

	if err := g.extractor.ExtractFrame(ctx, src, at, dst); err != nil {
		return nil, err
	}
	frame, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if int64(len(frame)) < g.minFrameBytes {
		return nil, fmt.Errorf("%w: %d < %d bytes", errBlankFrame, len(frame), g.minFrameBytes)
	}
	return frame, nil
}

// record stores the outcome row for artifact. When parent was deleted meanwhile, the row and
// the artifact are removed again and ErrParentDeleted is returned.
func (g *Generator) record(ctx context.Context, parent storage.Original, artifact domain.DerivativeArtifact) error {
	g.metrics.Derivative(string(artifact.Kind), string(artifact.Outcome))
	if g.repo != nil {
		artifact.GeneratedAt = g.now().UTC()
		if err := g.repo.RecordDerivative(ctx, artifact); err != nil {
			g.logger.Warnf("Failed to record derivative %s: %v", artifact.Key, err)
		}
	}
	if !g.store.Deleted(parent) {
		return nil
	}
	if artifact.Outcome != domain.OutcomeFailed {
		if err := g.store.Delete(ctx, artifact.Key); err != nil {
			g.logger.Warnf("Failed to remove %s after %s was deleted: %v", artifact.Key, parent.Key, err)
		}
	}
	if g.repo != nil {
		if err := g.repo.DeleteDerivatives(ctx, parent.Key); err != nil {
			g.logger.Warnf("Failed to remove derivative records of %s: %v", parent.Key, err)
		}
	}
	return fmt.Errorf("%w: %s", storage.ErrParentDeleted, parent.Key)
}

func extOrBin(key string) string {
	if ext := domain.Ext(key); ext != "" {
		return ext
	}
	return "bin"
}
