package service

import (
	"alcyxob/fitness-media/internal/derivative"
	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/repository"
	"alcyxob/fitness-media/internal/resolve"
	"alcyxob/fitness-media/internal/segment"
	"alcyxob/fitness-media/internal/storage"
	"alcyxob/fitness-media/internal/upload"
	"alcyxob/fitness-media/internal/worker"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// --- Error Definitions ---
var (
	ErrEmptyFile            = errors.New("file is empty")
	ErrFileTooLarge         = errors.New("file too large for a direct upload, use a chunked upload session")
	ErrMediaNotFound        = errors.New("media file not found")
	ErrStorageNotConfigured = errors.New("media file not found: durable storage not configured")
	ErrMediaAccessDenied    = errors.New("access denied to delete this media file")
	ErrDerivativeKey        = errors.New("derived files are deleted together with their original")
)

// MediaResponse is what a client gets back after an upload is stored.
type MediaResponse struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	PlaylistURL  string `json:"playlistUrl,omitempty"` // Set when the video will be streamed as HLS
}

// ServedFile is a file resolved for retrieval.
type ServedFile struct {
	Key  string
	Data []byte
}

// --- Service Interface ---
type MediaService interface {
	Ingest(ctx context.Context, userID, fileName, mimeType string, data []byte) (*MediaResponse, error)
	OpenUpload(ctx context.Context, userID, fileName, mimeType string, totalSize, chunkSize int64) (*domain.UploadSession, error)
	AppendChunk(ctx context.Context, userID, sessionID string, index int, data []byte) (*domain.UploadSession, error)
	UploadStatus(ctx context.Context, userID, sessionID string) (*domain.UploadSession, error)
	CompleteUpload(ctx context.Context, userID, sessionID string) (*MediaResponse, error)
	AbortUpload(ctx context.Context, userID, sessionID string) error
	Serve(ctx context.Context, name string) (*ServedFile, error)
	Delete(ctx context.Context, userID, key string) error
	Derivatives(ctx context.Context, key string) ([]domain.DerivativeArtifact, error)
}

type MediaServiceOptions struct {
	Coordinator *storage.Coordinator
	Uploads     *upload.Manager
	Generator   *derivative.Generator
	Segmenter   *segment.Segmenter
	Resolver    *resolve.Resolver
	Repo        repository.MediaRepository
	Queue       *worker.Queue // Runs derivative and segment jobs; keep it apart from the mirror queue

	MaxDirectSize     int64
	ThumbnailWidths   []int
	PublicURL         string // Prepended to returned URLs; empty keeps them relative
	DerivativeTimeout time.Duration
	SegmentTimeout    time.Duration
	Logger            log.Logger
}

// --- Service Implementation ---

// mediaService implements the MediaService interface.
type mediaService struct {
	coordinator *storage.Coordinator
	uploads     *upload.Manager
	generator   *derivative.Generator
	segmenter   *segment.Segmenter
	resolver    *resolve.Resolver
	repo        repository.MediaRepository
	queue       *worker.Queue

	maxDirectSize     int64
	thumbnailWidths   []int
	publicURL         string
	derivativeTimeout time.Duration
	segmentTimeout    time.Duration
	logger            log.Logger
}

// NewMediaService wires the pipeline together and registers derivative dispatch on the
// coordinator.
func NewMediaService(opts MediaServiceOptions) (MediaService, error) {
	if opts.Coordinator == nil || opts.Uploads == nil || opts.Generator == nil ||
		opts.Segmenter == nil || opts.Resolver == nil || opts.Repo == nil || opts.Queue == nil {
		return nil, errors.New("media service: missing dependency")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.DerivativeTimeout <= 0 {
		opts.DerivativeTimeout = 2 * time.Minute
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = 15 * time.Minute
	}
	s := &mediaService{
		coordinator:       opts.Coordinator,
		uploads:           opts.Uploads,
		generator:         opts.Generator,
		segmenter:         opts.Segmenter,
		resolver:          opts.Resolver,
		repo:              opts.Repo,
		queue:             opts.Queue,
		maxDirectSize:     opts.MaxDirectSize,
		thumbnailWidths:   opts.ThumbnailWidths,
		publicURL:         strings.TrimRight(opts.PublicURL, "/"),
		derivativeTimeout: opts.DerivativeTimeout,
		segmentTimeout:    opts.SegmentTimeout,
		logger:            opts.Logger,
	}
	s.coordinator.OnStored(s.onStored)
	return s, nil
}

// onStored runs inside Put, so it only queues work. A dropped derivative job leaves the
// original marked pending, and the next reconcile pass dispatches it again.
func (s *mediaService) onStored(obj domain.StoredObject) {
	s.queue.Submit(worker.Job{
		Name:    "derivatives",
		Timeout: s.derivativeTimeout,
		Policy:  worker.Drop,
		Run: func(ctx context.Context) error {
			err := s.generator.Generate(ctx, obj)
			switch {
			case errors.Is(err, storage.ErrParentDeleted):
				s.logger.Debugf("Derivatives of %s abandoned, original was deleted", obj.Key)
				return nil
			case err != nil && !errors.Is(err, derivative.ErrUndecodable):
				return err
			}
			if err := s.repo.MarkDerivativesDone(ctx, obj.Key); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.logger.Warnf("Failed to clear pending derivatives of %s: %v", obj.Key, err)
			}
			return err
		},
	})
	if obj.Kind() == domain.KindVideo && s.segmenter.ShouldSegment(obj.Size) {
		s.queue.Submit(worker.Job{
			Name:    "segment",
			Timeout: s.segmentTimeout,
			Policy:  worker.Drop,
			Run: func(ctx context.Context) error {
				if ok, err := s.coordinator.Exists(ctx, domain.PlaylistKey(obj.Key)); err == nil && ok {
					return nil
				}
				res, err := s.segmenter.Segment(ctx, obj.Key, obj.Size)
				if errors.Is(err, storage.ErrParentDeleted) {
					s.logger.Debugf("Segmentation of %s abandoned, original was deleted", obj.Key)
					return nil
				}
				if err != nil {
					return err
				}
				s.logger.Infof("Streaming copy of %s ready at %s (%s, %d segment(s))",
					obj.Key, res.PlaylistKey, res.Duration.Round(time.Millisecond), len(res.SegmentKeys))
				return nil
			},
		})
	}
}

func (s *mediaService) url(key string) string {
	return s.publicURL + segment.FileURL(key)
}

// Ingest stores a whole file sent in one request.
func (s *mediaService) Ingest(ctx context.Context, userID, fileName, mimeType string, data []byte) (*MediaResponse, error) {
	if s.maxDirectSize > 0 && int64(len(data)) > s.maxDirectSize {
		return nil, fmt.Errorf("%w: %s > %s", ErrFileTooLarge,
			units.HumanSize(float64(len(data))), units.HumanSize(float64(s.maxDirectSize)))
	}
	return s.store(ctx, userID, fileName, mimeType, data)
}

func (s *mediaService) store(ctx context.Context, userID, fileName, mimeType string, data []byte) (*MediaResponse, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	contentType := detectContentType(mimeType, data)
	key := domain.ObjectKey(uuid.NewString(), fileName, contentType)

	obj, err := s.coordinator.Put(ctx, key, data, contentType, storage.WithOwner(userID))
	if err != nil {
		return nil, err
	}

	resp := &MediaResponse{
		Key:         obj.Key,
		URL:         s.url(obj.Key),
		ContentType: obj.ContentType,
		Size:        obj.Size,
	}
	switch obj.Kind() {
	case domain.KindImage:
		resp.ThumbnailURL = s.url(domain.ThumbnailKey(obj.Key))
	case domain.KindVideo:
		resp.ThumbnailURL = s.url(domain.ThumbnailKey(obj.Key))
		if s.segmenter.ShouldSegment(obj.Size) {
			resp.PlaylistURL = s.url(domain.PlaylistKey(obj.Key))
		}
	}
	s.logger.Infof("Stored %s for user %s (%s, %s)", obj.Key, userID, obj.ContentType, units.HumanSize(float64(obj.Size)))
	return resp, nil
}

// detectContentType keeps a specific declared type and sniffs the bytes otherwise.
func detectContentType(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	detected := mimetype.Detect(data).String()
	if i := strings.Index(detected, ";"); i >= 0 {
		detected = detected[:i]
	}
	return detected
}

func (s *mediaService) OpenUpload(ctx context.Context, userID, fileName, mimeType string, totalSize, chunkSize int64) (*domain.UploadSession, error) {
	session, err := s.uploads.Open(ctx, userID, fileName, mimeType, totalSize, chunkSize)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *mediaService) AppendChunk(ctx context.Context, userID, sessionID string, index int, data []byte) (*domain.UploadSession, error) {
	session, err := s.uploads.AppendChunk(ctx, userID, sessionID, index, data)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *mediaService) UploadStatus(ctx context.Context, userID, sessionID string) (*domain.UploadSession, error) {
	session, err := s.uploads.Status(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CompleteUpload finalizes a chunked upload and stores the assembled file.
func (s *mediaService) CompleteUpload(ctx context.Context, userID, sessionID string) (*MediaResponse, error) {
	session, data, err := s.uploads.Finalize(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, userID, session.FileName, session.MimeType, data)
}

func (s *mediaService) AbortUpload(ctx context.Context, userID, sessionID string) error {
	return s.uploads.Abort(ctx, userID, sessionID)
}

// Serve looks the name up as a canonical key on the local tier first, then falls back to the
// resolver, whose first candidate is the same canonical key on the durable tier.
func (s *mediaService) Serve(ctx context.Context, name string) (*ServedFile, error) {
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if name == "" {
		return nil, ErrMediaNotFound
	}
	key := name
	if !strings.HasPrefix(key, domain.UploadsPrefix) {
		key = domain.UploadsPrefix + key
	}
	if domain.ValidateKey(key) == nil {
		data, err := s.coordinator.GetLocal(ctx, key)
		if err == nil {
			return &ServedFile{Key: key, Data: data}, nil
		}
		if !errors.Is(err, storage.ErrObjectNotFound) {
			s.logger.Warnf("Local lookup of %s failed, trying key fallbacks: %v", key, err)
		}
	}

	res, err := s.resolver.Serve(ctx, name)
	switch {
	case err == nil:
		return &ServedFile{Key: res.Key, Data: res.Data}, nil
	case errors.Is(err, resolve.ErrNotConfigured):
		return nil, ErrStorageNotConfigured
	case errors.Is(err, resolve.ErrNotFound):
		return nil, ErrMediaNotFound
	default:
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
}

// Delete removes an original and every derivative generated from it. Derived files cannot be
// deleted on their own.
func (s *mediaService) Delete(ctx context.Context, userID, key string) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	obj, err := s.repo.GetObject(ctx, key)
	switch {
	case err == nil:
		if obj.OwnerID != "" && obj.OwnerID != userID {
			return ErrMediaAccessDenied
		}
		if obj.Derivative {
			return ErrDerivativeKey
		}
	case errors.Is(err, repository.ErrNotFound):
		// No record to prove ownership of a derived file.
		if domain.IsDerivativeKey(key) {
			return ErrMediaAccessDenied
		}
	default:
		return fmt.Errorf("look up %s: %w", key, err)
	}

	// The original goes first: a derivative job still running sees the delete and removes
	// what it wrote, and anything it finished before is collected below.
	if err := s.coordinator.Delete(ctx, key); err != nil {
		return err
	}
	derived := s.derivativeKeys(ctx, key)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, k := range derived {
		k := k
		g.Go(func() error {
			return s.coordinator.Delete(gctx, k)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("delete derivatives of %s: %w", key, err)
	}
	if err := s.repo.DeleteDerivatives(ctx, key); err != nil {
		s.logger.Warnf("Failed to delete derivative records of %s: %v", key, err)
	}
	s.logger.Infof("Deleted %s and %d derivative key(s)", key, len(derived))
	return nil
}

// derivativeKeys collects every key that may hold a derivative of key: the deterministic
// names, the segments the published playlist lists, and the recorded rows.
func (s *mediaService) derivativeKeys(ctx context.Context, key string) []string {
	keys := []string{domain.ThumbnailKey(key), domain.PlaylistKey(key)}
	for i, w := range s.thumbnailWidths {
		if i > 0 {
			keys = append(keys, domain.ThumbnailSizeKey(key, w))
		}
	}
	if playlist, err := s.coordinator.Get(ctx, domain.PlaylistKey(key)); err == nil {
		if segs, err := segment.SegmentKeys(playlist); err == nil {
			keys = append(keys, segs...)
		} else {
			s.logger.Warnf("Playlist of %s is unreadable: %v", key, err)
		}
	}
	if rows, err := s.repo.ListDerivatives(ctx, key); err == nil {
		for _, r := range rows {
			keys = append(keys, r.Key)
		}
	} else {
		s.logger.Warnf("Failed to list derivatives of %s: %v", key, err)
	}

	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if seen[k] || k == key || domain.ValidateKey(k) != nil {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func (s *mediaService) Derivatives(ctx context.Context, key string) ([]domain.DerivativeArtifact, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	return s.repo.ListDerivatives(ctx, key)
}
