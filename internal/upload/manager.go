// Package upload assembles files from sequentially numbered chunks. A session owns a temp
// file that grows with each accepted chunk; finalize hands back the bytes and destroys it.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/metrics"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound   = errors.New("upload session not found")
	ErrSessionExists     = errors.New("upload session already exists")
	ErrSessionExpired    = errors.New("upload session expired")
	ErrNotSessionOwner   = errors.New("upload session belongs to another user")
	ErrOutOfOrderChunk   = errors.New("chunk out of order")
	ErrChunkTooLarge     = errors.New("chunk exceeds session chunk size")
	ErrChunkSizeTooLarge = errors.New("requested chunk size exceeds the maximum")
	ErrEmptyChunk        = errors.New("chunk is empty")
	ErrSizeExceeded      = errors.New("upload exceeds declared or permitted size")
	ErrInvalidSize       = errors.New("declared size must be positive")
	ErrMissingFileName   = errors.New("file name is required")
	ErrIncompleteUpload  = errors.New("upload incomplete")
)

const (
	DefaultChunkSize = 5 * units.MiB
	MaxChunkSize     = 10 * units.MiB
	DefaultTTL       = 30 * time.Minute
)

type Options struct {
	TempDir          string
	DefaultChunkSize int64
	MaxChunkSize     int64
	MaxFileSize      int64 // Zero means no limit beyond the declared size
	TTL              time.Duration
	Logger           log.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Manager implements the chunked upload protocol on top of a SessionStore.
type Manager struct {
	store            SessionStore
	tempDir          string
	defaultChunkSize int64
	maxChunkSize     int64
	maxFileSize      int64
	ttl              time.Duration
	logger           log.Logger
	metrics          *metrics.Metrics
	now              func() time.Time
}

func NewManager(store SessionStore, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.DefaultChunkSize <= 0 {
		opts.DefaultChunkSize = DefaultChunkSize
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = MaxChunkSize
	}
	if opts.DefaultChunkSize > opts.MaxChunkSize {
		return nil, fmt.Errorf("default chunk size %s exceeds maximum %s",
			units.BytesSize(float64(opts.DefaultChunkSize)), units.BytesSize(float64(opts.MaxChunkSize)))
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload temp dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:            store,
		tempDir:          opts.TempDir,
		defaultChunkSize: opts.DefaultChunkSize,
		maxChunkSize:     opts.MaxChunkSize,
		maxFileSize:      opts.MaxFileSize,
		ttl:              opts.TTL,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		now:              opts.Now,
	}, nil
}

// Open starts a session and allocates its empty backing file. chunkSize zero selects the
// default chunk size.
func (m *Manager) Open(ctx context.Context, userID, fileName, mimeType string, totalSize, chunkSize int64) (domain.UploadSession, error) {
	fileName = strings.TrimSpace(fileName)
	switch {
	case fileName == "":
		return domain.UploadSession{}, ErrMissingFileName
	case totalSize <= 0:
		return domain.UploadSession{}, ErrInvalidSize
	case m.maxFileSize > 0 && totalSize > m.maxFileSize:
		return domain.UploadSession{}, fmt.Errorf("%w: %s declared, %s allowed", ErrSizeExceeded,
			units.HumanSize(float64(totalSize)), units.HumanSize(float64(m.maxFileSize)))
	case chunkSize < 0:
		return domain.UploadSession{}, ErrInvalidSize
	case chunkSize > m.maxChunkSize:
		return domain.UploadSession{}, fmt.Errorf("%w: %d > %d", ErrChunkSizeTooLarge, chunkSize, m.maxChunkSize)
	}
	if chunkSize == 0 {
		chunkSize = m.defaultChunkSize
	}

	f, err := os.CreateTemp(m.tempDir, "upload-*.part")
	if err != nil {
		return domain.UploadSession{}, fmt.Errorf("allocate upload temp file: %w", err)
	}
	tempPath := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return domain.UploadSession{}, fmt.Errorf("allocate upload temp file: %w", err)
	}

	now := m.now()
	session := domain.UploadSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		FileName:  fileName,
		MimeType:  mimeType,
		TotalSize: totalSize,
		ChunkSize: chunkSize,
		TempPath:  tempPath,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, session); err != nil {
		_ = os.Remove(tempPath)
		return domain.UploadSession{}, fmt.Errorf("create upload session: %w", err)
	}
	m.metrics.SessionOpened()
	m.logger.Infof("Opened upload session %s for user %s: %s (%s in %s chunks)", session.ID, userID,
		fileName, units.HumanSize(float64(totalSize)), units.HumanSize(float64(chunkSize)))
	return session, nil
}

// claim validates ownership and expiry, then slides the expiry window forward.
func (m *Manager) claim(s *domain.UploadSession, userID string, now time.Time) error {
	if s.UserID != userID {
		return ErrNotSessionOwner
	}
	if s.Expired(now) {
		return ErrSessionExpired
	}
	s.ExpiresAt = now.Add(m.ttl)
	return nil
}

// AppendChunk appends chunk index to the session. Chunks must arrive in order starting at
// zero; a rejected chunk leaves the session unchanged.
func (m *Manager) AppendChunk(ctx context.Context, userID, sessionID string, index int, data []byte) (domain.UploadSession, error) {
	var out domain.UploadSession
	err := m.store.Mutate(ctx, sessionID, func(s *domain.UploadSession) error {
		if err := m.claim(s, userID, m.now()); err != nil {
			return err
		}
		n := int64(len(data))
		switch {
		case index != s.NextChunk:
			return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrderChunk, index, s.NextChunk)
		case n == 0:
			return ErrEmptyChunk
		case s.BytesReceived+n > s.TotalSize:
			return fmt.Errorf("%w: %d bytes would exceed declared %d", ErrSizeExceeded, s.BytesReceived+n, s.TotalSize)
		case n > s.ChunkSize && !s.IsFinalChunk(n):
			return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, n, s.ChunkSize)
		case n > m.maxChunkSize:
			return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, n, m.maxChunkSize)
		}
		if err := appendFile(s.TempPath, s.BytesReceived, data); err != nil {
			return err
		}
		s.NextChunk++
		s.BytesReceived += n
		out = *s
		return nil
	})
	if err != nil {
		return domain.UploadSession{}, err
	}
	m.logger.Debugf("Session %s: chunk %d accepted (%d/%d bytes)", sessionID, index, out.BytesReceived, out.TotalSize)
	return out, nil
}

// appendFile writes data at offset, truncating back to offset if the write fails so the file
// always matches the bytes the session has accounted for.
func appendFile(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open upload temp file: %w", err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		_ = f.Truncate(offset)
		_ = f.Close()
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Truncate(path, offset)
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// Finalize returns the assembled file and destroys the session. A session missing bytes
// is kept so the client can send the rest.
func (m *Manager) Finalize(ctx context.Context, userID, sessionID string) (domain.UploadSession, []byte, error) {
	var data []byte
	session, err := m.store.Remove(ctx, sessionID, func(s *domain.UploadSession) error {
		if err := m.claim(s, userID, m.now()); err != nil {
			return err
		}
		if !s.Complete() {
			return fmt.Errorf("%w: received %d of %d bytes", ErrIncompleteUpload, s.BytesReceived, s.TotalSize)
		}
		b, err := os.ReadFile(s.TempPath)
		if err != nil {
			return fmt.Errorf("read assembled upload: %w", err)
		}
		if int64(len(b)) != s.TotalSize {
			return fmt.Errorf("%w: temp file holds %d of %d bytes", ErrIncompleteUpload, len(b), s.TotalSize)
		}
		data = b
		return nil
	})
	if err != nil {
		return domain.UploadSession{}, nil, err
	}
	m.release(session)
	m.logger.Infof("Finalized upload session %s: %s (%s)", session.ID, session.FileName, units.HumanSize(float64(len(data))))
	return session, data, nil
}

// Status returns the session so a client can resume at NextChunk.
func (m *Manager) Status(ctx context.Context, userID, sessionID string) (domain.UploadSession, error) {
	var out domain.UploadSession
	err := m.store.Mutate(ctx, sessionID, func(s *domain.UploadSession) error {
		if err := m.claim(s, userID, m.now()); err != nil {
			return err
		}
		out = *s
		return nil
	})
	return out, err
}

// Abort destroys a session and its temp file.
func (m *Manager) Abort(ctx context.Context, userID, sessionID string) error {
	session, err := m.store.Remove(ctx, sessionID, func(s *domain.UploadSession) error {
		if s.UserID != userID {
			return ErrNotSessionOwner
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.release(session)
	m.logger.Infof("Aborted upload session %s", sessionID)
	return nil
}

// Sweep destroys every expired session and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.RemoveExpired(ctx, m.now())
	for _, s := range expired {
		m.release(s)
		m.logger.Debugf("Swept expired upload session %s (%d/%d bytes)", s.ID, s.BytesReceived, s.TotalSize)
	}
	m.metrics.Swept(len(expired))
	if len(expired) > 0 {
		m.logger.Infof("Swept %d expired upload session(s)", len(expired))
	}
	if err != nil {
		return len(expired), fmt.Errorf("sweep upload sessions: %w", err)
	}
	return len(expired), nil
}

func (m *Manager) release(s domain.UploadSession) {
	if err := os.Remove(s.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warnf("Failed to remove temp file of session %s: %v", s.ID, err)
	}
	m.metrics.SessionClosed()
}
