package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/metrics"
	"alcyxob/fitness-media/internal/repository"
	"alcyxob/fitness-media/internal/worker"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	lru "github.com/hashicorp/golang-lru/v2"
)

// StoredHook is called after an original image or video has been stored. It must hand the
// work off (e.g. to a worker.Queue) and return immediately.
type StoredHook func(obj domain.StoredObject)

// PutOption adjusts the record written for a Put.
type PutOption func(*domain.StoredObject)

// WithOwner records the uploading user on the stored object.
func WithOwner(userID string) PutOption {
	return func(o *domain.StoredObject) { o.OwnerID = userID }
}

type CoordinatorOptions struct {
	Local   Backend
	Durable Backend // nil when the durable tier is not configured
	Repo    repository.MediaRepository
	Queue   *worker.Queue
	Logger  log.Logger
	Metrics *metrics.Metrics

	ReadTimeout       time.Duration
	DeleteTimeout     time.Duration
	MirrorTimeout     time.Duration
	ReconcileGrace    time.Duration
	TombstoneCapacity int
	Now               func() time.Time
}

// Coordinator is the single point of truth for where an object's bytes live. Writes land on
// the local tier synchronously and are mirrored to the durable tier in the background.
type Coordinator struct {
	local   Backend
	durable Backend
	repo    repository.MediaRepository
	queue   *worker.Queue
	logger  log.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	readTimeout    time.Duration
	deleteTimeout  time.Duration
	mirrorTimeout  time.Duration
	reconcileGrace time.Duration

	// seq orders writes against deletes; a tombstone newer than a task's seq cancels the task.
	seq        atomic.Uint64
	tombstones *lru.Cache[string, uint64]

	hookMu sync.RWMutex
	hook   StoredHook
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Local == nil {
		return nil, errors.New("local tier is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("media repository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("worker queue is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = 5 * time.Second
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = 2 * time.Minute
	}
	if opts.TombstoneCapacity <= 0 {
		opts.TombstoneCapacity = 4096
	}
	tombstones, err := lru.New[string, uint64](opts.TombstoneCapacity)
	if err != nil {
		return nil, fmt.Errorf("create tombstone cache: %w", err)
	}
	return &Coordinator{
		local:          opts.Local,
		durable:        opts.Durable,
		repo:           opts.Repo,
		queue:          opts.Queue,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		readTimeout:    opts.ReadTimeout,
		deleteTimeout:  opts.DeleteTimeout,
		mirrorTimeout:  opts.MirrorTimeout,
		reconcileGrace: opts.ReconcileGrace,
		tombstones:     tombstones,
	}, nil
}

// OnStored registers the hook that dispatches derivative generation.
func (c *Coordinator) OnStored(hook StoredHook) {
	c.hookMu.Lock()
	c.hook = hook
	c.hookMu.Unlock()
}

// DurableConfigured reports whether a durable tier is attached.
func (c *Coordinator) DurableConfigured() bool {
	return c.durable != nil
}

// Durable exposes the durable tier for read-only lookups, or nil when none is configured.
func (c *Coordinator) Durable() Backend {
	return c.durable
}

// Put stores an original. Only a local-tier failure fails the call; mirroring and derivative
// generation happen after Put returns.
func (c *Coordinator) Put(ctx context.Context, key string, data []byte, contentType string, opts ...PutOption) (domain.StoredObject, error) {
	opts = append(opts, func(o *domain.StoredObject) { o.DerivativesPending = o.NeedsDerivatives() })
	obj, err := c.put(ctx, key, data, contentType, false, opts...)
	if err != nil {
		return obj, err
	}
	if obj.NeedsDerivatives() {
		c.fireStored(obj)
	}
	return obj, nil
}

func (c *Coordinator) fireStored(obj domain.StoredObject) {
	c.hookMu.RLock()
	hook := c.hook
	c.hookMu.RUnlock()
	if hook != nil {
		hook(obj)
	}
}

// Original is an original's bytes as read for derivative generation, pinned to the moment
// of the read so later deletes of it can be detected.
type Original struct {
	Key     string
	Data    []byte
	OwnerID string

	seq uint64
}

// ReadOriginal reads key for derivative generation. It fails with ErrParentDeleted when key
// has been deleted since it was stored.
func (c *Coordinator) ReadOriginal(ctx context.Context, key string) (Original, error) {
	seq := c.seq.Load()
	parent := Original{Key: key, seq: seq}
	obj, err := c.repo.GetObject(ctx, key)
	switch {
	case err == nil:
		parent.OwnerID = obj.OwnerID
	case errors.Is(err, repository.ErrNotFound):
		// Tombstoned with no record left: deleted before this read, and any durable copy
		// still answering is stale.
		if c.tombstones.Contains(key) {
			return Original{}, fmt.Errorf("%w: %s", ErrParentDeleted, key)
		}
	default:
		c.logger.Warnf("Failed to load record of %s: %v", key, err)
	}
	data, err := c.Get(ctx, key)
	if err != nil {
		return Original{}, err
	}
	if c.Deleted(parent) {
		return Original{}, fmt.Errorf("%w: %s", ErrParentDeleted, key)
	}
	parent.Data = data
	return parent, nil
}

// Deleted reports whether parent has been deleted since it was read.
func (c *Coordinator) Deleted(parent Original) bool {
	return c.deletedSince(parent.Key, parent.seq)
}

// PutDerivativeOf stores an artifact generated from parent. It never triggers further
// derivatives. The artifact inherits the parent's owner, and when the parent is deleted
// before the write completes the artifact is removed again and ErrParentDeleted is returned.
func (c *Coordinator) PutDerivativeOf(ctx context.Context, parent Original, key string, data []byte, contentType string) (domain.StoredObject, error) {
	if c.Deleted(parent) {
		return domain.StoredObject{}, fmt.Errorf("%w: %s", ErrParentDeleted, parent.Key)
	}
	obj, err := c.put(ctx, key, data, contentType, true, func(o *domain.StoredObject) {
		o.OwnerID = parent.OwnerID
		o.ParentKey = parent.Key
	})
	if err != nil {
		return obj, err
	}
	if c.Deleted(parent) {
		if err := c.Delete(ctx, key); err != nil {
			c.logger.Warnf("Failed to remove %s after %s was deleted: %v", key, parent.Key, err)
		}
		return domain.StoredObject{}, fmt.Errorf("%w: %s", ErrParentDeleted, parent.Key)
	}
	return obj, nil
}

func (c *Coordinator) put(ctx context.Context, key string, data []byte, contentType string, derivative bool, opts ...PutOption) (domain.StoredObject, error) {
	if err := domain.ValidateKey(key); err != nil {
		return domain.StoredObject{}, err
	}
	seq := c.seq.Add(1)
	if err := c.local.Put(ctx, key, data, contentType); err != nil {
		c.logger.Errorf("Local write of %s failed: %v", key, err)
		return domain.StoredObject{}, fmt.Errorf("%w: %s: %v", ErrLocalWrite, key, err)
	}

	obj := domain.StoredObject{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Local:       true,
		Derivative:  derivative,
		StoredAt:    c.now().UTC(),
	}
	for _, opt := range opts {
		opt(&obj)
	}
	if err := c.repo.UpsertObject(ctx, obj); err != nil {
		c.logger.Warnf("Failed to record stored object %s: %v", key, err)
	}
	c.logger.Debugf("Stored %s locally (%s)", key, units.HumanSize(float64(obj.Size)))

	c.scheduleMirror(key, contentType, seq)
	return obj, nil
}

func (c *Coordinator) deletedSince(key string, seq uint64) bool {
	tomb, ok := c.tombstones.Get(key)
	return ok && tomb > seq
}

// scheduleMirror copies the local bytes of key to the durable tier in the background. The task
// reads the local tier when it runs, so a delete in between turns it into a no-op.
func (c *Coordinator) scheduleMirror(key, contentType string, seq uint64) {
	if c.durable == nil {
		return
	}
	c.queue.Submit(worker.Job{
		Name:    "mirror",
		Timeout: c.mirrorTimeout,
		Policy:  worker.Retry,
		Run: func(ctx context.Context) error {
			if c.deletedSince(key, seq) {
				return nil
			}
			data, err := c.local.Get(ctx, key)
			if errors.Is(err, ErrObjectNotFound) {
				if c.deletedSince(key, seq) {
					return nil
				}
				c.metrics.Mirror("lost")
				return worker.Permanent(fmt.Errorf("mirror %s: local copy missing", key))
			}
			if err != nil {
				return fmt.Errorf("mirror %s: read local: %w", key, err)
			}
			if err := c.durable.Put(ctx, key, data, contentType); err != nil {
				c.metrics.Mirror("error")
				return fmt.Errorf("mirror %s: %w", key, err)
			}
			if c.deletedSince(key, seq) {
				// Deleted while uploading; undo so the durable tier does not resurrect it.
				return c.durable.Delete(ctx, key)
			}
			if err := c.repo.MarkDurable(ctx, key, c.now().UTC()); err != nil && !errors.Is(err, repository.ErrNotFound) {
				c.logger.Warnf("Failed to record mirror of %s: %v", key, err)
			}
			c.metrics.Mirror("ok")
			c.logger.Debugf("Mirrored %s to durable tier", key)
			return nil
		},
	})
}

// GetLocal returns key's bytes from the local tier only.
func (c *Coordinator) GetLocal(ctx context.Context, key string) ([]byte, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	return c.local.Get(ctx, key)
}

// Get returns key's bytes. The local tier is preferred; on a local miss the durable tier is
// tried once under the read timeout, and a hit is copied back to the local tier in the
// background.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := c.local.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrObjectNotFound) {
		c.logger.Warnf("Local read of %s failed, trying durable tier: %v", key, err)
	}
	if c.durable == nil {
		return nil, ErrObjectNotFound
	}

	seq := c.seq.Load()
	readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	data, err = c.durable.Get(readCtx, key)
	if err != nil {
		return nil, err
	}

	c.queue.Submit(worker.Job{
		Name:   "repopulate",
		Policy: worker.Drop,
		Run: func(ctx context.Context) error {
			if c.deletedSince(key, seq) {
				return nil
			}
			return c.local.Put(ctx, key, data, "")
		},
	})
	return data, nil
}

// Exists reports whether either tier holds key. Only a definite answer from a tier counts;
// a durable-tier error is returned rather than guessed at.
func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	if err := domain.ValidateKey(key); err != nil {
		return false, err
	}
	_, err := c.local.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrObjectNotFound) {
		c.logger.Warnf("Local stat of %s failed: %v", key, err)
	}
	if c.durable == nil {
		return false, nil
	}
	statCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	_, err = c.durable.Stat(statCtx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrObjectNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("durable stat %s: %w", key, err)
	}
}

// Delete removes key from both tiers. Absence in either tier is not an error.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	c.tombstones.Add(key, c.seq.Add(1))

	if err := c.local.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete local %s: %w", key, err)
	}
	if c.durable != nil {
		delCtx, cancel := context.WithTimeout(ctx, c.deleteTimeout)
		defer cancel()
		if err := c.durable.Delete(delCtx, key); err != nil {
			return fmt.Errorf("delete durable %s: %w", key, err)
		}
	}
	// A read that started before the tier deletes may still hand out the old bytes; move the
	// tombstone past it so the reader sees the delete.
	c.tombstones.Add(key, c.seq.Add(1))
	if err := c.repo.DeleteObject(ctx, key); err != nil && !errors.Is(err, repository.ErrNotFound) {
		c.logger.Warnf("Failed to delete record of %s: %v", key, err)
	}
	return nil
}

// Reconcile re-schedules mirrors for objects that are still local-only after the grace
// period, and re-dispatches derivative generation for originals whose thumbnail or poster
// never got written. It returns how many tasks were scheduled.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.reconcileGrace)
	scheduled := 0
	if c.durable != nil {
		pending, err := c.repo.ListUnmirrored(ctx, cutoff, 500)
		if err != nil {
			return 0, fmt.Errorf("list unmirrored objects: %w", err)
		}
		for _, obj := range pending {
			if _, err := c.local.Stat(ctx, obj.Key); err != nil {
				c.logger.Warnf("Unmirrored object %s has no local copy: %v", obj.Key, err)
				continue
			}
			c.scheduleMirror(obj.Key, obj.ContentType, c.seq.Add(1))
			scheduled++
		}
	}

	originals, err := c.repo.ListPendingDerivatives(ctx, cutoff, 500)
	if err != nil {
		return scheduled, fmt.Errorf("list originals pending derivatives: %w", err)
	}
	for _, obj := range originals {
		exists, err := c.Exists(ctx, obj.Key)
		if err != nil {
			c.logger.Warnf("Skipping derivatives of %s: %v", obj.Key, err)
			continue
		}
		if !exists {
			c.logger.Warnf("Original %s pending derivatives is gone from both tiers", obj.Key)
			continue
		}
		c.fireStored(obj)
		scheduled++
	}
	if scheduled > 0 {
		c.logger.Infof("Reconcile scheduled %d task(s)", scheduled)
	}
	return scheduled, nil
}
