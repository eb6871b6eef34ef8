package memory

import (
	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/repository"
	"context"
	"sort"
	"sync"
	"time"
)

// mediaRepository keeps media metadata in process memory. Used when no database is
// configured and in tests.
type mediaRepository struct {
	mu          sync.RWMutex
	objects     map[string]domain.StoredObject
	derivatives map[string]domain.DerivativeArtifact
}

// NewMediaRepository creates an empty in-memory MediaRepository.
func NewMediaRepository() repository.MediaRepository {
	return &mediaRepository{
		objects:     make(map[string]domain.StoredObject),
		derivatives: make(map[string]domain.DerivativeArtifact),
	}
}

func (r *mediaRepository) UpsertObject(ctx context.Context, obj domain.StoredObject) error {
	r.mu.Lock()
	r.objects[obj.Key] = obj
	r.mu.Unlock()
	return nil
}

func (r *mediaRepository) GetObject(ctx context.Context, key string) (*domain.StoredObject, error) {
	r.mu.RLock()
	obj, ok := r.objects[key]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &obj, nil
}

func (r *mediaRepository) MarkDurable(ctx context.Context, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[key]
	if !ok {
		return repository.ErrNotFound
	}
	obj.Durable = true
	obj.MirroredAt = &at
	r.objects[key] = obj
	return nil
}

func (r *mediaRepository) ListUnmirrored(ctx context.Context, olderThan time.Time, limit int) ([]domain.StoredObject, error) {
	return r.list(olderThan, limit, func(obj domain.StoredObject) bool { return !obj.Durable }), nil
}

func (r *mediaRepository) MarkDerivativesDone(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[key]
	if !ok {
		return repository.ErrNotFound
	}
	obj.DerivativesPending = false
	r.objects[key] = obj
	return nil
}

func (r *mediaRepository) ListPendingDerivatives(ctx context.Context, olderThan time.Time, limit int) ([]domain.StoredObject, error) {
	return r.list(olderThan, limit, func(obj domain.StoredObject) bool { return obj.DerivativesPending }), nil
}

// list returns objects stored before olderThan that match, oldest first.
func (r *mediaRepository) list(olderThan time.Time, limit int, match func(domain.StoredObject) bool) []domain.StoredObject {
	r.mu.RLock()
	var out []domain.StoredObject
	for _, obj := range r.objects {
		if match(obj) && obj.StoredAt.Before(olderThan) {
			out = append(out, obj)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *mediaRepository) DeleteObject(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.objects, key)
	r.mu.Unlock()
	return nil
}

func (r *mediaRepository) RecordDerivative(ctx context.Context, artifact domain.DerivativeArtifact) error {
	r.mu.Lock()
	r.derivatives[artifact.Key] = artifact
	r.mu.Unlock()
	return nil
}

func (r *mediaRepository) ListDerivatives(ctx context.Context, parentKey string) ([]domain.DerivativeArtifact, error) {
	r.mu.RLock()
	var out []domain.DerivativeArtifact
	for _, d := range r.derivatives {
		if d.ParentKey == parentKey {
			out = append(out, d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (r *mediaRepository) DeleteDerivatives(ctx context.Context, parentKey string) error {
	r.mu.Lock()
	for k, d := range r.derivatives {
		if d.ParentKey == parentKey {
			delete(r.derivatives, k)
		}
	}
	r.mu.Unlock()
	return nil
}
