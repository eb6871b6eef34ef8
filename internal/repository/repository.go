package repository

import (
	"alcyxob/fitness-media/internal/domain"
	"context"
	"time"
)

// Error constants for repository layer
var (
	ErrNotFound     = RepositoryError("not found")
	ErrUpdateFailed = RepositoryError("update failed")
)

// RepositoryError helps distinguish repository errors
type RepositoryError string

func (e RepositoryError) Error() string {
	return string(e)
}

// MediaRepository records what the pipeline knows about stored objects and their derivatives.
// The bytes themselves live in the storage tiers.
type MediaRepository interface {
	// UpsertObject creates or replaces the record for obj.Key.
	UpsertObject(ctx context.Context, obj domain.StoredObject) error
	GetObject(ctx context.Context, key string) (*domain.StoredObject, error)
	// MarkDurable flips the durable-tier flag once a mirror completes.
	MarkDurable(ctx context.Context, key string, at time.Time) error
	// ListUnmirrored returns local-only objects stored before olderThan, oldest first.
	ListUnmirrored(ctx context.Context, olderThan time.Time, limit int) ([]domain.StoredObject, error)
	DeleteObject(ctx context.Context, key string) error
	// MarkDerivativesDone clears the pending-derivatives flag of an original.
	MarkDerivativesDone(ctx context.Context, key string) error
	// ListPendingDerivatives returns originals still waiting for their thumbnail or poster
	// that were stored before olderThan, oldest first.
	ListPendingDerivatives(ctx context.Context, olderThan time.Time, limit int) ([]domain.StoredObject, error)

	// RecordDerivative creates or replaces a derivative row, keyed by its derivative key.
	RecordDerivative(ctx context.Context, artifact domain.DerivativeArtifact) error
	// ListDerivatives returns the derivatives of parentKey ordered by kind then sequence.
	ListDerivatives(ctx context.Context, parentKey string) ([]domain.DerivativeArtifact, error)
	DeleteDerivatives(ctx context.Context, parentKey string) error
}
