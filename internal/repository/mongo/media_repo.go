package mongo

import (
	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/repository"
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	objectCollectionName     = "media_objects"
	derivativeCollectionName = "media_derivatives"
)

// mongoMediaRepository implements repository.MediaRepository
type mongoMediaRepository struct {
	objects     *mongo.Collection
	derivatives *mongo.Collection
}

// NewMongoMediaRepository creates a media repository backed by MongoDB.
func NewMongoMediaRepository(db *mongo.Database) repository.MediaRepository {
	return &mongoMediaRepository{
		objects:     db.Collection(objectCollectionName),
		derivatives: db.Collection(derivativeCollectionName),
	}
}

// UpsertObject replaces the record keyed by obj.Key, inserting it when absent.
func (r *mongoMediaRepository) UpsertObject(ctx context.Context, obj domain.StoredObject) error {
	if obj.Key == "" {
		return errors.New("stored object requires a key")
	}
	_, err := r.objects.ReplaceOne(ctx, bson.M{"_id": obj.Key}, obj, options.Replace().SetUpsert(true))
	return err
}

// GetObject retrieves the record for key.
func (r *mongoMediaRepository) GetObject(ctx context.Context, key string) (*domain.StoredObject, error) {
	var obj domain.StoredObject
	err := r.objects.FindOne(ctx, bson.M{"_id": key}).Decode(&obj)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &obj, nil
}

// MarkDurable records that the durable tier now holds key.
func (r *mongoMediaRepository) MarkDurable(ctx context.Context, key string, at time.Time) error {
	update := bson.M{"$set": bson.M{"durable": true, "mirroredAt": at.UTC()}}
	result, err := r.objects.UpdateOne(ctx, bson.M{"_id": key}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListUnmirrored finds local-only objects stored before olderThan, oldest first.
func (r *mongoMediaRepository) ListUnmirrored(ctx context.Context, olderThan time.Time, limit int) ([]domain.StoredObject, error) {
	return r.listOldest(ctx, bson.M{"durable": false, "storedAt": bson.M{"$lt": olderThan.UTC()}}, limit)
}

// MarkDerivativesDone clears the pending flag once an original's thumbnail or poster exists.
func (r *mongoMediaRepository) MarkDerivativesDone(ctx context.Context, key string) error {
	result, err := r.objects.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": bson.M{"derivativesPending": false}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListPendingDerivatives finds originals whose derivatives were never generated.
func (r *mongoMediaRepository) ListPendingDerivatives(ctx context.Context, olderThan time.Time, limit int) ([]domain.StoredObject, error) {
	return r.listOldest(ctx, bson.M{"derivativesPending": true, "storedAt": bson.M{"$lt": olderThan.UTC()}}, limit)
}

func (r *mongoMediaRepository) listOldest(ctx context.Context, filter bson.M, limit int) ([]domain.StoredObject, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "storedAt", Value: 1}})
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}

	cursor, err := r.objects.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var objects []domain.StoredObject
	if err = cursor.All(ctx, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// DeleteObject removes the record for key. A missing record is not an error.
func (r *mongoMediaRepository) DeleteObject(ctx context.Context, key string) error {
	_, err := r.objects.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// RecordDerivative upserts the derivative row keyed by its derivative key.
func (r *mongoMediaRepository) RecordDerivative(ctx context.Context, artifact domain.DerivativeArtifact) error {
	if artifact.Key == "" || artifact.ParentKey == "" {
		return errors.New("derivative requires key and parentKey")
	}
	if artifact.GeneratedAt.IsZero() {
		artifact.GeneratedAt = time.Now().UTC()
	}
	_, err := r.derivatives.ReplaceOne(ctx, bson.M{"_id": artifact.Key}, artifact, options.Replace().SetUpsert(true))
	return err
}

// ListDerivatives returns every derivative of parentKey.
func (r *mongoMediaRepository) ListDerivatives(ctx context.Context, parentKey string) ([]domain.DerivativeArtifact, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "kind", Value: 1}, {Key: "sequence", Value: 1}})
	cursor, err := r.derivatives.Find(ctx, bson.M{"parentKey": parentKey}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var artifacts []domain.DerivativeArtifact
	if err = cursor.All(ctx, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DeleteDerivatives removes every derivative row of parentKey.
func (r *mongoMediaRepository) DeleteDerivatives(ctx context.Context, parentKey string) error {
	_, err := r.derivatives.DeleteMany(ctx, bson.M{"parentKey": parentKey})
	return err
}

// EnsureMediaIndexes creates necessary indexes for the media collections.
func EnsureMediaIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(objectCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// Reconcile scans for local-only objects by age
			Keys:    bson.D{{Key: "durable", Value: 1}, {Key: "storedAt", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "derivativesPending", Value: 1}, {Key: "storedAt", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "ownerId", Value: 1}},
			Options: options.Index(),
		},
	})
	if err != nil {
		return err
	}
	_, err = db.Collection(derivativeCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "parentKey", Value: 1}, {Key: "kind", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index(),
		},
	})
	return err
}
