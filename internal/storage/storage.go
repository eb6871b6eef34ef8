package storage

import (
	"context"
	"errors"
)

var (
	ErrObjectNotFound       = errors.New("object not found in storage")
	ErrDurableNotConfigured = errors.New("durable storage is not configured")
	ErrLocalWrite           = errors.New("local storage write failed")
	ErrParentDeleted        = errors.New("parent object was deleted")
)

// ObjectInfo is what a tier reports about an object it holds.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// Backend is one storage tier. Implementations translate their client's responses into
// ErrObjectNotFound, so callers never interpret a raw response to decide existence.
type Backend interface {
	// Put stores data under key, replacing any previous bytes.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the object's bytes or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Stat returns the object's info or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
