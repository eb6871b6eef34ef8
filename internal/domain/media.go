package domain

import (
	"strings"
	"time"
)

// MediaKind is the coarse class of a stored file, derived from its content type or extension.
type MediaKind string

const (
	KindImage    MediaKind = "image"
	KindVideo    MediaKind = "video"
	KindDocument MediaKind = "document"
)

// StoredObject is a named, immutable blob. The bytes live in the storage tiers;
// this record carries what the Storage Tier Coordinator knows about them.
type StoredObject struct {
	Key         string     `bson:"_id" json:"key"`                 // Logical key, e.g. uploads/<id>.mp4
	ContentType string     `bson:"contentType" json:"contentType"` // MIME type (e.g., "video/mp4")
	Size        int64      `bson:"size" json:"size"`               // Size in bytes
	Local       bool       `bson:"local" json:"local"`             // Present on the local tier
	Durable     bool       `bson:"durable" json:"durable"`         // Mirrored to the durable tier
	OwnerID     string     `bson:"ownerId,omitempty" json:"ownerId,omitempty"`
	Derivative  bool       `bson:"derivative" json:"derivative"` // Generated from another object
	StoredAt    time.Time  `bson:"storedAt" json:"storedAt"`
	MirroredAt  *time.Time `bson:"mirroredAt,omitempty" json:"mirroredAt,omitempty"`

	// ParentKey is the original a derivative was generated from.
	ParentKey string `bson:"parentKey,omitempty" json:"parentKey,omitempty"`
	// DerivativesPending is set on image and video originals until their thumbnail or
	// poster has been generated.
	DerivativesPending bool `bson:"derivativesPending" json:"derivativesPending"`
}

// Kind classifies the object by content type, falling back to the key's extension.
func (o StoredObject) Kind() MediaKind {
	return KindOf(o.ContentType, o.Key)
}

// NeedsDerivatives reports whether the object is an original that gets a thumbnail or poster.
func (o StoredObject) NeedsDerivatives() bool {
	if o.Derivative {
		return false
	}
	kind := o.Kind()
	return kind == KindImage || kind == KindVideo
}

// KindOf classifies a file by MIME type, or by extension when the type is empty or generic.
func KindOf(contentType, name string) MediaKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	}
	switch Ext(name) {
	case "jpg", "jpeg", "png", "gif", "webp", "heic", "heif", "bmp", "tiff", "svg":
		return KindImage
	case "mp4", "mov", "m4v", "webm", "avi", "mkv", "3gp":
		return KindVideo
	}
	return KindDocument
}
