package domain

import "time"

// DerivativeKind names the generated artifact types the pipeline produces.
type DerivativeKind string

const (
	DerivativeImageThumbnail DerivativeKind = "image-thumbnail"
	DerivativeVideoPoster    DerivativeKind = "video-poster"
	DerivativeHLSPlaylist    DerivativeKind = "hls-playlist"
	DerivativeHLSSegment     DerivativeKind = "hls-segment"
)

// Outcome records how a derivative came to be.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomePlaceholder Outcome = "fell-back-to-placeholder"
	OutcomeFailed      Outcome = "failed"
)

// DerivativeArtifact is a generated viewable asset tied to one StoredObject.
// Never mutated after creation; removed together with its parent.
type DerivativeArtifact struct {
	Key         string         `bson:"_id" json:"key"`
	ParentKey   string         `bson:"parentKey" json:"parentKey"`
	Kind        DerivativeKind `bson:"kind" json:"kind"`
	Outcome     Outcome        `bson:"outcome" json:"outcome"`
	Sequence    int            `bson:"sequence" json:"sequence"` // Segment index; zero for other kinds
	Size        int64          `bson:"size" json:"size"`
	Duration    float64        `bson:"duration,omitempty" json:"duration,omitempty"` // Seconds, playlists only
	GeneratedAt time.Time      `bson:"generatedAt" json:"generatedAt"`
}
