package domain

import "time"

// UploadSession tracks the reconstruction of one file from sequentially numbered chunks.
type UploadSession struct {
	ID            string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	FileName      string    `json:"fileName"`
	MimeType      string    `json:"mimeType"`
	TotalSize     int64     `json:"totalSize"`
	ChunkSize     int64     `json:"chunkSize"`
	NextChunk     int       `json:"nextChunk"` // Next expected chunk index
	BytesReceived int64     `json:"bytesReceived"`
	TempPath      string    `json:"-"` // Backing temp file, internal use
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s *UploadSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Complete reports whether every declared byte has been received.
func (s *UploadSession) Complete() bool {
	return s.BytesReceived == s.TotalSize
}

// IsFinalChunk reports whether a chunk of n bytes would complete the upload.
func (s *UploadSession) IsFinalChunk(n int64) bool {
	return s.BytesReceived+n == s.TotalSize
}
