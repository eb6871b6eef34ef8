package api

import (
	"strings"

	"alcyxob/fitness-media/internal/domain"

	"github.com/gabriel-vasile/mimetype"
)

// CacheControl is sent with every served file. Keys are never rewritten in place, so the
// bytes behind a URL do not change.
const CacheControl = "public, max-age=31536000, immutable"

var contentTypes = map[string]string{
	// Images
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"heic": "image/heic",
	"heif": "image/heif",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
	"svg":  "image/svg+xml",
	// Video and streaming
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"m4v":  "video/x-m4v",
	"webm": "video/webm",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
	"3gp":  "video/3gpp",
	"m3u8": "application/vnd.apple.mpegurl",
	"ts":   "video/mp2t",
	// Documents
	"pdf":  "application/pdf",
	"txt":  "text/plain; charset=utf-8",
	"csv":  "text/csv; charset=utf-8",
	"json": "application/json",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// contentTypeFor picks the response type from the key's extension. For images the bytes
// win when they say otherwise, which covers the SVG placeholder stored under a .jpg poster key.
func contentTypeFor(key string, data []byte) string {
	ct, ok := contentTypes[domain.Ext(key)]
	if !ok {
		return "application/octet-stream"
	}
	if strings.HasPrefix(ct, "image/") {
		detected := mimetype.Detect(data)
		if strings.HasPrefix(detected.String(), "image/") && !detected.Is(ct) {
			return detected.String()
		}
	}
	return ct
}
