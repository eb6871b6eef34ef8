package domain

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// UploadsPrefix is the shared namespace every original and derivative lives under.
const UploadsPrefix = "uploads/"

const (
	thumbnailSuffix = "_thumb"
	thumbnailExt    = ".jpg"
	playlistExt     = ".m3u8"
	segmentExt      = ".ts"
)

var ErrInvalidKey = errors.New("invalid object key")

// ObjectKey builds the key for a new original: uploads/<id>.<ext>. The extension comes from
// the filename, or from the MIME type when the filename has none.
func ObjectKey(id, fileName, mimeType string) string {
	ext := Ext(fileName)
	if ext == "" {
		ext = ExtensionForMIME(mimeType)
	}
	if ext == "" {
		return UploadsPrefix + id
	}
	return UploadsPrefix + id + "." + ext
}

// ValidateKey rejects keys that could escape the storage root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// Ext returns the lower-cased extension of name without the dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
}

// BaseKey strips the extension from key.
func BaseKey(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

// ThumbnailKey is the canonical still for key: the image thumbnail or the video poster.
func ThumbnailKey(key string) string {
	return BaseKey(key) + thumbnailSuffix + thumbnailExt
}

// ThumbnailSizeKey names an additional thumbnail width.
func ThumbnailSizeKey(key string, width int) string {
	return fmt.Sprintf("%s%s_%d%s", BaseKey(key), thumbnailSuffix, width, thumbnailExt)
}

// PlaylistKey names the HLS index for a segmented video.
func PlaylistKey(key string) string {
	return BaseKey(key) + playlistExt
}

// SegmentKey names the seq-th HLS segment (zero-based) of a segmented video.
func SegmentKey(key string, seq int) string {
	return fmt.Sprintf("%s_%05d%s", BaseKey(key), seq, segmentExt)
}

var derivativeName = regexp.MustCompile(`(_thumb(_\d+)?\.jpg|_\d{5}\.ts|\.m3u8)$`)

// IsDerivativeKey reports whether key follows one of the derivative naming patterns above.
// Originals are an id plus the uploaded extension; only an uploaded .m3u8 file matches too.
func IsDerivativeKey(key string) bool {
	return derivativeName.MatchString(key)
}

// LegacyThumbnailKeys lists thumbnail names older clients wrote. They are read fallbacks only.
func LegacyThumbnailKeys(key string) []string {
	dir, file := path.Split(key)
	base := strings.TrimSuffix(file, path.Ext(file))
	return []string{
		dir + "thumb_" + base + thumbnailExt,
		dir + "thumbnails/" + base + thumbnailExt,
		key + thumbnailExt,
	}
}

// ExtensionForMIME infers a file extension for a MIME type.
func ExtensionForMIME(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/heic":
		return "heic"
	case "video/mp4":
		return "mp4"
	case "video/quicktime":
		return "mov"
	case "video/webm":
		return "webm"
	case "video/x-m4v":
		return "m4v"
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	default:
		return ""
	}
}
