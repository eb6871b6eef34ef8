package segment

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

var ErrMalformedPlaylist = errors.New("malformed hls playlist")

// Entry is one media segment line of a playlist.
type Entry struct {
	Duration float64 // Seconds, from #EXTINF
	URI      string
}

// ParsePlaylist reads the media segments of an HLS media playlist in order.
func ParsePlaylist(data []byte) ([]Entry, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := true
	var entries []Entry
	var pending *float64
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: missing #EXTM3U header", ErrMalformedPlaylist)
			}
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			raw, _, _ := strings.Cut(strings.TrimPrefix(line, "#EXTINF:"), ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("%w: bad duration %q", ErrMalformedPlaylist, raw)
			}
			pending = &d
		case strings.HasPrefix(line, "#"):
			// Other tags carry nothing we need.
		default:
			if pending == nil {
				return nil, fmt.Errorf("%w: segment %q without #EXTINF", ErrMalformedPlaylist, line)
			}
			entries = append(entries, Entry{Duration: *pending, URI: line})
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if first {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPlaylist)
	}
	return entries, nil
}

// RenderPlaylist writes a complete VOD playlist for entries, numbered from zero.
func RenderPlaylist(entries []Entry) []byte {
	target := 1
	for _, e := range entries {
		if d := int(math.Ceil(e.Duration)); d > target {
			target = d
		}
	}
	var b bytes.Buffer
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", e.Duration, e.URI)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.Bytes()
}

// SegmentKeys returns the storage keys a published playlist references. Segment URIs are
// either bare keys or retrieval URLs carrying the key in their filename parameter.
func SegmentKeys(data []byte) ([]string, error) {
	entries, err := ParsePlaylist(data)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, keyFromURI(e.URI))
	}
	return keys, nil
}

func keyFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if name := u.Query().Get("filename"); name != "" {
		return name
	}
	return strings.TrimPrefix(u.Path, "/")
}
