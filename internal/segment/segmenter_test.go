package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/ffmpeg"
	"alcyxob/fitness-media/internal/repository/memory"
	"alcyxob/fitness-media/internal/storage"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putOrder []string
	failKey  string
	deleted  map[string]bool
	afterPut func(key string) // Runs after each derivative write, outside the lock
}

func newRecordingStore() *recordingStore {
	return &recordingStore{objects: map[string][]byte{}, deleted: map[string]bool{}}
}

func (s *recordingStore) ReadOriginal(ctx context.Context, key string) (storage.Original, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return storage.Original{}, storage.ErrObjectNotFound
	}
	return storage.Original{Key: key, Data: b}, nil
}

func (s *recordingStore) PutDerivativeOf(ctx context.Context, parent storage.Original, key string, data []byte, contentType string) (domain.StoredObject, error) {
	s.mu.Lock()
	if s.deleted[parent.Key] {
		s.mu.Unlock()
		return domain.StoredObject{}, storage.ErrParentDeleted
	}
	if key == s.failKey {
		s.mu.Unlock()
		return domain.StoredObject{}, errors.New("durable tier unavailable")
	}
	s.objects[key] = data
	s.putOrder = append(s.putOrder, key)
	afterPut := s.afterPut
	s.mu.Unlock()
	if afterPut != nil {
		afterPut(key)
	}
	return domain.StoredObject{Key: key}, nil
}

func (s *recordingStore) Deleted(parent storage.Original) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[parent.Key]
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted[key] = true
	return nil
}

func (s *recordingStore) keysWithPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// fakeTranscoder writes a playlist listing the given segment indexes with the given durations.
type fakeTranscoder struct {
	indexes   []int
	durations []float64
	err       error
	calls     int
	dirs      []string
}

func (f *fakeTranscoder) TranscodeHLS(ctx context.Context, job ffmpeg.HLSJob) error {
	f.calls++
	f.dirs = append(f.dirs, job.OutputDir)
	if f.err != nil {
		return f.err
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i, idx := range f.indexes {
		name := fmt.Sprintf(job.SegmentPattern, idx)
		if err := os.WriteFile(filepath.Join(job.OutputDir, name), []byte(fmt.Sprintf("segment-%d", idx)), 0o600); err != nil {
			return err
		}
		fmt.Fprintf(&b, "#EXTINF:%f,\n%s\n", f.durations[i], name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return os.WriteFile(filepath.Join(job.OutputDir, job.PlaylistName), []byte(b.String()), 0o600)
}

func newTestSegmenter(t *testing.T, store *recordingStore, tr ffmpeg.HLSTranscoder) *Segmenter {
	t.Helper()
	s, err := New(Options{
		Store:           store,
		Repo:            memory.NewMediaRepository(),
		Transcoder:      tr,
		TempDir:         t.TempDir(),
		Threshold:       100,
		SegmentDuration: 4 * time.Second,
		Logger:          log.NewLogger(),
	})
	require.NoError(t, err)
	return s
}

func TestSegment_PublishesOrderedGaplessSet(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/long.mp4"] = make([]byte, 150)
	tr := &fakeTranscoder{indexes: []int{0, 1, 2}, durations: []float64{4, 4, 2.5}}
	s := newTestSegmenter(t, store, tr)

	res, err := s.Segment(context.Background(), "uploads/long.mp4", 150)
	require.NoError(t, err)

	wantSegments := []string{"uploads/long_00000.ts", "uploads/long_00001.ts", "uploads/long_00002.ts"}
	assert.Equal(t, "uploads/long.m3u8", res.PlaylistKey)
	assert.Equal(t, wantSegments, res.SegmentKeys)
	assert.Equal(t, 10500*time.Millisecond, res.Duration)
	assert.Equal(t, append(wantSegments, "uploads/long.m3u8"), store.putOrder, "playlist is uploaded last")

	refs, err := SegmentKeys(store.objects["uploads/long.m3u8"])
	require.NoError(t, err)
	assert.Equal(t, wantSegments, refs)
	assert.Equal(t, []byte("segment-1"), store.objects["uploads/long_00001.ts"])

	assert.NoDirExists(t, tr.dirs[0])

	rows, err := s.repo.ListDerivatives(context.Background(), "uploads/long.mp4")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	var playlist domain.DerivativeArtifact
	for _, r := range rows {
		if r.Kind == domain.DerivativeHLSPlaylist {
			playlist = r
		}
	}
	assert.InDelta(t, 10.5, playlist.Duration, 1e-9)
}

func TestSegment_BelowThresholdProducesNothing(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/short.mp4"] = make([]byte, 99)
	tr := &fakeTranscoder{indexes: []int{0}, durations: []float64{4}}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/short.mp4", 99)
	assert.ErrorIs(t, err, ErrBelowThreshold)
	assert.Zero(t, tr.calls)
	assert.Empty(t, store.putOrder)
	assert.True(t, s.ShouldSegment(100))
	assert.False(t, s.ShouldSegment(99))
}

func TestSegment_UploadFailurePublishesNothing(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/v.mp4"] = make([]byte, 200)
	store.failKey = "uploads/v_00002.ts"
	tr := &fakeTranscoder{indexes: []int{0, 1, 2, 3}, durations: []float64{4, 4, 4, 1}}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/v.mp4", 200)
	require.Error(t, err)

	assert.Empty(t, store.keysWithPrefix("uploads/v_"))
	assert.NotContains(t, store.objects, "uploads/v.m3u8")
	assert.Contains(t, store.objects, "uploads/v.mp4", "the original is untouched")
}

func TestSegment_PlaylistFailureRemovesSegments(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/v.mp4"] = make([]byte, 200)
	store.failKey = "uploads/v.m3u8"
	tr := &fakeTranscoder{indexes: []int{0, 1}, durations: []float64{4, 4}}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/v.mp4", 200)
	require.Error(t, err)
	assert.Empty(t, store.keysWithPrefix("uploads/v_"))
}

func TestSegment_GapInTranscoderOutputIsRejected(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/v.mp4"] = make([]byte, 200)
	tr := &fakeTranscoder{indexes: []int{0, 2}, durations: []float64{4, 4}}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/v.mp4", 200)
	assert.ErrorIs(t, err, ErrSegmentGap)
	assert.Empty(t, store.putOrder)
}

func TestSegment_TranscoderFailure(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/v.mp4"] = make([]byte, 200)
	tr := &fakeTranscoder{err: errors.New("ffmpeg: exit status 1")}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/v.mp4", 200)
	assert.Error(t, err)
	assert.Empty(t, store.putOrder)
	assert.NoDirExists(t, tr.dirs[0])
}

// deletingTranscoder deletes the original while transcoding, as a concurrent DELETE would.
type deletingTranscoder struct {
	fakeTranscoder
	store *recordingStore
	key   string
}

func (d *deletingTranscoder) TranscodeHLS(ctx context.Context, job ffmpeg.HLSJob) error {
	if err := d.fakeTranscoder.TranscodeHLS(ctx, job); err != nil {
		return err
	}
	return d.store.Delete(ctx, d.key)
}

func TestSegment_ParentDeletedDuringTranscodePublishesNothing(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/v.mp4"] = make([]byte, 200)
	tr := &deletingTranscoder{
		fakeTranscoder: fakeTranscoder{indexes: []int{0, 1}, durations: []float64{4, 4}},
		store:          store,
		key:            "uploads/v.mp4",
	}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/v.mp4", 200)
	assert.ErrorIs(t, err, storage.ErrParentDeleted)
	assert.Empty(t, store.putOrder)

	rows, err := s.repo.ListDerivatives(context.Background(), "uploads/v.mp4")
	require.NoError(t, err)
	assert.Empty(t, rows, "no failure row for a deleted original")
}

func TestSegment_ParentDeletedAfterPlaylistRollsBack(t *testing.T) {
	store := newRecordingStore()
	store.objects["uploads/v.mp4"] = make([]byte, 200)
	store.afterPut = func(key string) {
		if key == "uploads/v.m3u8" {
			_ = store.Delete(context.Background(), "uploads/v.mp4")
		}
	}
	tr := &fakeTranscoder{indexes: []int{0, 1}, durations: []float64{4, 4}}
	s := newTestSegmenter(t, store, tr)

	_, err := s.Segment(context.Background(), "uploads/v.mp4", 200)
	assert.ErrorIs(t, err, storage.ErrParentDeleted)
	assert.Empty(t, store.keysWithPrefix("uploads/v"))

	rows, err := s.repo.ListDerivatives(context.Background(), "uploads/v.mp4")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParsePlaylist(t *testing.T) {
	entries, err := ParsePlaylist([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:4\n\n#EXTINF:3.98,\nseg_00000.ts\n#EXTINF:1.5,title\nseg_00001.ts\n#EXT-X-ENDLIST\n"))
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Duration: 3.98, URI: "seg_00000.ts"}, {Duration: 1.5, URI: "seg_00001.ts"}}, entries)

	_, err = ParsePlaylist([]byte("seg_00000.ts\n"))
	assert.ErrorIs(t, err, ErrMalformedPlaylist)
	_, err = ParsePlaylist([]byte("#EXTM3U\nseg_00000.ts\n"))
	assert.ErrorIs(t, err, ErrMalformedPlaylist)
	_, err = ParsePlaylist([]byte("#EXTM3U\n#EXTINF:abc,\nseg.ts\n"))
	assert.ErrorIs(t, err, ErrMalformedPlaylist)
	_, err = ParsePlaylist(nil)
	assert.ErrorIs(t, err, ErrMalformedPlaylist)
}

func TestRenderPlaylistRoundTripsKeys(t *testing.T) {
	data := RenderPlaylist([]Entry{
		{Duration: 4, URI: FileURL("uploads/a_00000.ts")},
		{Duration: 3.2, URI: "uploads/a_00001.ts"},
	})
	assert.Contains(t, string(data), "#EXT-X-TARGETDURATION:4\n")
	assert.True(t, strings.HasSuffix(string(data), "#EXT-X-ENDLIST\n"))

	keys, err := SegmentKeys(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/a_00000.ts", "uploads/a_00001.ts"}, keys)
}
