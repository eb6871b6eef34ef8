package api

import (
	"alcyxob/fitness-media/internal/derivative"
	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/service"
	"alcyxob/fitness-media/internal/upload"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// fakeMediaService records calls and returns canned results.
type fakeMediaService struct {
	ingested   []byte
	ingestName string
	ingestMime string
	chunks     [][]byte
	appendErr  error
	files      map[string][]byte
	serveErr   error
	deleted    []string
	deleteErr  error
}

func (f *fakeMediaService) Ingest(ctx context.Context, userID, fileName, mimeType string, data []byte) (*service.MediaResponse, error) {
	f.ingested, f.ingestName, f.ingestMime = data, fileName, mimeType
	return &service.MediaResponse{Key: "uploads/abc.jpg", URL: "/api/v1/media/file?filename=uploads%2Fabc.jpg", Size: int64(len(data))}, nil
}

func (f *fakeMediaService) OpenUpload(ctx context.Context, userID, fileName, mimeType string, totalSize, chunkSize int64) (*domain.UploadSession, error) {
	if fileName == "" {
		return nil, upload.ErrMissingFileName
	}
	return &domain.UploadSession{ID: "s1", UserID: userID, FileName: fileName, TotalSize: totalSize, ChunkSize: 4, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeMediaService) AppendChunk(ctx context.Context, userID, sessionID string, index int, data []byte) (*domain.UploadSession, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.chunks = append(f.chunks, data)
	return &domain.UploadSession{ID: sessionID, NextChunk: index + 1, BytesReceived: int64(len(data))}, nil
}

func (f *fakeMediaService) UploadStatus(ctx context.Context, userID, sessionID string) (*domain.UploadSession, error) {
	return nil, upload.ErrSessionExpired
}

func (f *fakeMediaService) CompleteUpload(ctx context.Context, userID, sessionID string) (*service.MediaResponse, error) {
	return nil, upload.ErrIncompleteUpload
}

func (f *fakeMediaService) AbortUpload(ctx context.Context, userID, sessionID string) error {
	return nil
}

func (f *fakeMediaService) Serve(ctx context.Context, name string) (*service.ServedFile, error) {
	if f.serveErr != nil {
		return nil, f.serveErr
	}
	data, ok := f.files[name]
	if !ok {
		return nil, service.ErrMediaNotFound
	}
	return &service.ServedFile{Key: name, Data: data}, nil
}

func (f *fakeMediaService) Delete(ctx context.Context, userID, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeMediaService) Derivatives(ctx context.Context, key string) ([]domain.DerivativeArtifact, error) {
	return nil, nil
}

func newRouter(svc service.MediaService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, testSecret, svc, MediaHandlerOptions{MaxDirectBytes: 1024, MaxChunkBytes: 8}, prometheus.NewRegistry())
	return router
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func do(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["code"]
}

func TestPing(t *testing.T) {
	w := do(newRouter(&fakeMediaService{}), httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	router := newRouter(&fakeMediaService{})

	w := do(router, httptest.NewRequest(http.MethodPost, "/api/v1/media/uploads", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/media/file?filename=uploads/a.jpg", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, do(router, req).Code)
}

func TestAuthRejectsTokensWithoutValidExpiry(t *testing.T) {
	router := newRouter(&fakeMediaService{})
	sign := func(claims jwtClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return "Bearer " + signed
	}
	tests := []struct {
		name   string
		claims jwtClaims
	}{
		{name: "no exp", claims: jwtClaims{UserID: "u1"}},
		{name: "expired", claims: jwtClaims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/media/derivatives?filename=uploads/a.jpg", nil)
			req.Header.Set("Authorization", sign(tt.claims))
			assert.Equal(t, http.StatusUnauthorized, do(router, req).Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/derivatives?filename=uploads/a.jpg", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	assert.Equal(t, http.StatusOK, do(router, req).Code)
}

func TestUploadMedia_Multipart(t *testing.T) {
	svc := &fakeMediaService{}
	router := newRouter(svc)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "photo.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("jpeg bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("mimeType", "image/jpeg"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", bearer(t, "u1"))
	w := do(router, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []byte("jpeg bytes"), svc.ingested)
	assert.Equal(t, "photo.jpg", svc.ingestName)
	assert.Equal(t, "image/jpeg", svc.ingestMime)
	var resp service.MediaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "uploads/abc.jpg", resp.Key)
}

func TestUploadMedia_TooLarge(t *testing.T) {
	router := newRouter(&fakeMediaService{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "big.mp4")
	require.NoError(t, err)
	_, err = part.Write(make([]byte, 2048))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", bearer(t, "u1"))
	w := do(router, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "file_too_large", errorCode(t, w))
}

func TestChunkedUploadEndpoints(t *testing.T) {
	svc := &fakeMediaService{}
	router := newRouter(svc)
	auth := bearer(t, "u1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media/uploads",
		bytes.NewBufferString(`{"fileName":"run.mp4","totalSize":10}`))
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")
	w := do(router, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session UploadSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, "s1", session.SessionID)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/media/uploads/s1/chunks/0", bytes.NewBufferString("abcd"))
	req.Header.Set("Authorization", auth)
	w = do(router, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, [][]byte{[]byte("abcd")}, svc.chunks)

	req = httptest.NewRequest(http.MethodPut, "/api/v1/media/uploads/s1/chunks/1", bytes.NewBufferString("way too large"))
	req.Header.Set("Authorization", auth)
	w = do(router, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "chunk_too_large", errorCode(t, w))

	req = httptest.NewRequest(http.MethodPut, "/api/v1/media/uploads/s1/chunks/x", bytes.NewBufferString("ab"))
	req.Header.Set("Authorization", auth)
	assert.Equal(t, "invalid_chunk_index", errorCode(t, do(router, req)))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/media/uploads/s1/complete", nil)
	req.Header.Set("Authorization", auth)
	w = do(router, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "incomplete_upload", errorCode(t, w))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/media/uploads/s1", nil)
	req.Header.Set("Authorization", auth)
	w = do(router, req)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "session_expired", errorCode(t, w))

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/media/uploads/s1", nil)
	req.Header.Set("Authorization", auth)
	assert.Equal(t, http.StatusNoContent, do(router, req).Code)
}

func TestUploadChunk_ErrorCodes(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{upload.ErrOutOfOrderChunk, http.StatusBadRequest, "out_of_order_chunk"},
		{upload.ErrChunkTooLarge, http.StatusBadRequest, "chunk_too_large"},
		{upload.ErrEmptyChunk, http.StatusBadRequest, "empty_chunk"},
		{upload.ErrSizeExceeded, http.StatusBadRequest, "size_exceeded"},
		{upload.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{upload.ErrNotSessionOwner, http.StatusForbidden, "not_session_owner"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			router := newRouter(&fakeMediaService{appendErr: tt.err})
			req := httptest.NewRequest(http.MethodPut, "/api/v1/media/uploads/s1/chunks/3", bytes.NewBufferString("ab"))
			req.Header.Set("Authorization", bearer(t, "u1"))
			w := do(router, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestGetFile(t *testing.T) {
	svc := &fakeMediaService{files: map[string][]byte{
		"uploads/run.mp4":       []byte("video"),
		"uploads/run_thumb.jpg": derivative.PlaceholderPoster,
	}}
	router := newRouter(svc)

	w := do(router, httptest.NewRequest(http.MethodGet, "/api/v1/media/file?filename=uploads/run.mp4", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, CacheControl, w.Header().Get("Cache-Control"))
	assert.Equal(t, "video", w.Body.String())

	// The placeholder poster is served as what it really is.
	w = do(router, httptest.NewRequest(http.MethodGet, "/api/v1/media/file?filename=uploads/run_thumb.jpg", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))

	w = do(router, httptest.NewRequest(http.MethodGet, "/api/v1/media/file?filename=nope.jpg", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))

	w = do(router, httptest.NewRequest(http.MethodGet, "/api/v1/media/file", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(newRouter(&fakeMediaService{serveErr: service.ErrStorageNotConfigured}),
		httptest.NewRequest(http.MethodGet, "/api/v1/media/file?filename=a.jpg", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "storage_not_configured", errorCode(t, w))
}

func TestDeleteFile(t *testing.T) {
	svc := &fakeMediaService{}
	router := newRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/media/file?filename=uploads/a.jpg", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	assert.Equal(t, http.StatusNoContent, do(router, req).Code)
	assert.Equal(t, []string{"uploads/a.jpg"}, svc.deleted)

	svc.deleteErr = service.ErrMediaAccessDenied
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/media/file?filename=uploads/a.jpg", nil)
	req.Header.Set("Authorization", bearer(t, "u2"))
	assert.Equal(t, http.StatusForbidden, do(router, req).Code)

	svc.deleteErr = service.ErrDerivativeKey
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/media/file?filename=uploads/a_thumb.jpg", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	w := do(router, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "derivative_key", errorCode(t, w))
}

func TestListDerivatives_EmptyArray(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/derivatives?filename=uploads/a.jpg", nil)
	req.Header.Set("Authorization", bearer(t, "u1"))
	w := do(newRouter(&fakeMediaService{}), req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/vnd.apple.mpegurl", contentTypeFor("uploads/a.m3u8", []byte("#EXTM3U")))
	assert.Equal(t, "video/mp2t", contentTypeFor("uploads/a_00001.ts", []byte{0x47}))
	assert.Equal(t, "application/octet-stream", contentTypeFor("uploads/a.bin", nil))
	assert.Equal(t, "image/svg+xml", contentTypeFor("uploads/a_thumb.jpg", derivative.PlaceholderPoster))
}
