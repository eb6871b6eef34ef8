package api

import (
	"alcyxob/fitness-media/internal/domain"
	"alcyxob/fitness-media/internal/service"
	"alcyxob/fitness-media/internal/storage"
	"alcyxob/fitness-media/internal/upload"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
)

// MediaHandlerOptions bounds request bodies read by the handler.
type MediaHandlerOptions struct {
	MaxDirectBytes int64 // Whole-file ingest limit
	MaxChunkBytes  int64 // Largest raw chunk body accepted
	Logger         log.Logger
}

// MediaHandler handles media upload, retrieval and deletion.
type MediaHandler struct {
	mediaService service.MediaService
	opts         MediaHandlerOptions
	logger       log.Logger
}

// NewMediaHandler creates a new MediaHandler.
func NewMediaHandler(mediaService service.MediaService, opts MediaHandlerOptions) *MediaHandler {
	if opts.MaxDirectBytes <= 0 {
		opts.MaxDirectBytes = 100 * units.MiB
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = upload.MaxChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	return &MediaHandler{mediaService: mediaService, opts: opts, logger: opts.Logger}
}

// --- DTOs ---

// OpenUploadRequest defines the body for opening a chunked upload session.
type OpenUploadRequest struct {
	FileName  string `json:"fileName" binding:"required"`
	MimeType  string `json:"mimeType"`
	TotalSize int64  `json:"totalSize" binding:"required,gt=0"`
	ChunkSize int64  `json:"chunkSize" binding:"omitempty,gt=0"` // Server default when omitted
}

// UploadSessionResponse is the client view of an upload session.
type UploadSessionResponse struct {
	SessionID     string `json:"sessionId"`
	FileName      string `json:"fileName"`
	TotalSize     int64  `json:"totalSize"`
	ChunkSize     int64  `json:"chunkSize"`
	NextChunk     int    `json:"nextChunk"`
	BytesReceived int64  `json:"bytesReceived"`
	ExpiresAt     string `json:"expiresAt"`
}

func sessionResponse(s *domain.UploadSession) UploadSessionResponse {
	return UploadSessionResponse{
		SessionID:     s.ID,
		FileName:      s.FileName,
		TotalSize:     s.TotalSize,
		ChunkSize:     s.ChunkSize,
		NextChunk:     s.NextChunk,
		BytesReceived: s.BytesReceived,
		ExpiresAt:     s.ExpiresAt.UTC().Format(http.TimeFormat),
	}
}

// --- Handlers ---

// UploadMedia godoc
// @Summary Upload a whole media file
// @Description Stores an image, video or document sent as multipart form field "file". Thumbnails, the poster and HLS segments are generated in the background.
// @Tags Media
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "File to upload"
// @Param filename formData string false "Original file name"
// @Param mimeType formData string false "Declared content type"
// @Success 201 {object} service.MediaResponse
// @Failure 400 {object} gin.H "Missing or empty file"
// @Failure 413 {object} gin.H "File too large, use a chunked upload"
// @Failure 500 {object} gin.H "Internal server error"
// @Security BearerAuth
// @Router /media [post]
func (h *MediaHandler) UploadMedia(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxDirectBytes+units.MiB)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			abortWithCode(c, http.StatusRequestEntityTooLarge, "file_too_large", service.ErrFileTooLarge.Error())
			return
		}
		abortWithError(c, http.StatusBadRequest, "Missing multipart field 'file': "+err.Error())
		return
	}
	if fileHeader.Size > h.opts.MaxDirectBytes {
		abortWithCode(c, http.StatusRequestEntityTooLarge, "file_too_large", service.ErrFileTooLarge.Error())
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	fileName := c.PostForm("filename")
	if fileName == "" {
		fileName = fileHeader.Filename
	}
	mimeType := c.PostForm("mimeType")
	if mimeType == "" {
		mimeType = fileHeader.Header.Get("Content-Type")
	}

	resp, err := h.mediaService.Ingest(c.Request.Context(), userID, fileName, mimeType, data)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// OpenUpload godoc
// @Summary Open a chunked upload session
// @Tags Media
// @Accept json
// @Produce json
// @Param upload body OpenUploadRequest true "File name, declared size and optional chunk size"
// @Success 201 {object} UploadSessionResponse
// @Failure 400 {object} gin.H "Invalid input"
// @Security BearerAuth
// @Router /media/uploads [post]
func (h *MediaHandler) OpenUpload(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}

	var req OpenUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	session, err := h.mediaService.OpenUpload(c.Request.Context(), userID, req.FileName, req.MimeType, req.TotalSize, req.ChunkSize)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse(session))
}

// UploadChunk godoc
// @Summary Append the next chunk to an upload session
// @Description The request body is the raw chunk. Chunks must arrive in index order starting at 0.
// @Tags Media
// @Accept application/octet-stream
// @Produce json
// @Param sessionId path string true "Upload session ID"
// @Param index path int true "Chunk index"
// @Success 200 {object} UploadSessionResponse
// @Failure 400 {object} gin.H "Out of order, oversized or empty chunk"
// @Failure 404 {object} gin.H "Session not found"
// @Failure 410 {object} gin.H "Session expired"
// @Security BearerAuth
// @Router /media/uploads/{sessionId}/chunks/{index} [put]
func (h *MediaHandler) UploadChunk(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		abortWithCode(c, http.StatusBadRequest, "invalid_chunk_index", "Chunk index must be a non-negative integer")
		return
	}

	// One byte over the limit is enough to know the chunk is too large.
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, h.opts.MaxChunkBytes+1))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Failed to read chunk body")
		return
	}
	if int64(len(data)) > h.opts.MaxChunkBytes {
		abortWithCode(c, http.StatusBadRequest, "chunk_too_large",
			fmt.Sprintf("Chunk exceeds %s", units.HumanSize(float64(h.opts.MaxChunkBytes))))
		return
	}

	session, err := h.mediaService.AppendChunk(c.Request.Context(), userID, c.Param("sessionId"), index, data)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(session))
}

// UploadStatus godoc
// @Summary Get the progress of an upload session
// @Tags Media
// @Produce json
// @Param sessionId path string true "Upload session ID"
// @Success 200 {object} UploadSessionResponse
// @Failure 404 {object} gin.H "Session not found"
// @Security BearerAuth
// @Router /media/uploads/{sessionId} [get]
func (h *MediaHandler) UploadStatus(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}
	session, err := h.mediaService.UploadStatus(c.Request.Context(), userID, c.Param("sessionId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(session))
}

// CompleteUpload godoc
// @Summary Finalize an upload session and store the assembled file
// @Tags Media
// @Produce json
// @Param sessionId path string true "Upload session ID"
// @Success 201 {object} service.MediaResponse
// @Failure 400 {object} gin.H "Upload incomplete"
// @Failure 404 {object} gin.H "Session not found"
// @Security BearerAuth
// @Router /media/uploads/{sessionId}/complete [post]
func (h *MediaHandler) CompleteUpload(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}
	resp, err := h.mediaService.CompleteUpload(c.Request.Context(), userID, c.Param("sessionId"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// AbortUpload godoc
// @Summary Abort an upload session and discard received chunks
// @Tags Media
// @Param sessionId path string true "Upload session ID"
// @Success 204 "Session aborted"
// @Failure 404 {object} gin.H "Session not found"
// @Security BearerAuth
// @Router /media/uploads/{sessionId} [delete]
func (h *MediaHandler) AbortUpload(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}
	if err := h.mediaService.AbortUpload(c.Request.Context(), userID, c.Param("sessionId")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetFile godoc
// @Summary Retrieve a stored file or derivative
// @Description Public. Accepts canonical keys and historical key conventions.
// @Tags Media
// @Produce octet-stream
// @Param filename query string true "Object key or legacy file name"
// @Success 200 {file} binary
// @Failure 400 {object} gin.H "Missing filename"
// @Failure 404 {object} gin.H "Not found"
// @Router /media/file [get]
func (h *MediaHandler) GetFile(c *gin.Context) {
	name := c.Query("filename")
	if name == "" {
		abortWithError(c, http.StatusBadRequest, "Query parameter 'filename' is required")
		return
	}
	file, err := h.mediaService.Serve(c.Request.Context(), name)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.Header("Cache-Control", CacheControl)
	c.Data(http.StatusOK, contentTypeFor(file.Key, file.Data), file.Data)
}

// DeleteFile godoc
// @Summary Delete a stored original and all of its derivatives
// @Tags Media
// @Param filename query string true "Object key"
// @Success 204 "Deleted"
// @Failure 400 {object} gin.H "Invalid key"
// @Failure 403 {object} gin.H "Not the owner"
// @Security BearerAuth
// @Router /media/file [delete]
func (h *MediaHandler) DeleteFile(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		abortWithError(c, http.StatusUnauthorized, "Unauthorized: "+err.Error())
		return
	}
	key := c.Query("filename")
	if key == "" {
		abortWithError(c, http.StatusBadRequest, "Query parameter 'filename' is required")
		return
	}
	if err := h.mediaService.Delete(c.Request.Context(), userID, key); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDerivatives godoc
// @Summary List derivatives recorded for an original
// @Tags Media
// @Produce json
// @Param filename query string true "Object key of the original"
// @Success 200 {array} domain.DerivativeArtifact
// @Security BearerAuth
// @Router /media/derivatives [get]
func (h *MediaHandler) ListDerivatives(c *gin.Context) {
	key := c.Query("filename")
	if key == "" {
		abortWithError(c, http.StatusBadRequest, "Query parameter 'filename' is required")
		return
	}
	rows, err := h.mediaService.Derivatives(c.Request.Context(), key)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if rows == nil {
		rows = []domain.DerivativeArtifact{}
	}
	c.JSON(http.StatusOK, rows)
}

// handleError maps service and pipeline errors to responses.
func (h *MediaHandler) handleError(c *gin.Context, err error) {
	switch {
	// Upload session rejections carry a code so clients can react to each one.
	case errors.Is(err, upload.ErrOutOfOrderChunk):
		abortWithCode(c, http.StatusBadRequest, "out_of_order_chunk", err.Error())
	case errors.Is(err, upload.ErrChunkTooLarge):
		abortWithCode(c, http.StatusBadRequest, "chunk_too_large", err.Error())
	case errors.Is(err, upload.ErrChunkSizeTooLarge):
		abortWithCode(c, http.StatusBadRequest, "chunk_size_too_large", err.Error())
	case errors.Is(err, upload.ErrEmptyChunk):
		abortWithCode(c, http.StatusBadRequest, "empty_chunk", err.Error())
	case errors.Is(err, upload.ErrSizeExceeded):
		abortWithCode(c, http.StatusBadRequest, "size_exceeded", err.Error())
	case errors.Is(err, upload.ErrInvalidSize):
		abortWithCode(c, http.StatusBadRequest, "invalid_size", err.Error())
	case errors.Is(err, upload.ErrMissingFileName):
		abortWithCode(c, http.StatusBadRequest, "missing_file_name", err.Error())
	case errors.Is(err, upload.ErrIncompleteUpload):
		abortWithCode(c, http.StatusBadRequest, "incomplete_upload", err.Error())
	case errors.Is(err, upload.ErrSessionExpired):
		abortWithCode(c, http.StatusGone, "session_expired", err.Error())
	case errors.Is(err, upload.ErrSessionNotFound):
		abortWithCode(c, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, upload.ErrNotSessionOwner):
		abortWithCode(c, http.StatusForbidden, "not_session_owner", err.Error())

	case errors.Is(err, service.ErrEmptyFile):
		abortWithCode(c, http.StatusBadRequest, "empty_file", err.Error())
	case errors.Is(err, service.ErrFileTooLarge):
		abortWithCode(c, http.StatusRequestEntityTooLarge, "file_too_large", err.Error())
	case errors.Is(err, domain.ErrInvalidKey):
		abortWithCode(c, http.StatusBadRequest, "invalid_key", err.Error())
	case errors.Is(err, service.ErrStorageNotConfigured):
		abortWithCode(c, http.StatusNotFound, "storage_not_configured", err.Error())
	case errors.Is(err, service.ErrMediaNotFound):
		abortWithCode(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrMediaAccessDenied):
		abortWithError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrDerivativeKey):
		abortWithCode(c, http.StatusBadRequest, "derivative_key", err.Error())
	case errors.Is(err, storage.ErrLocalWrite):
		h.logger.Errorf("Local write failed: %v", err)
		abortWithError(c, http.StatusInternalServerError, "Failed to store file")
	default:
		h.logger.Errorf("Media request %s %s failed: %v", c.Request.Method, c.FullPath(), err)
		abortWithError(c, http.StatusInternalServerError, "Internal server error")
	}
}
