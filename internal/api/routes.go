package api

import (
	"alcyxob/fitness-media/internal/service"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(
	router *gin.Engine,
	jwtSecret string,
	mediaService service.MediaService,
	mediaOpts MediaHandlerOptions,
	gatherer prometheus.Gatherer,
) {
	mediaHandler := NewMediaHandler(mediaService, mediaOpts)
	authMiddleware := AuthMiddleware(jwtSecret)

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")

	// GET /api/v1/media/file is public so players and <img> tags can load it directly.
	apiV1.GET("/media/file", mediaHandler.GetFile)

	protected := apiV1.Group("")
	protected.Use(authMiddleware)
	{
		mediaGroup := protected.Group("/media")
		{
			// POST /api/v1/media
			mediaGroup.POST("", mediaHandler.UploadMedia)
			// DELETE /api/v1/media/file?filename=...
			mediaGroup.DELETE("/file", mediaHandler.DeleteFile)
			// GET /api/v1/media/derivatives?filename=...
			mediaGroup.GET("/derivatives", mediaHandler.ListDerivatives)

			// --- Chunked Uploads ---
			mediaGroup.POST("/uploads", mediaHandler.OpenUpload)
			mediaGroup.GET("/uploads/:sessionId", mediaHandler.UploadStatus)
			mediaGroup.PUT("/uploads/:sessionId/chunks/:index", mediaHandler.UploadChunk)
			mediaGroup.POST("/uploads/:sessionId/complete", mediaHandler.CompleteUpload)
			mediaGroup.DELETE("/uploads/:sessionId", mediaHandler.AbortUpload)
		}
	}
}
