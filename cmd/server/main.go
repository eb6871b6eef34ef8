package main

import (
	"alcyxob/fitness-media/internal/api"
	"alcyxob/fitness-media/internal/config"
	"alcyxob/fitness-media/internal/derivative"
	"alcyxob/fitness-media/internal/ffmpeg"
	"alcyxob/fitness-media/internal/metrics"
	"alcyxob/fitness-media/internal/repository"
	"alcyxob/fitness-media/internal/repository/memory"
	"alcyxob/fitness-media/internal/repository/mongo"
	"alcyxob/fitness-media/internal/resolve"
	"alcyxob/fitness-media/internal/scheduler"
	"alcyxob/fitness-media/internal/segment"
	"alcyxob/fitness-media/internal/service"
	"alcyxob/fitness-media/internal/storage"
	"alcyxob/fitness-media/internal/upload"
	"alcyxob/fitness-media/internal/worker"
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// @title Fitness Media API
// @version 1.0
// @description Upload, derivative generation and retrieval of workout media.
// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	stdlog.Println("Starting Fitness Media Server...")
	logger := log.NewLogger()

	// --- Configuration ---
	cfg, err := config.LoadConfig(".")
	if err != nil {
		stdlog.Fatalf("FATAL: Could not load config: %v", err)
	}
	stdlog.Println("Configuration loaded.")

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// --- Database Connection ---
	var mediaRepo repository.MediaRepository
	if cfg.Database.Enabled {
		dbClient, err := mongo.ConnectDB(cfg.Database.URI)
		if err != nil {
			stdlog.Fatalf("FATAL: Could not connect to MongoDB: %v", err)
		}
		defer func() {
			stdlog.Println("Disconnecting MongoDB...")
			if err := mongo.DisconnectDB(dbClient); err != nil {
				stdlog.Printf("ERROR: Failed to disconnect MongoDB: %v", err)
			}
		}()
		appDB := dbClient.Database(cfg.Database.Name)
		stdlog.Println("Database connection established.")

		go func() { // Index creation runs in the background
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
			defer cancel()
			if err := mongo.EnsureMediaIndexes(ctx, appDB); err != nil {
				stdlog.Printf("ERROR: Failed to ensure media indexes: %v", err)
				return
			}
			stdlog.Println("Index creation process completed.")
		}()
		mediaRepo = mongo.NewMongoMediaRepository(appDB)
	} else {
		stdlog.Println("Database disabled, keeping media records in memory.")
		mediaRepo = memory.NewMediaRepository()
	}

	// --- Initialize Storage ---
	stdlog.Println("Initializing file storage...")
	localStore, err := storage.NewFilesystemStore(cfg.Storage.LocalDir)
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize local storage: %v", err)
	}
	var durable storage.Backend
	if cfg.S3.Enabled {
		s3Store, err := storage.NewS3Store(context.Background(), cfg.S3, logger)
		if err != nil {
			stdlog.Fatalf("FATAL: Failed to initialize S3 storage: %v", err)
		}
		durable = s3Store
	} else {
		stdlog.Println("S3 disabled, serving from the local tier only.")
	}

	// Mirrors retry with backoff; derivative work gets its own pool so it never waits behind them.
	mirrorQueue := worker.New(worker.Options{
		Workers:    cfg.Storage.Workers,
		Size:       cfg.Storage.QueueSize,
		Logger:     logger,
		Metrics:    m,
		NewBackOff: worker.DefaultBackOff(cfg.Storage.MirrorMaxElapsed),
	})
	mediaQueue := worker.New(worker.Options{
		Workers: cfg.Media.Workers,
		Size:    cfg.Media.QueueSize,
		Logger:  logger,
		Metrics: m,
	})

	coordinator, err := storage.NewCoordinator(storage.CoordinatorOptions{
		Local:             localStore,
		Durable:           durable,
		Repo:              mediaRepo,
		Queue:             mirrorQueue,
		Logger:            logger,
		Metrics:           m,
		ReadTimeout:       cfg.Storage.ReadTimeout,
		DeleteTimeout:     cfg.Storage.DeleteTimeout,
		MirrorTimeout:     cfg.Storage.MirrorTimeout,
		ReconcileGrace:    cfg.Storage.ReconcileGrace,
		TombstoneCapacity: cfg.Storage.TombstoneCapacity,
	})
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize storage coordinator: %v", err)
	}

	// --- Initialize Pipeline ---
	stdlog.Println("Initializing media pipeline...")
	uploads, err := upload.NewManager(upload.NewMemorySessionStore(), upload.Options{
		TempDir:          cfg.Storage.TempDir,
		DefaultChunkSize: cfg.Upload.ChunkSizeBytes,
		MaxChunkSize:     cfg.Upload.MaxChunkSizeBytes,
		MaxFileSize:      cfg.Upload.MaxFileSizeBytes,
		TTL:              cfg.Upload.SessionTTL,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize upload manager: %v", err)
	}

	generator, err := derivative.NewGenerator(derivative.Options{
		Store:           coordinator,
		Repo:            mediaRepo,
		Prober:          &ffmpeg.LocalProber{Binary: cfg.Media.FFprobePath, Timeout: cfg.Media.ProbeTimeout},
		Extractor:       &ffmpeg.LocalFrameExtractor{Binary: cfg.Media.FFmpegPath, Width: cfg.Media.PosterWidth, Timeout: cfg.Media.ExtractTimeout},
		TempDir:         cfg.Storage.TempDir,
		ThumbnailWidths: cfg.Media.ThumbnailWidths,
		JPEGQuality:     cfg.Media.JPEGQuality,
		MinFrameBytes:   cfg.Media.MinFrameBytes,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize derivative generator: %v", err)
	}

	publicURL := func(key string) string { return cfg.Server.PublicURL + segment.FileURL(key) }
	segmenter, err := segment.New(segment.Options{
		Store:           coordinator,
		Repo:            mediaRepo,
		Transcoder:      &ffmpeg.LocalHLSTranscoder{Binary: cfg.Media.FFmpegPath, Preset: ffmpeg.HLSPreset, Timeout: cfg.Media.SegmentTimeout},
		TempDir:         cfg.Storage.TempDir,
		Threshold:       cfg.Media.SegmentThresholdBytes,
		SegmentDuration: cfg.Media.SegmentDuration,
		URLFor:          publicURL,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize segmenter: %v", err)
	}

	resolver, err := resolve.New(resolve.Options{
		Durable:        durable,
		AttemptTimeout: cfg.Media.ResolveTimeout,
		CacheSize:      cfg.Media.ResolveCacheSize,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize resolver: %v", err)
	}

	// --- Initialize Services ---
	stdlog.Println("Initializing services...")
	mediaService, err := service.NewMediaService(service.MediaServiceOptions{
		Coordinator:     coordinator,
		Uploads:         uploads,
		Generator:       generator,
		Segmenter:       segmenter,
		Resolver:        resolver,
		Repo:            mediaRepo,
		Queue:           mediaQueue,
		MaxDirectSize:   cfg.Upload.MaxDirectSizeBytes,
		ThumbnailWidths: cfg.Media.ThumbnailWidths,
		PublicURL:       cfg.Server.PublicURL,
		SegmentTimeout:  cfg.Media.SegmentTimeout,
		Logger:          logger,
	})
	if err != nil {
		stdlog.Fatalf("FATAL: Failed to initialize media service: %v", err)
	}

	// --- Background Jobs ---
	sched := scheduler.New(logger)
	jobs := []scheduler.Job{
		{
			Name:  "sweep-upload-sessions",
			Every: cfg.Upload.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := uploads.Sweep(ctx)
				return err
			},
		},
		{
			// Re-mirrors local-only objects and re-dispatches missing thumbnails and posters.
			Name:  "reconcile-media",
			Every: cfg.Storage.ReconcileInterval,
			Run: func(ctx context.Context) error {
				_, err := coordinator.Reconcile(ctx)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			stdlog.Fatalf("FATAL: Failed to schedule %s: %v", job.Name, err)
		}
	}
	sched.Start()

	// --- Initialize Gin Engine ---
	router := gin.Default() // Includes Logger and Recovery middleware

	// --- Setup Routes ---
	stdlog.Println("Setting up API routes...")
	api.SetupRoutes(router, cfg.JWT.Secret, mediaService, api.MediaHandlerOptions{
		MaxDirectBytes: cfg.Upload.MaxDirectSizeBytes,
		MaxChunkBytes:  cfg.Upload.MaxChunkSizeBytes,
		Logger:         logger,
	}, registry)

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	stdlog.Printf("Server starting on %s", cfg.Server.Address)

	// --- Graceful Shutdown ---
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stdlog.Fatalf("FATAL: ListenAndServe Error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	stdlog.Println("Shutting down server...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		stdlog.Printf("ERROR: Server forced to shutdown: %v", err)
	}
	if err := sched.Stop(ctxShutdown); err != nil {
		stdlog.Printf("ERROR: Scheduler did not stop cleanly: %v", err)
	}
	// Work left behind is picked up by the next reconcile pass.
	if err := mediaQueue.Close(ctxShutdown); err != nil {
		stdlog.Printf("ERROR: Media queue did not drain: %v", err)
	}
	if err := mirrorQueue.Close(ctxShutdown); err != nil {
		stdlog.Printf("ERROR: Mirror queue did not drain: %v", err)
	}

	stdlog.Println("Server exiting.")
}
