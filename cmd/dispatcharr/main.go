package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/EmeraldPi/Dispatcharr/internal/api"
	"github.com/EmeraldPi/Dispatcharr/internal/config"
	"github.com/EmeraldPi/Dispatcharr/internal/db"
	"github.com/EmeraldPi/Dispatcharr/internal/fingerprint"
	"github.com/EmeraldPi/Dispatcharr/internal/jobs"
	"github.com/EmeraldPi/Dispatcharr/internal/metadata"
	"github.com/EmeraldPi/Dispatcharr/internal/probe"
	"github.com/EmeraldPi/Dispatcharr/internal/repository"
	"github.com/EmeraldPi/Dispatcharr/internal/scheduler"
	"github.com/EmeraldPi/Dispatcharr/internal/watcher"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	log.Printf("Dispatcharr %s starting...", version)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	cfg.MergeFromDB(database.DB)

	libRepo := repository.NewLibraryRepository(database.DB)
	scanRepo := repository.NewScanRepository(database.DB)
	itemRepo := repository.NewItemRepository(database.DB)
	fileRepo := repository.NewFileRepository(database.DB)
	artworkRepo := repository.NewArtworkRepository(database.DB)

	queue := jobs.NewQueue(cfg.RedisAddr, cfg.ScanWorkers)
	coordinator := jobs.NewCoordinator(scanRepo, libRepo, queue)

	prober := probe.NewProber(cfg.FFprobePath, cfg.MediaInfoPath)
	fingerprinter := fingerprint.NewFingerprinter(cfg.FFmpegPath)

	var provider metadata.Provider
	if cfg.MetadataEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		provider = metadata.NewCache(metadata.NewTMDBProvider(cfg.TMDBAPIKey), redisClient)
	} else {
		log.Println("Metadata: no TMDB API key configured, enrichment disabled")
	}
	metaSvc := metadata.NewService(provider, itemRepo, artworkRepo)

	srv := api.NewServer(database.DB, cfg, coordinator, queue)

	jobs.RegisterHandlers(queue, coordinator, libRepo, scanRepo, itemRepo, fileRepo,
		prober, fingerprinter, metaSvc, srv.WSHub(), cfg)

	if err := queue.Start(context.Background()); err != nil {
		log.Fatalf("job queue failed to start: %v", err)
	}

	sched := scheduler.New(libRepo, scanRepo, coordinator, cfg)
	sched.Start()

	var fsWatcher *watcher.Watcher
	if cfg.WatcherEnabled {
		fsWatcher, err = watcher.New(libRepo, func(libraryID uuid.UUID) {
			active, err := scanRepo.HasActive(libraryID)
			if err != nil {
				log.Printf("Watcher: failed to check active scans for %s: %v", libraryID, err)
				return
			}
			if active {
				return
			}
			if _, err := coordinator.Enqueue(libraryID, nil, false, nil); err != nil {
				log.Printf("Watcher: failed to queue scan for library %s: %v", libraryID, err)
			}
		})
		if err != nil {
			log.Printf("Watcher: disabled: %v", err)
		} else {
			fsWatcher.Start()
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on :%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	if fsWatcher != nil {
		fsWatcher.Stop()
	}
	sched.Stop()
	queue.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}
