package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/densfw/internal/config"
	"github.com/Brownie44l1/densfw/internal/handlers"
	"github.com/Brownie44l1/densfw/internal/history"
	"github.com/Brownie44l1/densfw/internal/model"
	"github.com/Brownie44l1/densfw/internal/photos"
	"github.com/Brownie44l1/densfw/internal/scan"
	"github.com/Brownie44l1/densfw/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	meta, err := model.LoadMetadata(cfg.MetadataPath)
	if err != nil {
		log.Fatalf("Failed to load model metadata: %v", err)
	}
	if cfg.DominanceRatio > 0 {
		meta.DominanceRatio = cfg.DominanceRatio
	}

	log.Printf("Loading model from: %s", cfg.ModelPath)
	modelServer := model.NewServer(model.Options{
		ModelPath:   cfg.ModelPath,
		LibraryPath: cfg.ORTLibraryPath,
		Threads:     cfg.ORTThreads,
	}, meta)
	defer modelServer.Close()

	repo, err := history.Open(cfg.HistoryDB)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}
	defer repo.Close()

	library, err := photos.NewLibrary(cfg.PhotoDir)
	if err != nil {
		log.Fatalf("Failed to open photo library: %v", err)
	}

	secure, err := vault.New(cfg.VaultDir, repo)
	if err != nil {
		log.Fatalf("Failed to open secure folder: %v", err)
	}

	classifier := model.NewClassifier(meta, modelServer)
	results := scan.NewResultStore(library, secure)
	events := scan.NewBroadcaster()
	scanner := scan.NewOrchestrator(library, classifier, results, scan.Config{
		PreviewSize:   cfg.PreviewSize,
		ThumbnailSize: cfg.ThumbnailSize,
	}, events, history.NewRecorder(repo))

	handler := handlers.NewHandler(handlers.Deps{
		Model:      modelServer,
		Metadata:   meta,
		Classifier: classifier,
		Scanner:    scanner,
		Results:    results,
		Events:     events,
		History:    repo,
		Vault:      secure,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-modelServer.Ready()
		if err := modelServer.Err(); err != nil {
			log.Printf("Model unavailable, scans will report every photo as safe: %v", err)
			return
		}
		log.Printf("Model loaded: %s", cfg.ModelPath)
		log.Printf("Classes: %v", meta.Classes)
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	log.Printf("Photo library: %s", cfg.PhotoDir)
	log.Printf("Secure folder: %s", secure.Path())
	log.Println("Endpoints:")
	log.Println("  GET  /health          - Health check and model state")
	log.Println("  POST /predict         - Raw tensor prediction")
	log.Println("  POST /predict/image   - Predict from image upload")
	log.Println("  POST /scan            - Start a library scan (GET status, DELETE cancel)")
	log.Println("  GET  /scan/events     - Scan progress stream")
	log.Println("  GET  /results         - Flagged photos")
	log.Println("  POST /results/move    - Move selected photos to the secure folder")
	log.Println("  POST /results/delete  - Delete selected photos")
	log.Println("  GET  /history         - Past scans")
	log.Println("  GET  /vault           - Secure folder contents")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	if err := scanner.Cancel(); err == nil {
		log.Println("Cancelled running scan")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := scanner.Wait(shutdownCtx); err != nil {
		log.Printf("Scan worker did not stop: %v", err)
	}
}
