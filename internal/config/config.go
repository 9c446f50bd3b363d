package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	ModelPath      string
	MetadataPath   string
	ORTLibraryPath string
	ORTThreads     int
	PhotoDir       string
	VaultDir       string
	HistoryDB      string
	PreviewSize    int
	ThumbnailSize  int

	// DominanceRatio overrides the model metadata when non-zero.
	DominanceRatio float32
}

func Load() (*Config, error) {
	// Missing .env is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		ModelPath:      getEnv("MODEL_PATH", "models/vision.onnx"),
		MetadataPath:   getEnv("METADATA_PATH", "models/model_metadata.json"),
		ORTLibraryPath: os.Getenv("ORT_LIBRARY_PATH"),
		PhotoDir:       getEnv("PHOTO_DIR", "./photos"),
		VaultDir:       getEnv("VAULT_DIR", "./SecureFolder"),
		HistoryDB:      getEnv("HISTORY_DB", "./densfw.db"),
	}

	var err error
	if cfg.ORTThreads, err = getInt("ORT_THREADS", 3); err != nil {
		return nil, err
	}
	if cfg.PreviewSize, err = getInt("PREVIEW_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.ThumbnailSize, err = getInt("THUMBNAIL_SIZE", 300); err != nil {
		return nil, err
	}

	if v := os.Getenv("DOMINANCE_RATIO"); v != "" {
		ratio, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, fmt.Errorf("config: DOMINANCE_RATIO: %w", err)
		}
		if ratio <= 0 || ratio > 1 {
			return nil, fmt.Errorf("config: DOMINANCE_RATIO %v must be in (0,1]", ratio)
		}
		cfg.DominanceRatio = float32(ratio)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, n)
	}
	return n, nil
}
