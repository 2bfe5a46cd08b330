package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"cloudscore/db"
	api "cloudscore/http"
	"cloudscore/logging"
	"cloudscore/ml"
	"cloudscore/monitoring"
)

type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"http"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Model struct {
		Path      string  `yaml:"path"`
		Version   string  `yaml:"version"`
		Trees     int     `yaml:"trees"`
		MaxDepth  int     `yaml:"max_depth"`
		TestRatio float64 `yaml:"test_ratio"`
		Seed      int64   `yaml:"seed"`
		Dataset   struct {
			Samples     int `yaml:"samples"`
			Features    int `yaml:"features"`
			Informative int `yaml:"informative"`
			Redundant   int `yaml:"redundant"`
			Classes     int `yaml:"classes"`
		} `yaml:"dataset"`
	} `yaml:"model"`
	Monitoring struct {
		RecentEvents int           `yaml:"recent_events"`
		FeedInterval time.Duration `yaml:"feed_interval"`
	} `yaml:"monitoring"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

func main() {
	// 1. Load config
	config, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyEnvOverrides(config)

	logger, err := logging.New(logging.Config{
		Level:      config.Log.Level,
		File:       config.Log.File,
		MaxSizeMB:  config.Log.MaxSizeMB,
		MaxBackups: config.Log.MaxBackups,
		MaxAgeDays: config.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Open the history store
	history, err := db.Open(config.Database.Path)
	if err != nil {
		logger.Fatal("failed to open history store", zap.Error(err))
	}
	defer history.Close()
	logger.Info("history store ready", zap.String("path", config.Database.Path))

	// 3. Monitoring: counters, websocket hub, periodic status feed
	collector, err := monitoring.NewCollector(config.Monitoring.RecentEvents)
	if err != nil {
		logger.Fatal("failed to build collector", zap.Error(err))
	}
	hub := monitoring.NewHub(logger)
	go hub.Start()
	feed := monitoring.NewFeed(hub, collector, config.Monitoring.FeedInterval, logger)
	go feed.Run(ctx)

	// 4. Model handle; load or boot-train in the background so the
	// server accepts probes immediately
	handle := ml.NewHandle(ml.HandleConfig{
		ArtifactPath: config.Model.Path,
		Version:      config.Model.Version,
		Dataset: ml.DatasetConfig{
			Samples:     config.Model.Dataset.Samples,
			Features:    config.Model.Dataset.Features,
			Informative: config.Model.Dataset.Informative,
			Redundant:   config.Model.Dataset.Redundant,
			Classes:     config.Model.Dataset.Classes,
			Seed:        config.Model.Seed,
		},
		Forest: ml.ForestConfig{
			Trees:    config.Model.Trees,
			MaxDepth: config.Model.MaxDepth,
			Seed:     config.Model.Seed,
		},
		TestRatio: config.Model.TestRatio,
	}, logger)
	go func() {
		if err := handle.Load(); err != nil {
			logger.Error("initial model load failed", zap.Error(err))
		}
	}()
	if err := ml.WatchArtifact(ctx, handle, logger); err != nil {
		logger.Warn("artifact watcher unavailable", zap.Error(err))
	}

	// 5. Start HTTP server
	handlers := api.NewHandlers(handle, history, collector, feed, hub, logger)
	server := api.NewServer(api.ServerConfig{
		Port:           config.Http.Port,
		Timeout:        config.Http.Timeout,
		MaxBodyBytes:   config.Http.MaxBodyBytes,
		AllowedOrigins: config.Http.AllowedOrigins,
	}, handlers, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 6. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	hub.Stop()
	cancel()
	logger.Info("exiting")
}

// loadConfig reads config.yaml over built-in defaults. A missing file
// is fine; the service boots on defaults alone.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfig() *Config {
	config := &Config{}
	config.Http.Port = 8080
	config.Http.Timeout = 30 * time.Second
	config.Http.MaxBodyBytes = 1 << 20
	config.Http.AllowedOrigins = []string{"*"}
	config.Database.Path = "data/history.db"
	config.Model.Path = "models/forest.json"
	config.Model.Version = "1.0.0"
	config.Model.Trees = 100
	config.Model.MaxDepth = 10
	config.Model.TestRatio = 0.2
	config.Model.Seed = 42
	config.Model.Dataset.Samples = 1000
	config.Model.Dataset.Features = 20
	config.Model.Dataset.Informative = 10
	config.Model.Dataset.Redundant = 10
	config.Model.Dataset.Classes = 2
	config.Monitoring.RecentEvents = 100
	config.Monitoring.FeedInterval = 5 * time.Second
	config.Log.Level = "info"
	return config
}

func applyEnvOverrides(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			config.Http.Port = parsed
		}
	}
	if path := os.Getenv("MODEL_PATH"); path != "" {
		config.Model.Path = path
	}
	if count := os.Getenv("FEATURE_COUNT"); count != "" {
		if parsed, err := strconv.Atoi(count); err == nil {
			config.Model.Dataset.Features = parsed
		}
	}
}
