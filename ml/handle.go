package ml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrModelNotLoaded is returned by Predict before any forest has been
// loaded or trained.
var ErrModelNotLoaded = errors.New("model not loaded")

type HandleConfig struct {
	ArtifactPath string
	Version      string
	Dataset      DatasetConfig
	Forest       ForestConfig
	TestRatio    float64
	SplitSeed    int64
}

func DefaultHandleConfig() HandleConfig {
	return HandleConfig{
		ArtifactPath: "models/forest.json",
		Version:      "1.0.0",
		Dataset:      DefaultDatasetConfig(),
		Forest:       DefaultForestConfig(),
		TestRatio:    0.2,
		SplitSeed:    42,
	}
}

// Prediction is the scoring result for a single feature row.
type Prediction struct {
	Label         int       `json:"prediction"`
	Probabilities []float64 `json:"probabilities"`
	ModelVersion  string    `json:"model_version"`
}

type TrainingResult struct {
	Metrics
	Samples      int           `json:"samples"`
	TrainSamples int           `json:"train_samples"`
	TestSamples  int           `json:"test_samples"`
	Trees        int           `json:"trees"`
	Duration     time.Duration `json:"-"`
	TrainedAt    time.Time     `json:"trained_at"`
}

// Handle owns the live forest. Requests read the forest pointer under
// a read lock; training builds a replacement off to the side and swaps
// the pointer under a brief write lock, so rows in flight finish
// against the forest they started with.
type Handle struct {
	config HandleConfig
	logger *zap.Logger

	mu     sync.RWMutex
	forest *RandomForest

	// serializes Train and ReloadFromDisk, never held while serving
	trainMu sync.Mutex
}

func NewHandle(config HandleConfig, logger *zap.Logger) *Handle {
	defaults := DefaultHandleConfig()
	if config.ArtifactPath == "" {
		config.ArtifactPath = defaults.ArtifactPath
	}
	if config.Version == "" {
		config.Version = defaults.Version
	}
	if config.Dataset.Samples <= 0 {
		config.Dataset = defaults.Dataset
	}
	if config.Forest.Trees <= 0 {
		config.Forest = defaults.Forest
	}
	if config.TestRatio <= 0 || config.TestRatio >= 1 {
		config.TestRatio = defaults.TestRatio
	}
	if config.SplitSeed == 0 {
		config.SplitSeed = defaults.SplitSeed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{config: config, logger: logger}
}

func (h *Handle) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.forest != nil
}

func (h *Handle) Version() string {
	return h.config.Version
}

func (h *Handle) FeatureCount() int {
	return h.config.Dataset.Features
}

func (h *Handle) ArtifactPath() string {
	return h.config.ArtifactPath
}

func (h *Handle) Predict(features []float64) (Prediction, error) {
	h.mu.RLock()
	forest := h.forest
	h.mu.RUnlock()
	if forest == nil {
		return Prediction{}, ErrModelNotLoaded
	}
	label, probabilities, err := forest.Predict(features)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{
		Label:         label,
		Probabilities: probabilities,
		ModelVersion:  h.config.Version,
	}, nil
}

// Load restores the forest from the artifact on disk, training a
// fresh one when the artifact is missing or unusable.
func (h *Handle) Load() error {
	forest := &RandomForest{}
	err := forest.Load(h.config.ArtifactPath)
	if err == nil && forest.FeatureCount() != h.config.Dataset.Features {
		err = fmt.Errorf("artifact has %d features, want %d", forest.FeatureCount(), h.config.Dataset.Features)
	}
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warn("model artifact unusable, retraining",
				zap.String("path", h.config.ArtifactPath),
				zap.Error(err))
		}
		_, trainErr := h.Train()
		return trainErr
	}

	h.mu.Lock()
	h.forest = forest
	h.mu.Unlock()
	h.logger.Info("model loaded",
		zap.String("path", h.config.ArtifactPath),
		zap.Int("trees", forest.TreeCount()))
	return nil
}

// Train builds a forest on a fresh synthetic dataset, persists it, and
// swaps it in. The previous forest keeps serving until the swap.
func (h *Handle) Train() (TrainingResult, error) {
	h.trainMu.Lock()
	defer h.trainMu.Unlock()

	start := time.Now()
	features, labels, err := SynthesizeClassification(h.config.Dataset)
	if err != nil {
		return TrainingResult{}, err
	}
	trainX, trainY, testX, testY := SplitDataset(features, labels, h.config.TestRatio, h.config.SplitSeed)

	forest := &RandomForest{}
	if err := forest.Train(trainX, trainY, h.config.Forest); err != nil {
		return TrainingResult{}, err
	}
	metrics := Evaluate(forest, testX, testY)

	if err := os.MkdirAll(filepath.Dir(h.config.ArtifactPath), 0o755); err != nil {
		return TrainingResult{}, err
	}
	if err := forest.Save(h.config.ArtifactPath); err != nil {
		return TrainingResult{}, err
	}

	h.mu.Lock()
	h.forest = forest
	h.mu.Unlock()

	result := TrainingResult{
		Metrics:      metrics,
		Samples:      len(features),
		TrainSamples: len(trainX),
		TestSamples:  len(testX),
		Trees:        forest.TreeCount(),
		Duration:     time.Since(start),
		TrainedAt:    time.Now().UTC(),
	}
	h.logger.Info("model trained",
		zap.Float64("accuracy", metrics.Accuracy),
		zap.Int("trees", result.Trees),
		zap.Int("samples", result.Samples),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// ReloadFromDisk replaces the live forest with the artifact currently
// on disk.
func (h *Handle) ReloadFromDisk() error {
	h.trainMu.Lock()
	defer h.trainMu.Unlock()

	forest := &RandomForest{}
	if err := forest.Load(h.config.ArtifactPath); err != nil {
		return err
	}
	if forest.FeatureCount() != h.config.Dataset.Features {
		return fmt.Errorf("artifact has %d features, want %d", forest.FeatureCount(), h.config.Dataset.Features)
	}

	h.mu.Lock()
	h.forest = forest
	h.mu.Unlock()
	return nil
}
