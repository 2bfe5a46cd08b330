package main

import (
	"flag"
	"log"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"cloudscore/db"
	"cloudscore/logging"
	"cloudscore/ml"
)

func main() {
	modelPath := flag.String("model_path", "models/forest.json", "model artifact path")
	version := flag.String("version", "1.0.0", "model version tag")
	trees := flag.Int("trees", 100, "number of trees")
	maxDepth := flag.Int("max_depth", 10, "max tree depth")
	samples := flag.Int("samples", 1000, "synthetic samples to generate")
	features := flag.Int("features", 20, "features per sample")
	informative := flag.Int("informative", 10, "informative features")
	redundant := flag.Int("redundant", 10, "redundant features")
	classes := flag.Int("classes", 2, "number of classes")
	testRatio := flag.Float64("test_ratio", 0.2, "test split ratio")
	seed := flag.Int64("seed", 42, "random seed")
	historyPath := flag.String("db", "", "history database to record the run in (optional)")
	logLevel := flag.String("log_level", "info", "log level")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: *logLevel})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	handle := ml.NewHandle(ml.HandleConfig{
		ArtifactPath: *modelPath,
		Version:      *version,
		Dataset: ml.DatasetConfig{
			Samples:     *samples,
			Features:    *features,
			Informative: *informative,
			Redundant:   *redundant,
			Classes:     *classes,
			Seed:        *seed,
		},
		Forest: ml.ForestConfig{
			Trees:    *trees,
			MaxDepth: *maxDepth,
			Seed:     *seed,
		},
		TestRatio: *testRatio,
	}, logger)

	result, err := handle.Train()
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	if *historyPath != "" {
		recordRun(logger, *historyPath, *version, result)
	}

	printer := message.NewPrinter(language.English)
	printer.Printf("Trained %d trees on %d samples (%d train / %d test) in %v\n",
		result.Trees, result.Samples, result.TrainSamples, result.TestSamples, result.Duration.Round(time.Millisecond))
	printer.Printf("accuracy=%.4f precision=%.4f recall=%.4f\n",
		result.Accuracy, result.Precision, result.Recall)
	printer.Printf("Model saved to %s\n", *modelPath)
}

func recordRun(logger *zap.Logger, path, version string, result ml.TrainingResult) {
	history, err := db.Open(path)
	if err != nil {
		logger.Warn("failed to open history store", zap.Error(err))
		return
	}
	defer history.Close()

	run := db.TrainingRun{
		ModelVersion: version,
		Accuracy:     result.Accuracy,
		Precision:    result.Precision,
		Recall:       result.Recall,
		Samples:      result.Samples,
		DurationMS:   float64(result.Duration) / float64(time.Millisecond),
		Source:       "cli",
		TrainedAt:    result.TrainedAt,
	}
	if err := history.RecordTraining(run); err != nil {
		logger.Warn("failed to record training run", zap.Error(err))
	}
}
