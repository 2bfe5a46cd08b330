package ml

import (
	"errors"
	"math"
	"math/rand"
)

type DatasetConfig struct {
	Samples     int
	Features    int
	Informative int
	Redundant   int
	Classes     int
	Seed        int64
}

func DefaultDatasetConfig() DatasetConfig {
	return DatasetConfig{
		Samples:     1000,
		Features:    20,
		Informative: 10,
		Redundant:   10,
		Classes:     2,
		Seed:        42,
	}
}

// SynthesizeClassification builds a labeled dataset with balanced
// classes. Informative features cluster around a per-class hypercube
// vertex, redundant features are linear blends of the informative
// ones, and any remaining features are noise.
func SynthesizeClassification(config DatasetConfig) ([][]float64, []int, error) {
	if config.Samples <= 0 {
		return nil, nil, errors.New("samples must be positive")
	}
	if config.Features <= 0 {
		return nil, nil, errors.New("features must be positive")
	}
	if config.Informative <= 0 || config.Informative > config.Features {
		return nil, nil, errors.New("informative must be between 1 and features")
	}
	if config.Redundant < 0 || config.Informative+config.Redundant > config.Features {
		return nil, nil, errors.New("informative plus redundant exceeds features")
	}
	if config.Classes < 2 {
		return nil, nil, errors.New("need at least two classes")
	}
	if config.Informative < 30 && config.Classes > 1<<uint(config.Informative) {
		return nil, nil, errors.New("too many classes for informative feature count")
	}

	rng := rand.New(rand.NewSource(config.Seed))
	centroids := classCentroids(rng, config.Classes, config.Informative)

	blend := make([][]float64, config.Redundant)
	for i := range blend {
		blend[i] = make([]float64, config.Informative)
		for j := range blend[i] {
			blend[i][j] = rng.NormFloat64()
		}
	}

	features := make([][]float64, config.Samples)
	labels := make([]int, config.Samples)
	for i := 0; i < config.Samples; i++ {
		label := i % config.Classes
		row := make([]float64, config.Features)
		informative := row[:config.Informative]
		for j := range informative {
			informative[j] = centroids[label][j] + rng.NormFloat64()
		}
		for j := 0; j < config.Redundant; j++ {
			var sum float64
			for k, w := range blend[j] {
				sum += w * informative[k]
			}
			row[config.Informative+j] = sum / math.Sqrt(float64(config.Informative))
		}
		for j := config.Informative + config.Redundant; j < config.Features; j++ {
			row[j] = rng.NormFloat64()
		}
		features[i] = row
		labels[i] = label
	}
	return features, labels, nil
}

// classCentroids picks a distinct vertex of {-1,+1}^informative per class.
func classCentroids(rng *rand.Rand, classes, informative int) [][]float64 {
	seen := make(map[string]bool)
	centroids := make([][]float64, classes)
	for c := range centroids {
		centroid := make([]float64, informative)
		for {
			key := make([]byte, informative)
			for j := range centroid {
				if rng.Intn(2) == 0 {
					centroid[j] = -1
					key[j] = '0'
				} else {
					centroid[j] = 1
					key[j] = '1'
				}
			}
			if !seen[string(key)] {
				seen[string(key)] = true
				break
			}
		}
		centroids[c] = centroid
	}
	return centroids
}

func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rng := rand.New(rand.NewSource(seed))
	indices := rng.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}
