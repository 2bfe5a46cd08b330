package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
)

type ForestConfig struct {
	Trees    int
	MaxDepth int
	Seed     int64
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:    100,
		MaxDepth: 10,
		Seed:     42,
	}
}

type RandomForest struct {
	featureCount int
	classes      []int
	trees        []DecisionTree
}

// forestFile is the on-disk artifact layout.
type forestFile struct {
	FeatureCount int          `json:"feature_count"`
	Classes      []int        `json:"classes"`
	Trees        [][]TreeNode `json:"trees"`
}

func (rf *RandomForest) Train(features [][]float64, labels []int, config ForestConfig) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	featureCount := len(features[0])
	for _, row := range features {
		if len(row) != featureCount {
			return errors.New("ragged feature matrix")
		}
	}
	if config.Trees <= 0 {
		config.Trees = 100
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 10
	}

	classes := uniqueClasses(labels)
	classIndex := make(map[int]int, len(classes))
	for i, class := range classes {
		classIndex[class] = i
	}
	mtry := int(math.Sqrt(float64(featureCount)))
	if mtry < 1 {
		mtry = 1
	}

	trees := make([]DecisionTree, config.Trees)
	for i := range trees {
		// one rng per tree keeps training reproducible for a given seed
		rng := rand.New(rand.NewSource(config.Seed + int64(i)))
		sampleX, sampleY := bootstrapSample(features, labels, rng)
		trees[i].nodes = buildNodes(sampleX, sampleY, 0, splitConfig{
			maxDepth:   config.MaxDepth,
			mtry:       mtry,
			nClasses:   len(classes),
			classIndex: classIndex,
			rng:        rng,
		})
	}

	rf.featureCount = featureCount
	rf.classes = classes
	rf.trees = trees
	return nil
}

func (rf *RandomForest) Predict(features []float64) (int, []float64, error) {
	if len(rf.trees) == 0 {
		return 0, nil, errors.New("forest not trained")
	}
	if len(features) != rf.featureCount {
		return 0, nil, fmt.Errorf("expected %d features, got %d", rf.featureCount, len(features))
	}

	probabilities := make([]float64, len(rf.classes))
	for i := range rf.trees {
		dist, err := rf.trees[i].predictDist(features)
		if err != nil {
			return 0, nil, err
		}
		if len(dist) != len(probabilities) {
			return 0, nil, errors.New("invalid tree state")
		}
		for j, p := range dist {
			probabilities[j] += p
		}
	}
	for j := range probabilities {
		probabilities[j] /= float64(len(rf.trees))
	}

	best := 0
	for j := 1; j < len(probabilities); j++ {
		if probabilities[j] > probabilities[best] {
			best = j
		}
	}
	return rf.classes[best], probabilities, nil
}

func (rf *RandomForest) FeatureCount() int {
	return rf.featureCount
}

func (rf *RandomForest) Classes() []int {
	return append([]int(nil), rf.classes...)
}

func (rf *RandomForest) TreeCount() int {
	return len(rf.trees)
}

func (rf *RandomForest) Save(path string) error {
	if len(rf.trees) == 0 {
		return errors.New("forest not trained")
	}
	doc := forestFile{
		FeatureCount: rf.featureCount,
		Classes:      rf.classes,
		Trees:        make([][]TreeNode, len(rf.trees)),
	}
	for i := range rf.trees {
		doc.Trees[i] = rf.trees[i].nodes
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (rf *RandomForest) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc forestFile
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	if doc.FeatureCount <= 0 || len(doc.Classes) == 0 || len(doc.Trees) == 0 {
		return errors.New("invalid model file")
	}
	trees := make([]DecisionTree, len(doc.Trees))
	for i, nodes := range doc.Trees {
		if len(nodes) == 0 {
			return errors.New("invalid model file")
		}
		trees[i] = DecisionTree{nodes: nodes}
	}
	rf.featureCount = doc.FeatureCount
	rf.classes = doc.Classes
	rf.trees = trees
	return nil
}

func uniqueClasses(labels []int) []int {
	seen := make(map[int]bool)
	classes := make([]int, 0)
	for _, label := range labels {
		if !seen[label] {
			seen[label] = true
			classes = append(classes, label)
		}
	}
	sort.Ints(classes)
	return classes
}

func bootstrapSample(features [][]float64, labels []int, rng *rand.Rand) ([][]float64, []int) {
	n := len(features)
	sampleX := make([][]float64, n)
	sampleY := make([]int, n)
	for i := 0; i < n; i++ {
		idx := rng.Intn(n)
		sampleX[i] = features[idx]
		sampleY[i] = labels[idx]
	}
	return sampleX, sampleY
}
