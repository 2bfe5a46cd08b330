package ml

type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

// Evaluate scores the forest on held-out data. Precision and recall
// treat the highest class label as the positive class.
func Evaluate(rf *RandomForest, testX [][]float64, testY []int) Metrics {
	if len(testX) == 0 || len(rf.classes) == 0 {
		return Metrics{}
	}
	positive := rf.classes[len(rf.classes)-1]

	var correct int
	var truePositive int
	var predictedPositive int
	var actualPositive int

	for i, features := range testX {
		label, _, err := rf.Predict(features)
		if err != nil {
			continue
		}
		if label == testY[i] {
			correct++
		}
		if label == positive {
			predictedPositive++
		}
		if testY[i] == positive {
			actualPositive++
			if label == positive {
				truePositive++
			}
		}
	}

	metrics := Metrics{Accuracy: float64(correct) / float64(len(testX))}
	if predictedPositive > 0 {
		metrics.Precision = float64(truePositive) / float64(predictedPositive)
	}
	if actualPositive > 0 {
		metrics.Recall = float64(truePositive) / float64(actualPositive)
	}
	return metrics
}
