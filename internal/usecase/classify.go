package usecase

import (
	"fmt"
	"math"

	"github.com/aaquiib/disease-2.0/internal/predictor"
)

// Classification is the client-facing prediction result.
type Classification struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Classify picks the highest score and maps it to its label. Ties go to
// the lowest index. Confidence is the winning score as a percentage.
// A NaN or infinite score is a prediction failure.
func Classify(scores []float32, labels []string) (Classification, error) {
	if len(scores) == 0 {
		return Classification{}, fmt.Errorf("%w: empty prediction vector", predictor.ErrPredictionFailure)
	}
	if len(scores) != len(labels) {
		return Classification{}, fmt.Errorf("%w: %d scores for %d labels", predictor.ErrPredictionFailure, len(scores), len(labels))
	}

	best := 0
	for i, s := range scores {
		if v := float64(s); math.IsNaN(v) || math.IsInf(v, 0) {
			return Classification{}, fmt.Errorf("%w: non-finite score %v at index %d", predictor.ErrPredictionFailure, s, i)
		}
		if s > scores[best] {
			best = i
		}
	}
	return Classification{
		Class:      labels[best],
		Confidence: float64(scores[best]) * 100,
	}, nil
}
