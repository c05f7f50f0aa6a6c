package usecase

import "time"

// Recorder receives prediction outcomes for monitoring.
type Recorder interface {
	ObservePrediction(class string, cacheHit bool, elapsed time.Duration)
	ObserveFailure(kind string)
}

// Failure kinds reported to the Recorder.
const (
	FailureInvalidImage = "invalid_image"
	FailurePrediction   = "prediction"
)

type noRecorder struct{}

func (noRecorder) ObservePrediction(string, bool, time.Duration) {}
func (noRecorder) ObserveFailure(string)                         {}
