package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aaquiib/disease-2.0/internal/auth"
	"github.com/aaquiib/disease-2.0/internal/imageprocessor"
	"github.com/aaquiib/disease-2.0/internal/logging"
	"github.com/aaquiib/disease-2.0/internal/predictor"
	"github.com/aaquiib/disease-2.0/internal/repository"
)

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
}

// Config is the immutable model contract shared by every request.
type Config struct {
	// Labels maps output positions to class names.
	Labels []string
	// OutputName selects the model output holding class scores.
	OutputName string
	// PredictTimeout bounds waiting for and running the model. Zero disables it.
	PredictTimeout time.Duration
	// CacheTTL is how long a cached prediction stays valid.
	CacheTTL time.Duration
}

// Option customizes a PredictionUseCase.
type Option func(*PredictionUseCase)

// WithCache enables result caching keyed by image content.
func WithCache(c Cache) Option {
	return func(uc *PredictionUseCase) { uc.cache = c }
}

// WithRepository enables prediction history.
func WithRepository(r PredictionRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = r }
}

// WithRecorder reports outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(uc *PredictionUseCase) { uc.recorder = r }
}

// PredictionUseCase runs the decode, predict and format pipeline for one upload.
type PredictionUseCase struct {
	predictor      predictor.Predictor
	labels         []string
	outputName     string
	predictTimeout time.Duration
	cacheTTL       time.Duration
	cache          Cache
	repo           PredictionRepository
	recorder       Recorder
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedPrediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(p predictor.Predictor, cfg Config, logger *zap.Logger, opts ...Option) (*PredictionUseCase, error) {
	if p == nil {
		return nil, errors.New("predictor is required")
	}
	if len(cfg.Labels) == 0 {
		return nil, errors.New("at least one class label is required")
	}
	if cfg.OutputName == "" {
		return nil, errors.New("model output name is required")
	}

	labels := make([]string, len(cfg.Labels))
	copy(labels, cfg.Labels)

	uc := &PredictionUseCase{
		predictor:      p,
		labels:         labels,
		outputName:     cfg.OutputName,
		predictTimeout: cfg.PredictTimeout,
		cacheTTL:       cfg.CacheTTL,
		cache:          noCache{},
		repo:           noRepository{},
		recorder:       noRecorder{},
		logger:         logger.Named("prediction_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.cacheTTL <= 0 {
		uc.cacheTTL = 10 * time.Minute
	}
	return uc, nil
}

// Predict classifies imageBytes. Errors wrap imageprocessor.ErrInvalidImage
// when the upload is not a usable image and predictor.ErrPredictionFailure
// when the model could not produce a result.
func (uc *PredictionUseCase) Predict(ctx context.Context, imageBytes []byte) (string, Classification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	start := time.Now()

	tensor, err := imageprocessor.Decode(imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.decode_image", requestID, err)
		opLogger.Warn("failed to read image", zap.Error(wrapped), zap.Int("bytes", len(imageBytes)))
		uc.recorder.ObserveFailure(FailureInvalidImage)
		return requestID, Classification{}, wrapped
	}

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])
	cacheKey := fmt.Sprintf("prediction:%s", hashHex)

	result, cacheHit := uc.lookup(ctx, requestID, cacheKey)
	if !cacheHit {
		result, err = uc.run(ctx, opLogger, tensor)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.run_model", requestID, err)
			opLogger.Error("prediction failed", zap.Error(wrapped))
			uc.recorder.ObserveFailure(FailurePrediction)
			return requestID, Classification{}, wrapped
		}
		uc.store(ctx, requestID, cacheKey, result)
	}

	elapsed := time.Since(start)
	uc.recorder.ObservePrediction(result.Class, cacheHit, elapsed)
	opLogger.Info("prediction served",
		zap.String("class", result.Class),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("cache_hit", cacheHit),
		zap.Duration("elapsed", elapsed))

	subject, _ := auth.GetSubject(ctx)
	log := &repository.PredictionLog{
		RequestID:  requestID,
		Subject:    subject,
		Class:      result.Class,
		Confidence: result.Confidence,
		ImageSHA1:  hashHex,
		CacheHit:   cacheHit,
		LatencyMs:  float64(elapsed.Microseconds()) / 1000,
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist prediction log", zap.Error(err))
	}

	return requestID, result, nil
}

// GetResult returns the stored prediction for requestID. An authenticated
// caller only sees predictions recorded under its own subject.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if subject, ok := auth.GetSubject(ctx); ok && log.Subject != subject {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Info("prediction owned by another subject",
			zap.String("subject", subject))
		return nil, repository.ErrNotFound
	}
	return log, nil
}

// Labels returns a copy of the class label set.
func (uc *PredictionUseCase) Labels() []string {
	out := make([]string, len(uc.labels))
	copy(out, uc.labels)
	return out
}

func (uc *PredictionUseCase) run(ctx context.Context, logger *zap.Logger, tensor *imageprocessor.Tensor) (Classification, error) {
	if uc.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.predictTimeout)
		defer cancel()
	}

	outputs, err := uc.predictor.Predict(ctx, predictor.NewBatch(tensor))
	if err != nil {
		if !errors.Is(err, predictor.ErrPredictionFailure) {
			err = fmt.Errorf("%w: %v", predictor.ErrPredictionFailure, err)
		}
		return Classification{}, err
	}

	scores, err := predictor.Select(outputs, uc.outputName)
	if err != nil {
		return Classification{}, err
	}
	logger.Debug("raw predictions", zap.String("output", uc.outputName), zap.Float32s("scores", scores))
	return Classify(scores, uc.labels)
}

func (uc *PredictionUseCase) lookup(ctx context.Context, requestID, cacheKey string) (Classification, bool) {
	var cached string
	err := uc.withCacheRetry(ctx, requestID, "cache.get.prediction", func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.lookup", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return Classification{}, false
	}

	var payload cachedPrediction
	if err := json.Unmarshal([]byte(cached), &payload); err != nil {
		logging.WithOperation(uc.logger, "usecase.lookup", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		return Classification{}, false
	}
	return Classification{Class: payload.Class, Confidence: payload.Confidence}, true
}

func (uc *PredictionUseCase) store(ctx context.Context, requestID, cacheKey string, result Classification) {
	serialized, err := json.Marshal(cachedPrediction{Class: result.Class, Confidence: result.Confidence})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.store", requestID).Warn("failed to serialize prediction", zap.Error(err))
		return
	}
	if err := uc.withCacheRetry(ctx, requestID, "cache.set.prediction", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "usecase.store", requestID).Warn("failed to cache prediction", zap.Error(err))
	}
}

type noRepository struct{}

func (noRepository) SaveLog(context.Context, *repository.PredictionLog) error { return nil }
func (noRepository) FindByRequestID(context.Context, string) (*repository.PredictionLog, error) {
	return nil, repository.ErrNotFound
}
