package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aaquiib/disease-2.0/internal/auth"
	"github.com/aaquiib/disease-2.0/internal/imageprocessor"
	"github.com/aaquiib/disease-2.0/internal/repository"
	"github.com/aaquiib/disease-2.0/internal/usecase"
)

const (
	// MaxUploadSize bounds the uploaded image, in bytes.
	MaxUploadSize = 10 << 20
	// UploadField is the multipart field carrying the image.
	UploadField = "file"
	// RequestIDHeader carries the id a prediction was logged under.
	RequestIDHeader = "X-Request-ID"

	// multipart framing allowance on top of MaxUploadSize
	formOverhead = 64 << 10
)

// Client-facing messages. Internal error text never reaches the response.
const (
	msgAlive          = "Hello, I am alive"
	msgInvalidImage   = "Failed to read image file"
	msgPredictFailed  = "Failed to make prediction"
	msgMissingFile    = "file is required"
	msgTooLarge       = "file too large"
	msgResultNotFound = "result not found"
)

// PredictionService is the subset of the use case the HTTP layer needs.
type PredictionService interface {
	Predict(ctx context.Context, imageBytes []byte) (string, usecase.Classification, error)
	GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. guard, when not
// nil, protects the prediction routes.
func RegisterRoutes(router *gin.Engine, svc PredictionService, logger *zap.Logger, guard gin.HandlerFunc) {
	h := &handler{svc: svc, logger: logger.Named("http")}

	router.GET("/ping", h.ping)

	protected := router.Group("/")
	if guard != nil {
		protected.Use(guard)
	}
	protected.POST("/predict", h.predict)
	protected.GET("/predictions/:id", h.result)
}

type handler struct {
	svc    PredictionService
	logger *zap.Logger
}

func (h *handler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": msgAlive})
}

func (h *handler) predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)

	file, err := c.FormFile(UploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Info("rejected oversized upload", zap.Int64("limit_bytes", tooLarge.Limit))
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": msgTooLarge})
			return
		}
		h.logger.Info("rejected upload without file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"detail": msgMissingFile})
		return
	}
	if file.Size > MaxUploadSize {
		h.logger.Info("rejected oversized upload",
			zap.Int64("size_bytes", file.Size),
			zap.Int64("limit_bytes", MaxUploadSize),
			zap.String("filename", file.Filename))
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": msgTooLarge})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Warn("unable to open upload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"detail": msgInvalidImage})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		h.logger.Warn("failed to read upload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"detail": msgInvalidImage})
		return
	}

	if subject, ok := auth.GetSubject(c.Request.Context()); ok {
		h.logger.Debug("prediction requested", zap.String("subject", subject), zap.String("filename", file.Filename))
	}

	requestID, result, err := h.svc.Predict(c.Request.Context(), data)
	if requestID != "" {
		c.Header(RequestIDHeader, requestID)
	}
	if err != nil {
		status, msg := statusFor(err)
		c.JSON(status, gin.H{"detail": msg})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) result(c *gin.Context) {
	log, err := h.svc.GetResult(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": msgResultNotFound})
		return
	}
	if err != nil {
		h.logger.Error("failed to load prediction", zap.Error(err), zap.String("request_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"detail": msgPredictFailed})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": log.RequestID,
		"class":      log.Class,
		"confidence": log.Confidence,
		"cache_hit":  log.CacheHit,
		"latency_ms": log.LatencyMs,
		"created_at": log.CreatedAt,
	})
}

// statusFor maps a use case error to the status code and generic message
// returned to the client. Anything that is not the client's fault is a 500.
func statusFor(err error) (int, string) {
	if errors.Is(err, imageprocessor.ErrInvalidImage) {
		return http.StatusBadRequest, msgInvalidImage
	}
	return http.StatusInternalServerError, msgPredictFailed
}
