// Package predictor wraps the pre-trained classification model. The model
// itself is opaque: it maps a batch of normalized images to named score
// vectors.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aaquiib/disease-2.0/internal/imageprocessor"
)

// ErrPredictionFailure marks any failure while invoking the model or
// interpreting its output.
var ErrPredictionFailure = errors.New("prediction failure")

// Predictor runs inference on a batch of images.
type Predictor interface {
	Predict(ctx context.Context, batch *Batch) (Outputs, error)
	Close() error
}

// Outputs holds the model outputs by name. Each vector is flattened across
// the batch.
type Outputs map[string][]float32

// Select returns the output named name. There is no fallback to another
// output.
func Select(outputs Outputs, name string) ([]float32, error) {
	scores, ok := outputs[name]
	if !ok {
		names := make([]string, 0, len(outputs))
		for k := range outputs {
			names = append(names, k)
		}
		return nil, fmt.Errorf("%w: output %q not produced (have %s)", ErrPredictionFailure, name, strings.Join(names, ","))
	}
	return scores, nil
}

// Layout is the memory order of the model input.
type Layout string

const (
	// LayoutNHWC is batch, height, width, channel (TensorFlow exports).
	LayoutNHWC Layout = "nhwc"
	// LayoutNCHW is batch, channel, height, width (PyTorch exports).
	LayoutNCHW Layout = "nchw"
)

// ParseLayout accepts "nhwc" or "nchw" in any case.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case LayoutNHWC, "":
		return LayoutNHWC, nil
	case LayoutNCHW:
		return LayoutNCHW, nil
	}
	return "", fmt.Errorf("unknown input layout %q", s)
}

// Batch is a set of equally shaped tensors fed to the model together.
type Batch struct {
	Tensors []*imageprocessor.Tensor
}

// NewBatch wraps tensors into a batch with a leading dimension of len(tensors).
func NewBatch(tensors ...*imageprocessor.Tensor) *Batch {
	return &Batch{Tensors: tensors}
}

// Shape returns the batch shape for the given layout.
func (b *Batch) Shape(layout Layout) ([]int64, error) {
	if len(b.Tensors) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrPredictionFailure)
	}
	first := b.Tensors[0]
	for i, t := range b.Tensors[1:] {
		if t.Height != first.Height || t.Width != first.Width || t.Channels != first.Channels {
			return nil, fmt.Errorf("%w: tensor %d shape differs from tensor 0", ErrPredictionFailure, i+1)
		}
	}
	n := int64(len(b.Tensors))
	h, w, c := int64(first.Height), int64(first.Width), int64(first.Channels)
	if layout == LayoutNCHW {
		return []int64{n, c, h, w}, nil
	}
	return []int64{n, h, w, c}, nil
}

// Flatten writes the batch into dst in the given layout. dst must hold
// exactly the number of elements described by Shape.
func (b *Batch) Flatten(layout Layout, dst []float32) error {
	shape, err := b.Shape(layout)
	if err != nil {
		return err
	}
	total := int64(1)
	for _, d := range shape {
		total *= d
	}
	if int64(len(dst)) != total {
		return fmt.Errorf("%w: input buffer holds %d values, batch needs %d", ErrPredictionFailure, len(dst), total)
	}

	offset := 0
	for _, t := range b.Tensors {
		size := len(t.Data)
		if layout != LayoutNCHW {
			copy(dst[offset:offset+size], t.Data)
			offset += size
			continue
		}
		plane := t.Height * t.Width
		for c := 0; c < t.Channels; c++ {
			out := dst[offset+c*plane : offset+(c+1)*plane]
			for p := 0; p < plane; p++ {
				out[p] = t.Data[p*t.Channels+c]
			}
		}
		offset += size
	}
	return nil
}
