package predictor

import (
	"context"
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/aaquiib/disease-2.0/internal/imageprocessor"
)

// ErrModelContract is returned at load time when the model does not expose
// the configured entry point or output, or disagrees with the label set.
var ErrModelContract = errors.New("model contract mismatch")

// Options configures an ONNX backed predictor.
type Options struct {
	// ModelPath is the .onnx artifact on disk.
	ModelPath string
	// EntryPoint is the model input fed with the image batch.
	EntryPoint string
	// OutputName is the model output holding class scores.
	OutputName string
	// Layout is the input memory order.
	Layout Layout
	// NumClasses is the length of the class label set.
	NumClasses int
	// SharedLibraryPath points at libonnxruntime; empty uses the default lookup.
	SharedLibraryPath string
}

// ONNX runs a single ONNX Runtime session. The session binds one input and
// one output tensor, so calls are serialized.
type ONNX struct {
	session    *ort.AdvancedSession
	input      *ort.Tensor[float32]
	output     *ort.Tensor[float32]
	layout     Layout
	outputName string
	slot       slot
	logger     *zap.Logger
}

// NewONNX loads the model and verifies that its inputs and outputs match opts.
func NewONNX(opts Options, logger *zap.Logger) (*ONNX, error) {
	if opts.NumClasses <= 0 {
		return nil, fmt.Errorf("%w: no class labels configured", ErrModelContract)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}
	if opts.Layout == "" {
		opts.Layout = LayoutNHWC
	}

	if !ort.IsInitialized() {
		if opts.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(opts.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model: %w", err)
	}
	if err := checkContract(opts, inputs, outputs); err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(inputDims(opts.Layout)...)
	outputShape := ort.NewShape(1, int64(opts.NumClasses))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{opts.EntryPoint}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("path", opts.ModelPath),
		zap.String("entry_point", opts.EntryPoint),
		zap.String("output", opts.OutputName),
		zap.String("layout", string(opts.Layout)),
		zap.Int("classes", opts.NumClasses))

	return &ONNX{
		session:    session,
		input:      inputTensor,
		output:     outputTensor,
		layout:     opts.Layout,
		outputName: opts.OutputName,
		slot:       newSlot(),
		logger:     logger,
	}, nil
}

// Predict runs the model on a single-image batch.
func (o *ONNX) Predict(ctx context.Context, batch *Batch) (Outputs, error) {
	if len(batch.Tensors) != 1 {
		return nil, fmt.Errorf("%w: session is bound to batch size 1, got %d", ErrPredictionFailure, len(batch.Tensors))
	}
	scores, err := o.slot.run(ctx, func() ([]float32, error) {
		if err := batch.Flatten(o.layout, o.input.GetData()); err != nil {
			return nil, err
		}
		if err := o.session.Run(); err != nil {
			return nil, fmt.Errorf("%w: inference failed: %v", ErrPredictionFailure, err)
		}
		scores := make([]float32, len(o.output.GetData()))
		copy(scores, o.output.GetData())
		return scores, nil
	})
	if err != nil {
		return nil, err
	}
	return Outputs{o.outputName: scores}, nil
}

// Close releases the session, its tensors and the ONNX environment.
func (o *ONNX) Close() error {
	var errs []error
	if o.input != nil {
		errs = append(errs, o.input.Destroy())
	}
	if o.output != nil {
		errs = append(errs, o.output.Destroy())
	}
	if o.session != nil {
		errs = append(errs, o.session.Destroy())
	}
	errs = append(errs, ort.DestroyEnvironment())
	return errors.Join(errs...)
}

func inputDims(layout Layout) []int64 {
	if layout == LayoutNCHW {
		return []int64{1, imageprocessor.Channels, imageprocessor.Size, imageprocessor.Size}
	}
	return []int64{1, imageprocessor.Size, imageprocessor.Size, imageprocessor.Channels}
}

func checkContract(opts Options, inputs, outputs []ort.InputOutputInfo) error {
	in, ok := findInfo(inputs, opts.EntryPoint)
	if !ok {
		return fmt.Errorf("%w: entry point %q not among inputs %v", ErrModelContract, opts.EntryPoint, infoNames(inputs))
	}
	out, ok := findInfo(outputs, opts.OutputName)
	if !ok {
		return fmt.Errorf("%w: output %q not among outputs %v", ErrModelContract, opts.OutputName, infoNames(outputs))
	}
	if err := matchDims(in.Dimensions, inputDims(opts.Layout)); err != nil {
		return fmt.Errorf("%w: input %q: %v", ErrModelContract, opts.EntryPoint, err)
	}
	if n := len(out.Dimensions); n > 0 {
		if classes := out.Dimensions[n-1]; classes > 0 && classes != int64(opts.NumClasses) {
			return fmt.Errorf("%w: output %q has %d classes, %d labels configured", ErrModelContract, opts.OutputName, classes, opts.NumClasses)
		}
	}
	return nil
}

// matchDims compares a model shape with the expected one. Dynamic
// dimensions (<= 0) match anything.
func matchDims(got ort.Shape, want []int64) error {
	if len(got) == 0 {
		return nil
	}
	if len(got) != len(want) {
		return fmt.Errorf("rank %d, expected %d", len(got), len(want))
	}
	for i, d := range got {
		if d > 0 && d != want[i] {
			return fmt.Errorf("shape %v, expected %v", got, want)
		}
	}
	return nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

func infoNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}
