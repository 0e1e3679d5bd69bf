package ml

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const FormatONNX = "onnx"

// ortEnv holds the process-wide ONNX Runtime initialization.
var ortEnv struct {
	mu      sync.Mutex
	libPath string
	done    bool
	err     error
}

// SetONNXLibraryPath sets the onnxruntime shared library used the first time
// an ONNX artifact is decoded. Later calls have no effect once initialized.
func SetONNXLibraryPath(path string) {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()
	if !ortEnv.done {
		ortEnv.libPath = path
	}
}

func initORT() error {
	ortEnv.mu.Lock()
	defer ortEnv.mu.Unlock()
	if ortEnv.done {
		return ortEnv.err
	}
	if ortEnv.libPath == "" {
		return errors.New("onnx: runtime library path not configured")
	}
	ort.SetSharedLibraryPath(ortEnv.libPath)
	ortEnv.err = ort.InitializeEnvironment()
	ortEnv.done = true
	return ortEnv.err
}

// ONNXClassifier runs a classifier exported to ONNX whose first input is a
// float tensor [batch, features] and whose first output is the int64 label.
type ONNXClassifier struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	width      int64
}

func NewONNXClassifier(model []byte) (*ONNXClassifier, error) {
	if err := initORT(); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("onnx: model needs at least one input and one output")
	}
	in := inputs[0]
	if len(in.Dimensions) != 2 || in.Dimensions[1] <= 0 {
		return nil, fmt.Errorf("onnx: expected input shape [batch, features], got %v", in.Dimensions)
	}
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("onnx: expected float input, got %v", in.DataType)
	}
	out := outputs[0]
	if out.DataType != ort.TensorElementDataTypeInt64 {
		return nil, fmt.Errorf("onnx: expected int64 label output, got %v", out.DataType)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(1)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(model, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}
	return &ONNXClassifier{
		session:    session,
		inputName:  in.Name,
		outputName: out.Name,
		width:      in.Dimensions[1],
	}, nil
}

func (c *ONNXClassifier) Predict(features []float64) (bool, error) {
	if int64(len(features)) != c.width {
		return false, fmt.Errorf("onnx: expected %d features, got %d", c.width, len(features))
	}
	data := make([]float32, len(features))
	for i, v := range features {
		data[i] = float32(v)
	}

	input, err := ort.NewTensor(ort.NewShape(1, c.width), data)
	if err != nil {
		return false, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[int64](ort.NewShape(1))
	if err != nil {
		return false, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := c.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return false, fmt.Errorf("onnx: inference failed: %w", err)
	}
	labels := output.GetData()
	if len(labels) != 1 {
		return false, fmt.Errorf("onnx: expected one label, got %d", len(labels))
	}
	return labels[0] == 1, nil
}

func (c *ONNXClassifier) Close() error {
	return c.session.Destroy()
}
