//go:build !cgo

package embedding

import (
	"context"
	"fmt"
)

// ONNXAvailable reports whether this build links ONNX Runtime.
const ONNXAvailable = false

// ONNXEmbedder is unavailable without CGO (see onnx.go).
type ONNXEmbedder struct{}

// NewONNXEmbedder returns ErrUnavailable when built without CGO.
func NewONNXEmbedder(_, _ string, _, _ int) (*ONNXEmbedder, error) {
	return nil, fmt.Errorf("onnx: %w: build with CGO_ENABLED=1 and onnxruntime", ErrUnavailable)
}

func (e *ONNXEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (e *ONNXEmbedder) EmbedBatch(context.Context, []string, int) ([][]float32, error) {
	return nil, ErrUnavailable
}

func (e *ONNXEmbedder) Dimensions() int { return 0 }
func (e *ONNXEmbedder) Model() string   { return "" }
func (e *ONNXEmbedder) Kind() Kind      { return KindCPU }
func (e *ONNXEmbedder) Close() error    { return nil }
