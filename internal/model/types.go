package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultLabels is the class order of the bundled chest X-ray classifier.
var DefaultLabels = []string{"NORMAL", "PNEUMONIA", "COVID-19", "TUBERCULOSIS"}

// Metadata describes the exported graph. It is read from the JSON file that
// ships next to the .onnx artifact; every field is optional.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
	// Softmax is set when the graph emits logits rather than probabilities.
	Softmax bool `json:"softmax,omitempty"`
}

// DefaultMetadata describes a Keras-style NHWC classifier with one output per label.
func DefaultMetadata(labels []string, imageSize int) Metadata {
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	classes := make([]string, len(labels))
	copy(classes, labels)
	size := int64(imageSize)
	return Metadata{
		InputShape:  []int64{1, size, size, 3},
		OutputShape: []int64{1, int64(len(classes))},
		Classes:     classes,
		ImageSize:   imageSize,
		InputName:   "input",
		OutputName:  "output",
	}
}

// LoadMetadata reads path and fills anything it leaves out from fallback.
// An empty or missing path yields fallback unchanged.
func LoadMetadata(path string, fallback Metadata) (Metadata, error) {
	if path == "" {
		return fallback, fallback.Validate()
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fallback, fallback.Validate()
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if len(meta.Classes) == 0 {
		meta.Classes = fallback.Classes
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = fallback.ImageSize
	}
	if len(meta.InputShape) == 0 {
		s := int64(meta.ImageSize)
		meta.InputShape = []int64{1, s, s, 3}
	}
	if len(meta.OutputShape) == 0 {
		meta.OutputShape = []int64{1, int64(len(meta.Classes))}
	}
	if meta.InputName == "" {
		meta.InputName = fallback.InputName
	}
	if meta.OutputName == "" {
		meta.OutputName = fallback.OutputName
	}
	return meta, meta.Validate()
}

// ChannelsFirst reports whether the graph expects NCHW input.
func (m Metadata) ChannelsFirst() bool {
	return len(m.InputShape) == 4 && m.InputShape[1] == 3 && m.InputShape[3] != 3
}

func (m Metadata) InputSize() int {
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata has no classes")
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata image_size must be positive, got %d", m.ImageSize)
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input shape must be [1,H,W,3] or [1,3,H,W], got %v", m.InputShape)
	}
	size := int64(m.ImageSize)
	nhwc := m.InputShape[1] == size && m.InputShape[2] == size && m.InputShape[3] == 3
	nchw := m.InputShape[1] == 3 && m.InputShape[2] == size && m.InputShape[3] == size
	if !nhwc && !nchw {
		return fmt.Errorf("input shape %v does not match image_size %d", m.InputShape, m.ImageSize)
	}
	if len(m.OutputShape) == 0 || m.OutputShape[len(m.OutputShape)-1] != int64(len(m.Classes)) {
		return fmt.Errorf("output shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}
