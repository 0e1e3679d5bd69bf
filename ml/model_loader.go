package ml

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DecodeArtifact builds a Classifier from artifact bytes. The format is
// chosen by the file name's extension: ".onnx" for ONNX, anything else is
// read as a JSON decision tree pipeline.
func DecodeArtifact(name string, data []byte) (Classifier, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("artifact %s is empty", name)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".onnx":
		c, err := NewONNXClassifier(data)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		p, err := decodePipeline(data)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// LoadArtifact reads and decodes a local model artifact.
func LoadArtifact(path string) (Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeArtifact(path, data)
}
