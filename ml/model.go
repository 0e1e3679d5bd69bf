package ml

import (
	"fmt"
	"slices"
)

// Classifier is a fitted binary model. features must be ordered the way the
// model was trained.
type Classifier interface {
	Predict(features []float64) (bool, error)
}

// Closer is implemented by classifiers holding native resources.
type Closer interface {
	Close() error
}

// FeatureOrderer is implemented by classifiers that record the feature
// order they were trained on.
type FeatureOrderer interface {
	FeatureNames() []string
}

// FeatureOrderMismatch reports a model whose training order differs from
// the feature schema it would be served with.
type FeatureOrderMismatch struct {
	Model  []string
	Schema []string
}

func (e *FeatureOrderMismatch) Error() string {
	return fmt.Sprintf("model feature order %v does not match schema %v", e.Model, e.Schema)
}

// CheckFeatureOrder fails when c records a training order that differs from
// schema. Classifiers that record none are accepted.
func CheckFeatureOrder(c Classifier, schema FeatureSchema) error {
	orderer, ok := c.(FeatureOrderer)
	if !ok {
		return nil
	}
	names := orderer.FeatureNames()
	if len(names) == 0 {
		return nil
	}
	if !slices.Equal(names, schema.names) {
		return &FeatureOrderMismatch{Model: names, Schema: schema.Names()}
	}
	return nil
}

// Release frees c's native resources if it holds any.
func Release(c Classifier) error {
	if closer, ok := c.(Closer); ok {
		return closer.Close()
	}
	return nil
}
