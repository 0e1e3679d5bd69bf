package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const FormatDecisionTree = "decision_tree"

// Pipeline is the JSON model artifact: an optional scaler followed by a
// decision tree, both over Features in training order.
type Pipeline struct {
	Format   string          `json:"format"`
	Features []string        `json:"features"`
	Scaler   *StandardScaler `json:"scaler,omitempty"`
	Tree     *DecisionTree   `json:"tree"`
}

func (p *Pipeline) Predict(features []float64) (bool, error) {
	if p.Tree == nil {
		return false, errors.New("pipeline has no tree")
	}
	if len(p.Features) > 0 && len(features) != len(p.Features) {
		return false, fmt.Errorf("expected %d features, got %d", len(p.Features), len(features))
	}
	scaled, err := p.Scaler.Transform(features)
	if err != nil {
		return false, err
	}
	return p.Tree.Predict(scaled)
}

// FeatureNames returns the training order recorded in the artifact.
func (p *Pipeline) FeatureNames() []string {
	return append([]string(nil), p.Features...)
}

func (p *Pipeline) Validate() error {
	if p.Format != FormatDecisionTree {
		return fmt.Errorf("unsupported artifact format %q", p.Format)
	}
	if p.Tree == nil {
		return errors.New("artifact has no tree")
	}
	if err := p.Tree.Validate(); err != nil {
		return err
	}
	if err := p.Scaler.validate(); err != nil {
		return err
	}
	if len(p.Features) > 0 && p.Tree.MaxFeatureIndex() >= len(p.Features) {
		return fmt.Errorf("tree reads feature %d but artifact declares %d", p.Tree.MaxFeatureIndex(), len(p.Features))
	}
	return nil
}

func (p *Pipeline) Save(path string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func decodePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	return &p, nil
}
