package ml

import (
	"errors"
	"fmt"
	"math"
)

// StandardScaler centers and scales the columns at Indices to zero mean and
// unit variance. Other columns pass through.
type StandardScaler struct {
	Indices []int     `json:"indices"`
	Mean    []float64 `json:"mean"`
	Scale   []float64 `json:"scale"`
}

func FitScaler(features [][]float64, indices []int) (*StandardScaler, error) {
	if len(features) == 0 {
		return nil, errors.New("features is empty")
	}
	width := len(features[0])
	scaler := &StandardScaler{
		Indices: append([]int(nil), indices...),
		Mean:    make([]float64, len(indices)),
		Scale:   make([]float64, len(indices)),
	}
	n := float64(len(features))
	for j, col := range indices {
		if col < 0 || col >= width {
			return nil, fmt.Errorf("scaler column %d out of range", col)
		}
		sum := 0.0
		for _, row := range features {
			sum += row[col]
		}
		mean := sum / n
		variance := 0.0
		for _, row := range features {
			d := row[col] - mean
			variance += d * d
		}
		std := math.Sqrt(variance / n)
		if std == 0 {
			std = 1
		}
		scaler.Mean[j] = mean
		scaler.Scale[j] = std
	}
	return scaler, nil
}

// Transform returns a scaled copy of vector.
func (s *StandardScaler) Transform(vector []float64) ([]float64, error) {
	out := append([]float64(nil), vector...)
	if s == nil {
		return out, nil
	}
	for j, col := range s.Indices {
		if col < 0 || col >= len(out) {
			return nil, fmt.Errorf("scaler column %d out of range for %d features", col, len(out))
		}
		out[col] = (out[col] - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

func (s *StandardScaler) TransformAll(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

func (s *StandardScaler) validate() error {
	if s == nil {
		return nil
	}
	if len(s.Mean) != len(s.Indices) || len(s.Scale) != len(s.Indices) {
		return errors.New("scaler parameters length mismatch")
	}
	for j, scale := range s.Scale {
		if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
			return fmt.Errorf("scaler column %d has invalid scale %v", s.Indices[j], scale)
		}
	}
	return nil
}
