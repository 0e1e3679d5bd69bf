package ml

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// PredictionRequest maps feature names to values as sent by a client.
type PredictionRequest map[string]float64

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min float64
	Max float64
}

// FieldBounds declares the range each known request field must fall in.
// Fields without an entry only need to be finite numbers.
type FieldBounds map[string]Bounds

// FieldError describes one rejected value. Loc is the path to the value,
// starting with "body".
type FieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// InvalidFieldValue is returned by DecodeRequest before any schema check.
type InvalidFieldValue struct {
	Errors []FieldError
}

func (e *InvalidFieldValue) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", strings.Join(fe.Loc, "."), fe.Msg)
	}
	return "invalid field value: " + strings.Join(parts, "; ")
}

// DecodeRequest parses a JSON object body and checks each present value
// against bounds. Presence of schema fields is not checked here.
func DecodeRequest(body []byte, bounds FieldBounds) (PredictionRequest, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, &InvalidFieldValue{Errors: []FieldError{{
			Loc: []string{"body"}, Msg: "JSON decode error: " + err.Error(), Type: "json_invalid",
		}}}
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, &InvalidFieldValue{Errors: []FieldError{{
			Loc: []string{"body"}, Msg: "JSON decode error: unexpected data after the object", Type: "json_invalid",
		}}}
	}
	if raw == nil {
		return nil, &InvalidFieldValue{Errors: []FieldError{{
			Loc: []string{"body"}, Msg: "Input should be a valid object", Type: "model_type",
		}}}
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	request := make(PredictionRequest, len(raw))
	var errs []FieldError
	for _, key := range keys {
		value, fe := toFloat(raw[key])
		if fe != nil {
			fe.Loc = []string{"body", key}
			errs = append(errs, *fe)
			continue
		}
		if b, ok := bounds[key]; ok {
			if value < b.Min {
				errs = append(errs, FieldError{
					Loc:  []string{"body", key},
					Msg:  "Input should be greater than or equal to " + formatBound(b.Min),
					Type: "greater_than_equal",
				})
				continue
			}
			if value > b.Max {
				errs = append(errs, FieldError{
					Loc:  []string{"body", key},
					Msg:  "Input should be less than or equal to " + formatBound(b.Max),
					Type: "less_than_equal",
				})
				continue
			}
		}
		request[key] = value
	}
	if len(errs) > 0 {
		return nil, &InvalidFieldValue{Errors: errs}
	}
	return request, nil
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (float64, *FieldError) {
	var (
		f   float64
		err error
	)
	switch value := v.(type) {
	case json.Number:
		f, err = value.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(value), 64)
	default:
		return 0, &FieldError{Msg: "Input should be a valid number", Type: "float_type"}
	}
	if err != nil {
		return 0, &FieldError{Msg: "Input should be a valid number, unable to parse string as a number", Type: "float_parsing"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &FieldError{Msg: "Input should be a finite number", Type: "finite_number"}
	}
	return f, nil
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
