package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FeatureSchema is the ordered list of feature names a model was trained
// on. The zero value is empty and rejected by Validate.
type FeatureSchema struct {
	names []string
	index map[string]int
}

// NewFeatureSchema builds a schema from names in training order.
func NewFeatureSchema(names []string) (FeatureSchema, error) {
	if len(names) == 0 {
		return FeatureSchema{}, errors.New("feature schema is empty")
	}
	index := make(map[string]int, len(names))
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return FeatureSchema{}, fmt.Errorf("feature %d has an empty name", i)
		}
		if _, dup := index[name]; dup {
			return FeatureSchema{}, fmt.Errorf("duplicate feature %q", name)
		}
		index[name] = i
	}
	return FeatureSchema{names: append([]string(nil), names...), index: index}, nil
}

// ParseSchema reads a {"columns": [...]} document. labelColumn, when
// present in the list, is removed so the schema holds model inputs only.
func ParseSchema(data []byte, labelColumn string) (FeatureSchema, error) {
	var doc struct {
		Columns []string `json:"columns"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return FeatureSchema{}, fmt.Errorf("decode schema: %w", err)
	}
	if doc.Columns == nil {
		return FeatureSchema{}, errors.New("schema document has no columns field")
	}
	names := make([]string, 0, len(doc.Columns))
	for _, name := range doc.Columns {
		if labelColumn != "" && name == labelColumn {
			continue
		}
		names = append(names, name)
	}
	return NewFeatureSchema(names)
}

// Names returns a copy of the feature names in training order.
func (s FeatureSchema) Names() []string {
	return append([]string(nil), s.names...)
}

func (s FeatureSchema) Len() int {
	return len(s.names)
}

func (s FeatureSchema) Contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s FeatureSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Columns []string `json:"columns"`
	}{Columns: s.names})
}

// FeatureMismatch reports request keys that do not match the schema.
type FeatureMismatch struct {
	Missing []string
	Extra   []string
}

func (e *FeatureMismatch) Error() string {
	return fmt.Sprintf("feature mismatch: missing=[%s] extra=[%s]",
		strings.Join(e.Missing, ", "), strings.Join(e.Extra, ", "))
}

// Validate checks request keys against schema and returns the values in
// schema order. Any missing or extra key fails with *FeatureMismatch.
func Validate(schema FeatureSchema, request PredictionRequest) ([]float64, error) {
	if schema.Len() == 0 {
		return nil, errors.New("feature schema is empty")
	}
	missing := make([]string, 0)
	for _, name := range schema.names {
		if _, ok := request[name]; !ok {
			missing = append(missing, name)
		}
	}
	extra := make([]string, 0)
	for name := range request {
		if !schema.Contains(name) {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, &FeatureMismatch{Missing: missing, Extra: extra}
	}

	vector := make([]float64, len(schema.names))
	for i, name := range schema.names {
		vector[i] = request[name]
	}
	return vector, nil
}
