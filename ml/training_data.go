package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Dataset holds rows of features in Features order with binary labels.
type Dataset struct {
	Features []string
	X        [][]float64
	Y        []int
}

// ReadCSV loads the named feature columns and label column from a delimited
// file with a header row. Rows with a missing or non-numeric value are
// skipped; skipped counts them.
func ReadCSV(r io.Reader, sep rune, features []string, label string) (ds *Dataset, skipped int, err error) {
	reader := csv.NewReader(r)
	reader.Comma = sep
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	position := make(map[string]int, len(header))
	for i, name := range header {
		position[strings.TrimSpace(name)] = i
	}
	columns := make([]int, len(features))
	for i, name := range features {
		idx, ok := position[name]
		if !ok {
			return nil, 0, fmt.Errorf("column %q not in header", name)
		}
		columns[i] = idx
	}
	labelIdx, ok := position[label]
	if !ok {
		return nil, 0, fmt.Errorf("label column %q not in header", label)
	}

	ds = &Dataset{Features: append([]string(nil), features...)}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		row, y, ok := parseRow(record, columns, labelIdx)
		if !ok {
			skipped++
			continue
		}
		ds.X = append(ds.X, row)
		ds.Y = append(ds.Y, y)
	}
	if len(ds.X) == 0 {
		return nil, skipped, errors.New("no complete rows")
	}
	return ds, skipped, nil
}

func parseRow(record []string, columns []int, labelIdx int) ([]float64, int, bool) {
	if labelIdx >= len(record) {
		return nil, 0, false
	}
	y, ok := parseLabel(record[labelIdx])
	if !ok {
		return nil, 0, false
	}
	row := make([]float64, len(columns))
	for i, col := range columns {
		if col >= len(record) {
			return nil, 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
		if err != nil || math.IsNaN(v) {
			return nil, 0, false
		}
		row[i] = v
	}
	return row, y, true
}

func parseLabel(s string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "1", "true":
		return 1, true
	case "no", "0", "false":
		return 0, true
	default:
		return 0, false
	}
}

// Balance oversamples minority classes with replacement until every class
// has as many rows as the largest one. A balanced dataset is returned as is.
func Balance(ds *Dataset, seed int64) *Dataset {
	byClass := make(map[int][]int)
	for i, y := range ds.Y {
		byClass[y] = append(byClass[y], i)
	}
	largest := 0
	for _, rows := range byClass {
		if len(rows) > largest {
			largest = len(rows)
		}
	}
	out := &Dataset{
		Features: ds.Features,
		X:        append([][]float64(nil), ds.X...),
		Y:        append([]int(nil), ds.Y...),
	}
	rnd := rand.New(rand.NewSource(seed))
	for _, label := range []int{0, 1} {
		rows := byClass[label]
		if len(rows) == 0 {
			continue
		}
		for n := len(rows); n < largest; n++ {
			pick := rows[rnd.Intn(len(rows))]
			out.X = append(out.X, ds.X[pick])
			out.Y = append(out.Y, label)
		}
	}
	return out
}

func ClassCounts(labels []int) map[int]int {
	return countLabels(labels)
}

func SplitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

// F1Score is the harmonic mean of precision and recall for the positive
// class. It is 0 when there are no true positives.
func F1Score(truth, predicted []int) float64 {
	var tp, fp, fn float64
	for i := range truth {
		switch {
		case predicted[i] == 1 && truth[i] == 1:
			tp++
		case predicted[i] == 1 && truth[i] == 0:
			fp++
		case predicted[i] == 0 && truth[i] == 1:
			fn++
		}
	}
	if tp == 0 {
		return 0
	}
	precision := tp / (tp + fp)
	recall := tp / (tp + fn)
	return 2 * precision * recall / (precision + recall)
}
