package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/pspedro19/PredicciondelClimaAPI/config"
	"github.com/pspedro19/PredicciondelClimaAPI/db"
	"github.com/pspedro19/PredicciondelClimaAPI/logging"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
)

var (
	featureColumns = []string{"Sunshine", "Humidity9am", "Humidity3pm", "Cloud9am", "Cloud3pm"}
	scaledColumns  = []int{0, 1, 2}
)

const labelColumn = "RainToday"

func main() {
	csvPath := flag.String("csv", "", "weather CSV file")
	sep := flag.String("sep", ";", "CSV field separator")
	outDir := flag.String("out", "files", "directory for model.json and columns.json")
	seed := flag.Int64("seed", 42, "random seed for balancing and splitting")
	testRatio := flag.Float64("test_ratio", 0.3, "test ratio")
	maxDepth := flag.Int("max_depth", 4, "max tree depth")
	criterion := flag.String("criterion", ml.CriterionEntropy, "split criterion: gini or entropy")
	dbPath := flag.String("db", "data/predictions.db", "SQLite database for the training log, empty to skip")
	modelName := flag.String("model_name", "tree_model", "name recorded in the training log")
	logLevel := flag.String("log_level", "info", "log level")
	flag.Parse()

	logger := logging.New(config.LogConfig{Level: *logLevel})
	defer logger.Sync()

	if *csvPath == "" {
		logger.Fatal("csv is required")
	}
	sepRune := []rune(*sep)
	if len(sepRune) != 1 {
		logger.Fatal("sep must be a single character", zap.String("sep", *sep))
	}

	ds, skipped, err := readDataset(*csvPath, sepRune[0])
	if err != nil {
		logger.Fatal("failed to read training data", zap.String("csv", *csvPath), zap.Error(err))
	}
	counts := ml.ClassCounts(ds.Y)
	logger.Info("training data loaded",
		zap.Int("rows", len(ds.X)),
		zap.Int("skipped", skipped),
		zap.Int("rain", counts[1]),
		zap.Int("no_rain", counts[0]))

	if counts[0] != counts[1] {
		ds = ml.Balance(ds, *seed)
		logger.Info("classes balanced", zap.Int("rows", len(ds.X)))
	}

	trainX, trainY, testX, testY := ml.SplitDataset(ds.X, ds.Y, *testRatio, *seed)

	scaler, err := ml.FitScaler(trainX, scaledColumns)
	if err != nil {
		logger.Fatal("failed to fit scaler", zap.Error(err))
	}
	scaledTrain, err := scaler.TransformAll(trainX)
	if err != nil {
		logger.Fatal("failed to scale training data", zap.Error(err))
	}

	tree := ml.NewDecisionTree(*criterion, *maxDepth)
	if err := tree.Train(scaledTrain, trainY); err != nil {
		logger.Fatal("failed to train model", zap.Error(err))
	}

	pipeline := &ml.Pipeline{
		Format:   ml.FormatDecisionTree,
		Features: append([]string(nil), featureColumns...),
		Scaler:   scaler,
		Tree:     tree,
	}
	m, err := evaluate(pipeline, testX, testY)
	if err != nil {
		logger.Fatal("failed to evaluate model", zap.Error(err))
	}
	logger.Info("model evaluated",
		zap.Float64("f1", m.f1),
		zap.Float64("accuracy", m.accuracy),
		zap.Float64("precision", m.precision),
		zap.Float64("recall", m.recall),
		zap.Int("test_rows", len(testX)))

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Fatal("failed to create output dir", zap.Error(err))
	}
	modelPath := filepath.Join(*outDir, "model.json")
	if err := pipeline.Save(modelPath); err != nil {
		logger.Fatal("failed to save model", zap.Error(err))
	}
	columnsPath := filepath.Join(*outDir, "columns.json")
	if err := writeColumns(columnsPath); err != nil {
		logger.Fatal("failed to save columns", zap.Error(err))
	}
	logger.Info("artifacts written", zap.String("model", modelPath), zap.String("columns", columnsPath))

	if *dbPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
		logger.Fatal("failed to create database dir", zap.Error(err))
	}
	if err := db.InitDB(*dbPath); err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()
	err = db.SaveTrainingLog(db.TrainingLog{
		ModelName:  *modelName,
		F1:         m.f1,
		Accuracy:   m.accuracy,
		Precision:  m.precision,
		Recall:     m.recall,
		TrainedAt:  time.Now(),
		DataPoints: len(ds.X),
	})
	if err != nil {
		logger.Error("failed to record training log", zap.Error(err))
	}
}

// readDataset strips a leading byte order mark before parsing.
func readDataset(path string, sep rune) (*ml.Dataset, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var r io.Reader = transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	return ml.ReadCSV(r, sep, featureColumns, labelColumn)
}

// writeColumns records the input columns plus the label, the layout the
// schema resolver expects.
func writeColumns(path string) error {
	columns := append(append([]string(nil), featureColumns...), labelColumn)
	payload, err := json.MarshalIndent(map[string][]string{"columns": columns}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

type metrics struct {
	f1        float64
	accuracy  float64
	precision float64
	recall    float64
}

func evaluate(p *ml.Pipeline, testX [][]float64, testY []int) (metrics, error) {
	var m metrics
	if len(testX) == 0 {
		return m, nil
	}

	predicted := make([]int, len(testX))
	var correct, truePositive, predictedPositive, actualPositive int
	for i, row := range testX {
		rain, err := p.Predict(row)
		if err != nil {
			return m, fmt.Errorf("predict test row %d: %w", i, err)
		}
		if rain {
			predicted[i] = 1
			predictedPositive++
		}
		if predicted[i] == testY[i] {
			correct++
		}
		if testY[i] == 1 {
			actualPositive++
			if rain {
				truePositive++
			}
		}
	}

	m.f1 = ml.F1Score(testY, predicted)
	m.accuracy = float64(correct) / float64(len(testX))
	if predictedPositive > 0 {
		m.precision = float64(truePositive) / float64(predictedPositive)
	}
	if actualPositive > 0 {
		m.recall = float64(truePositive) / float64(actualPositive)
	}
	return m, nil
}
