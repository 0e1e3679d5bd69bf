package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
)

var database *sql.DB

// InitDB opens the SQLite file at path and creates the log tables.
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        features TEXT NOT NULL,
        int_output INTEGER NOT NULL,
        str_output TEXT NOT NULL,
        model_version INTEGER NOT NULL,
        model_origin TEXT NOT NULL,
        cached INTEGER DEFAULT 0,
        latency_ms REAL DEFAULT 0,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
    CREATE TABLE IF NOT EXISTS reloads (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_version INTEGER,
        model_origin TEXT,
        model_source TEXT,
        schema_origin TEXT,
        features TEXT,
        error TEXT,
        duration_ms REAL DEFAULT 0,
        reloaded_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY,
        model_name VARCHAR(50),
        f1 REAL,
        accuracy REAL,
        precision REAL,
        recall REAL,
        trained_at DATETIME,
        data_points INTEGER
    );
    `

	_, err = database.Exec(query)
	return err
}

func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type PredictionRow struct {
	ID           int64              `json:"id"`
	Features     map[string]float64 `json:"features"`
	Label        bool               `json:"int_output"`
	Description  string             `json:"str_output"`
	ModelVersion int                `json:"model_version"`
	ModelOrigin  loader.Origin      `json:"model_origin"`
	Cached       bool               `json:"cached"`
	LatencyMS    float64            `json:"latency_ms"`
	CreatedAt    time.Time          `json:"created_at"`
}

func SavePrediction(rec service.PredictionRecord) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return err
	}
	_, err = database.Exec(`
        INSERT INTO predictions (
            features, int_output, str_output, model_version, model_origin, cached, latency_ms, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(features),
		rec.Label,
		rec.Description,
		rec.ModelVersion,
		string(rec.ModelOrigin),
		rec.Cached,
		float64(rec.Latency)/float64(time.Millisecond),
		rec.At.UTC(),
	)
	return err
}

// RecentPredictions returns up to limit rows, newest first.
func RecentPredictions(limit int) ([]PredictionRow, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT id, features, int_output, str_output, model_version, model_origin, cached, latency_ms, created_at
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PredictionRow, 0, limit)
	for rows.Next() {
		var (
			row      PredictionRow
			features string
			origin   string
		)
		if err := rows.Scan(&row.ID, &features, &row.Label, &row.Description, &row.ModelVersion,
			&origin, &row.Cached, &row.LatencyMS, &row.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(features), &row.Features); err != nil {
			return nil, err
		}
		row.ModelOrigin = loader.Origin(origin)
		out = append(out, row)
	}
	return out, rows.Err()
}

func SaveReload(rec service.ReloadRecord) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	var errText sql.NullString
	if rec.Err != nil {
		errText = sql.NullString{String: rec.Err.Error(), Valid: true}
	}
	_, err := database.Exec(`
        INSERT INTO reloads (
            model_version, model_origin, model_source, schema_origin, features, error, duration_ms, reloaded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Info.ModelVersion,
		string(rec.Info.ModelOrigin),
		rec.Info.ModelSource,
		string(rec.Info.SchemaOrigin),
		strings.Join(rec.Info.Features, ","),
		errText,
		float64(rec.Duration)/float64(time.Millisecond),
		rec.At.UTC(),
	)
	return err
}

type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	F1         float64   `json:"f1"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

func SaveTrainingLog(log TrainingLog) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	_, err := database.Exec(`
        INSERT INTO training_log (model_name, f1, accuracy, precision, recall, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ModelName, log.F1, log.Accuracy, log.Precision, log.Recall, log.TrainedAt.UTC(), log.DataPoints)
	return err
}

func LoadTrainingLog() ([]TrainingLog, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := database.Query(`
        SELECT model_name, f1, accuracy, precision, recall, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ModelName, &log.F1, &log.Accuracy, &log.Precision, &log.Recall, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Recorder persists service events. Write errors are logged, never returned
// to the request path.
type Recorder struct {
	Logger *zap.Logger
}

func (r Recorder) ObservePrediction(rec service.PredictionRecord) {
	if err := SavePrediction(rec); err != nil {
		r.logger().Warn("save prediction", zap.Error(err))
	}
}

func (r Recorder) ObserveReload(rec service.ReloadRecord) {
	if err := SaveReload(rec); err != nil {
		r.logger().Warn("save reload", zap.Error(err))
	}
}

func (r Recorder) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
