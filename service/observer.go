package service

import (
	"time"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
)

// Observer receives prediction and reload events off the request path.
// Events are delivered in order from a single goroutine.
type Observer interface {
	ObservePrediction(PredictionRecord)
	ObserveReload(ReloadRecord)
}

type PredictionRecord struct {
	Features     map[string]float64 `json:"features"`
	Label        bool               `json:"int_output"`
	Description  string             `json:"str_output"`
	ModelVersion int                `json:"model_version"`
	ModelOrigin  loader.Origin      `json:"model_origin"`
	Cached       bool               `json:"cached"`
	Latency      time.Duration      `json:"latency_ns"`
	At           time.Time          `json:"at"`
}

// ReloadRecord reports one Reload call. Err is set and Info is zero when it
// failed.
type ReloadRecord struct {
	Info     SnapshotInfo
	Err      error
	Duration time.Duration
	At       time.Time
}
