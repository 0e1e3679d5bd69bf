package monitoring

import (
	"runtime"
	"sync"
	"time"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
)

// Rejection kinds counted by RecordRejection.
const (
	RejectInvalidField    = "invalid_field_value"
	RejectFeatureMismatch = "feature_mismatch"
	RejectPredictionError = "prediction_failure"
	RejectNotReady        = "not_ready"
)

// Metrics keeps in-process counters for the gateway.
type Metrics struct {
	mu sync.RWMutex

	startTime       time.Time
	predictions     int64
	rainPredictions int64
	cacheHits       int64
	fallbackServed  int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	rejections      map[string]int64
	reloads         int64
	reloadFailures  int64
	lastReload      time.Time
	lastReloadError string
	modelVersion    int
	modelOrigin     loader.Origin
}

type MetricsSnapshot struct {
	Uptime          string           `json:"uptime"`
	Predictions     int64            `json:"predictions"`
	RainPredictions int64            `json:"rain_predictions"`
	CacheHits       int64            `json:"cache_hits"`
	FallbackServed  int64            `json:"fallback_served"`
	AvgLatencyMS    float64          `json:"avg_latency_ms"`
	MaxLatencyMS    float64          `json:"max_latency_ms"`
	Rejections      map[string]int64 `json:"rejections"`
	Reloads         int64            `json:"reloads"`
	ReloadFailures  int64            `json:"reload_failures"`
	LastReload      time.Time        `json:"last_reload,omitempty"`
	LastReloadError string           `json:"last_reload_error,omitempty"`
	ModelVersion    int              `json:"model_version"`
	ModelOrigin     loader.Origin    `json:"model_origin,omitempty"`
	Goroutines      int              `json:"goroutines"`
	HeapAllocBytes  uint64           `json:"heap_alloc_bytes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		startTime:  time.Now(),
		rejections: make(map[string]int64),
	}
}

func (m *Metrics) ObservePrediction(rec service.PredictionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
	if rec.Label {
		m.rainPredictions++
	}
	if rec.Cached {
		m.cacheHits++
	}
	if rec.ModelOrigin == loader.OriginLocalFallback {
		m.fallbackServed++
	}
	m.totalLatency += rec.Latency
	if rec.Latency > m.maxLatency {
		m.maxLatency = rec.Latency
	}
}

func (m *Metrics) ObserveReload(rec service.ReloadRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReload = rec.At
	if rec.Err != nil {
		m.reloadFailures++
		m.lastReloadError = rec.Err.Error()
		return
	}
	m.reloads++
	m.lastReloadError = ""
	m.modelVersion = rec.Info.ModelVersion
	m.modelOrigin = rec.Info.ModelOrigin
}

// RecordRejection counts a request refused before or during model invocation.
func (m *Metrics) RecordRejection(kind string) {
	m.mu.Lock()
	m.rejections[kind]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	defer m.mu.RUnlock()

	rejections := make(map[string]int64, len(m.rejections))
	for k, v := range m.rejections {
		rejections[k] = v
	}
	var avg float64
	if m.predictions > 0 {
		avg = float64(m.totalLatency) / float64(m.predictions) / float64(time.Millisecond)
	}
	return MetricsSnapshot{
		Uptime:          time.Since(m.startTime).Round(time.Second).String(),
		Predictions:     m.predictions,
		RainPredictions: m.rainPredictions,
		CacheHits:       m.cacheHits,
		FallbackServed:  m.fallbackServed,
		AvgLatencyMS:    avg,
		MaxLatencyMS:    float64(m.maxLatency) / float64(time.Millisecond),
		Rejections:      rejections,
		Reloads:         m.reloads,
		ReloadFailures:  m.reloadFailures,
		LastReload:      m.lastReload,
		LastReloadError: m.lastReloadError,
		ModelVersion:    m.modelVersion,
		ModelOrigin:     m.modelOrigin,
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  mem.HeapAlloc,
	}
}
