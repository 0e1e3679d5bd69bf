// Package service serves rain predictions from an immutable snapshot of the
// resolved model and feature schema, and swaps that snapshot on reload.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
	"github.com/pspedro19/PredicciondelClimaAPI/resolver"
)

// ErrNotReady is returned by Predict before the first successful Reload.
var ErrNotReady = errors.New("no model loaded")

// PredictionFailure wraps an error or panic raised by the model itself.
type PredictionFailure struct {
	Err error
}

func (e *PredictionFailure) Error() string {
	return "prediction failed: " + e.Err.Error()
}

func (e *PredictionFailure) Unwrap() error {
	return e.Err
}

// ModelSource supplies the classifier for a reload.
type ModelSource interface {
	Resolve(ctx context.Context) (resolver.ModelHandle, error)
}

// SchemaSource supplies the feature schema for a reload.
type SchemaSource interface {
	Resolve(ctx context.Context) (ml.FeatureSchema, loader.Origin, error)
}

// Prediction is a served result plus the snapshot it came from.
type Prediction struct {
	Result       ml.PredictionResult
	ModelVersion int
	ModelOrigin  loader.Origin
	Cached       bool
}

// SnapshotInfo describes the model and schema currently served.
type SnapshotInfo struct {
	ModelName    string        `json:"model_name"`
	Lookup       string        `json:"lookup"`
	ModelVersion int           `json:"model_version"`
	ModelOrigin  loader.Origin `json:"model_origin"`
	ModelSource  string        `json:"model_source"`
	SchemaOrigin loader.Origin `json:"schema_origin"`
	Features     []string      `json:"features"`
	LoadedAt     time.Time     `json:"loaded_at"`
}

// Options configure a Service.
type Options struct {
	Ref       resolver.ModelRef
	CacheSize int
	Logger    *zap.Logger
	Observers []Observer
}

const eventBuffer = 256

type snapshot struct {
	model        resolver.ModelHandle
	schema       ml.FeatureSchema
	schemaOrigin loader.Origin
	cache        *lru.Cache[string, bool]
	loadedAt     time.Time

	// mu is held for reading while the classifier is in use; retire takes
	// it for writing before releasing native resources.
	mu     sync.RWMutex
	closed bool
}

type Service struct {
	models  ModelSource
	schemas SchemaSource
	opts    Options
	logger  *zap.Logger

	current  atomic.Pointer[snapshot]
	reloadMu sync.Mutex
	retiring sync.WaitGroup

	events    chan func(Observer)
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func New(models ModelSource, schemas SchemaSource, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		models:  models,
		schemas: schemas,
		opts:    opts,
		logger:  logger.With(zap.String("component", "service")),
		events:  make(chan func(Observer), eventBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Reload resolves the model and schema concurrently and installs them as the
// serving snapshot. On failure the previous snapshot keeps serving.
func (s *Service) Reload(ctx context.Context) (SnapshotInfo, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := time.Now()
	var (
		wg           sync.WaitGroup
		handle       resolver.ModelHandle
		schema       ml.FeatureSchema
		schemaOrigin loader.Origin
		modelErr     error
		schemaErr    error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		handle, modelErr = s.models.Resolve(ctx)
	}()
	go func() {
		defer wg.Done()
		schema, schemaOrigin, schemaErr = s.schemas.Resolve(ctx)
	}()
	wg.Wait()

	err := multierr.Combine(modelErr, schemaErr)
	if err == nil {
		// The vector is built in schema order, so the model must share it.
		err = ml.CheckFeatureOrder(handle.Classifier, schema)
	}
	if err != nil {
		if modelErr == nil {
			ml.Release(handle.Classifier)
		}
		s.logger.Error("reload failed, keeping previous snapshot", zap.Error(err))
		s.publish(func(o Observer) {
			o.ObserveReload(ReloadRecord{Err: err, Duration: time.Since(start), At: time.Now()})
		})
		return SnapshotInfo{}, err
	}

	next := &snapshot{
		model:        handle,
		schema:       schema,
		schemaOrigin: schemaOrigin,
		loadedAt:     time.Now(),
	}
	if s.opts.CacheSize > 0 {
		cache, err := lru.New[string, bool](s.opts.CacheSize)
		if err != nil {
			ml.Release(handle.Classifier)
			return SnapshotInfo{}, fmt.Errorf("create prediction cache: %w", err)
		}
		next.cache = cache
	}

	if prev := s.current.Swap(next); prev != nil {
		s.retiring.Add(1)
		go func() {
			defer s.retiring.Done()
			s.retire(prev)
		}()
	}
	info := s.info(next)
	s.logger.Info("snapshot installed",
		zap.Int("model_version", info.ModelVersion),
		zap.String("model_origin", string(info.ModelOrigin)),
		zap.String("schema_origin", string(info.SchemaOrigin)),
		zap.Strings("features", info.Features))
	s.publish(func(o Observer) {
		o.ObserveReload(ReloadRecord{Info: info, Duration: time.Since(start), At: time.Now()})
	})
	return info, nil
}

// Snapshot describes what is currently being served.
func (s *Service) Snapshot() (SnapshotInfo, bool) {
	snap := s.current.Load()
	if snap == nil {
		return SnapshotInfo{}, false
	}
	return s.info(snap), true
}

func (s *Service) info(snap *snapshot) SnapshotInfo {
	return SnapshotInfo{
		ModelName:    s.opts.Ref.Name,
		Lookup:       s.opts.Ref.Scheme + ":" + s.opts.Ref.Value,
		ModelVersion: snap.model.Version,
		ModelOrigin:  snap.model.Origin,
		ModelSource:  snap.model.Source,
		SchemaOrigin: snap.schemaOrigin,
		Features:     snap.schema.Names(),
		LoadedAt:     snap.loadedAt,
	}
}

// Predict validates req against the current schema and runs the model.
func (s *Service) Predict(ctx context.Context, req ml.PredictionRequest) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	start := time.Now()
	for {
		snap := s.current.Load()
		if snap == nil {
			return Prediction{}, ErrNotReady
		}
		snap.mu.RLock()
		if snap.closed {
			// swapped out between Load and RLock
			snap.mu.RUnlock()
			continue
		}
		pred, err := s.predict(snap, req)
		snap.mu.RUnlock()
		if err != nil {
			return Prediction{}, err
		}
		s.publish(func(o Observer) {
			o.ObservePrediction(PredictionRecord{
				Features:     copyRequest(req),
				Label:        pred.Result.Label,
				Description:  pred.Result.Description,
				ModelVersion: pred.ModelVersion,
				ModelOrigin:  pred.ModelOrigin,
				Cached:       pred.Cached,
				Latency:      time.Since(start),
				At:           time.Now(),
			})
		})
		return pred, nil
	}
}

func (s *Service) predict(snap *snapshot, req ml.PredictionRequest) (Prediction, error) {
	vector, err := ml.Validate(snap.schema, req)
	if err != nil {
		return Prediction{}, err
	}
	pred := Prediction{ModelVersion: snap.model.Version, ModelOrigin: snap.model.Origin}

	key := cacheKey(vector)
	if snap.cache != nil {
		if label, ok := snap.cache.Get(key); ok {
			pred.Result = ml.NewPredictionResult(label)
			pred.Cached = true
			return pred, nil
		}
	}
	label, err := classify(snap.model.Classifier, vector)
	if err != nil {
		s.logger.Error("model invocation failed",
			zap.Int("model_version", snap.model.Version), zap.Error(err))
		return Prediction{}, &PredictionFailure{Err: err}
	}
	if snap.cache != nil {
		snap.cache.Add(key, label)
	}
	pred.Result = ml.NewPredictionResult(label)
	return pred, nil
}

func classify(c ml.Classifier, vector []float64) (label bool, err error) {
	if c == nil {
		return false, errors.New("snapshot has no classifier")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return c.Predict(vector)
}

func cacheKey(vector []float64) string {
	var b strings.Builder
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

func copyRequest(req ml.PredictionRequest) map[string]float64 {
	out := make(map[string]float64, len(req))
	for k, v := range req {
		out[k] = v
	}
	return out
}

func (s *Service) retire(snap *snapshot) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.closed {
		return
	}
	snap.closed = true
	if err := ml.Release(snap.model.Classifier); err != nil {
		s.logger.Warn("release retired model", zap.Error(err))
	}
}

func (s *Service) publish(event func(Observer)) {
	if len(s.opts.Observers) == 0 {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- event:
	default:
		s.logger.Warn("observer queue full, dropping event")
	}
}

func (s *Service) dispatch() {
	defer close(s.stopped)
	for {
		select {
		case event := <-s.events:
			s.deliver(event)
		case <-s.done:
			for {
				select {
				case event := <-s.events:
					s.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(event func(Observer)) {
	for _, o := range s.opts.Observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observer panicked", zap.Any("panic", r))
				}
			}()
			event(o)
		}()
	}
}

// Close flushes pending observer events and releases the serving model.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.reloadMu.Lock()
		defer s.reloadMu.Unlock()
		close(s.done)
		<-s.stopped
		if snap := s.current.Swap(nil); snap != nil {
			s.retire(snap)
		}
		s.retiring.Wait()
	})
}
