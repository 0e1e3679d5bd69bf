package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/db"
	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
	"github.com/pspedro19/PredicciondelClimaAPI/monitoring"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
)

const (
	modelVersionHeader = "X-Model-Version"
	modelOriginHeader  = "X-Model-Origin"
	welcomeMessage     = "Welcome to the Model Service"
	defaultListLimit   = 50
	maxListLimit       = 1000
)

// Predictor is the part of service.Service the handlers use.
type Predictor interface {
	Predict(ctx context.Context, req ml.PredictionRequest) (service.Prediction, error)
	Reload(ctx context.Context) (service.SnapshotInfo, error)
	Snapshot() (service.SnapshotInfo, bool)
}

// API holds what the handlers depend on. Metrics, Hub and Alerts may be nil.
type API struct {
	Service Predictor
	Bounds  ml.FieldBounds
	Metrics *monitoring.Metrics
	Hub     *monitoring.Hub
	Alerts  *monitoring.AlertSystem
	Logger  *zap.Logger
}

func RegisterHandlers(mux *http.ServeMux, api *API) {
	if api.Logger == nil {
		api.Logger = zap.NewNop()
	}
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("POST /predict", api.handlePredict)
	mux.HandleFunc("POST /predict/{$}", api.handlePredict)
	mux.HandleFunc("GET /api/health", api.handleHealth)
	mux.HandleFunc("GET /api/model", api.handleModel)
	mux.HandleFunc("POST /admin/reload", api.handleReload)
	mux.HandleFunc("GET /api/predictions", api.handlePredictions)
	mux.HandleFunc("GET /api/metrics", api.handleMetrics)
	if api.Hub != nil {
		mux.HandleFunc("GET /api/ws", api.Hub.HandleWebSocket)
	}
	if api.Alerts != nil {
		mux.HandleFunc("GET /api/alerts", api.handleAlerts)
		mux.HandleFunc("POST /admin/alerts/{id}/resolve", api.handleResolveAlert)
	}
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	info, ok := api.Service.Snapshot()
	if !ok {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	status := "ok"
	if info.ModelOrigin == loader.OriginLocalFallback || info.SchemaOrigin == loader.OriginLocalFallback {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"model_version": info.ModelVersion,
		"model_origin":  info.ModelOrigin,
		"schema_origin": info.SchemaOrigin,
	})
}

func (api *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	req, err := ml.DecodeRequest(body, api.Bounds)
	if err != nil {
		api.writePredictError(w, r, err)
		return
	}

	pred, err := api.Service.Predict(r.Context(), req)
	if err != nil {
		api.writePredictError(w, r, err)
		return
	}

	w.Header().Set(modelVersionHeader, strconv.Itoa(pred.ModelVersion))
	w.Header().Set(modelOriginHeader, string(pred.ModelOrigin))
	respondJSON(w, http.StatusOK, pred.Result)
}

// writePredictError maps the error taxonomy onto status codes. Internal
// causes are logged and never echoed to the client.
func (api *API) writePredictError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid  *ml.InvalidFieldValue
		mismatch *ml.FeatureMismatch
		failure  *service.PredictionFailure
	)
	requestID := GetRequestID(r.Context())
	switch {
	case errors.As(err, &invalid):
		api.reject(monitoring.RejectInvalidField)
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": invalid.Errors})
	case errors.As(err, &mismatch):
		api.reject(monitoring.RejectFeatureMismatch)
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail":  mismatch.Error(),
			"missing": mismatch.Missing,
			"extra":   mismatch.Extra,
		})
	case errors.As(err, &failure):
		api.reject(monitoring.RejectPredictionError)
		api.Logger.Error("prediction failed", zap.String("request_id", requestID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "prediction failed")
	case errors.Is(err, service.ErrNotReady):
		api.reject(monitoring.RejectNotReady)
		respondError(w, http.StatusServiceUnavailable, "model not loaded")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		api.Logger.Error("unexpected prediction error", zap.String("request_id", requestID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (api *API) reject(kind string) {
	if api.Metrics != nil {
		api.Metrics.RecordRejection(kind)
	}
}

func (api *API) handleModel(w http.ResponseWriter, r *http.Request) {
	info, ok := api.Service.Snapshot()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "model not loaded")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (api *API) handleReload(w http.ResponseWriter, r *http.Request) {
	info, err := api.Service.Reload(r.Context())
	if err != nil {
		api.Logger.Warn("administrative reload failed",
			zap.String("request_id", GetRequestID(r.Context())), zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"detail": "reload failed, previous model still serving",
			"causes": causes(err),
		})
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// causes names which resources could not be resolved.
func causes(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		switch v := e.(type) {
		case *loader.ResourceUnavailable:
			out = append(out, v.Resource+" unavailable")
		case interface{ Unwrap() []error }:
			for _, inner := range v.Unwrap() {
				walk(inner)
			}
		default:
			out = append(out, "resolution failed")
		}
	}
	walk(err)
	return out
}

func (api *API) handlePredictions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(l, maxListLimit)
	}
	rows, err := db.RecentPredictions(limit)
	if err != nil {
		api.Logger.Error("list predictions", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "could not read prediction log")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": rows, "count": len(rows)})
}

func (api *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if api.Metrics == nil {
		respondError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	respondJSON(w, http.StatusOK, api.Metrics.Snapshot())
}

func (api *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  api.Alerts.Alerts(activeOnly),
		"stats": api.Alerts.Stats(),
	})
}

func (api *API) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := api.Alerts.ResolveAlert(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
