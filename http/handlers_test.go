package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pspedro19/PredicciondelClimaAPI/db"
	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/ml"
	"github.com/pspedro19/PredicciondelClimaAPI/monitoring"
	"github.com/pspedro19/PredicciondelClimaAPI/resolver"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
)

var weatherColumns = []string{"Sunshine", "Humidity9am", "Humidity3pm", "Cloud9am", "Cloud3pm"}

var weatherBounds = ml.FieldBounds{
	"Sunshine":    {Min: 0, Max: 24},
	"Humidity9am": {Min: 0, Max: 100},
	"Humidity3pm": {Min: 0, Max: 100},
	"Cloud9am":    {Min: 0, Max: 10},
	"Cloud3pm":    {Min: 0, Max: 10},
}

// humidityTree predicts rain when Humidity3pm is above 70.
func humidityTree() *ml.Pipeline {
	return &ml.Pipeline{
		Format:   ml.FormatDecisionTree,
		Features: weatherColumns,
		Tree: &ml.DecisionTree{
			Criterion: ml.CriterionEntropy,
			MaxDepth:  1,
			Nodes: []ml.TreeNode{
				{FeatureIdx: 2, Threshold: 70, LeftChild: 1, RightChild: 2},
				{IsLeaf: true, ClassLabel: 0, Confidence: 1},
				{IsLeaf: true, ClassLabel: 1, Confidence: 1},
			},
		},
	}
}

type fakeModels struct {
	mu     sync.Mutex
	handle resolver.ModelHandle
	err    error
}

func (f *fakeModels) Resolve(ctx context.Context) (resolver.ModelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle, f.err
}

type fakeSchemas struct {
	schema ml.FeatureSchema
	origin loader.Origin
}

func (f *fakeSchemas) Resolve(ctx context.Context) (ml.FeatureSchema, loader.Origin, error) {
	return f.schema, f.origin, nil
}

type panicModel struct{}

func (panicModel) Predict([]float64) (bool, error) { panic("boom") }

func newTestAPI(t *testing.T, model ml.Classifier, version int) (*API, *fakeModels) {
	t.Helper()
	origin := loader.OriginRegistry
	if version == 0 {
		origin = loader.OriginLocalFallback
	}
	schema, err := ml.NewFeatureSchema(weatherColumns)
	if err != nil {
		t.Fatal(err)
	}
	models := &fakeModels{handle: resolver.ModelHandle{Classifier: model, Version: version, Origin: origin}}
	metrics := monitoring.NewMetrics()
	svc := service.New(models, &fakeSchemas{schema: schema, origin: loader.OriginRegistry}, service.Options{
		Ref:       resolver.ModelRef{Name: "Lluvia_model_prod2", Scheme: resolver.SchemeAlias, Value: "champion"},
		CacheSize: 16,
		Observers: []service.Observer{metrics, db.Recorder{}},
	})
	t.Cleanup(svc.Close)
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return &API{Service: svc, Bounds: weatherBounds, Metrics: metrics}, models
}

func serve(api *API, method, path, body string) *httptest.ResponseRecorder {
	handler := NewHandler(DefaultServerConfig(), api)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRootHandler(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	rr := serve(api, http.MethodGet, "/", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), welcomeMessage) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a request id header")
	}
}

func TestPredictRainFromRegistryModel(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 3)
	body := `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`
	rr := serve(api, http.MethodPost, "/predict/", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(modelVersionHeader); got != "3" {
		t.Fatalf("unexpected model version header %q", got)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["int_output"] != true || payload["str_output"] != "Tomorrow Rains" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if len(payload) != 2 {
		t.Fatalf("response should carry exactly two fields, got %v", payload)
	}
}

func TestPredictNoRainFromFallbackModel(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 0)
	body := `{"Sunshine": 11.0, "Humidity9am": 40, "Humidity3pm": 30, "Cloud9am": 1, "Cloud3pm": 2}`
	rr := serve(api, http.MethodPost, "/predict", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(modelVersionHeader) != "0" || rr.Header().Get(modelOriginHeader) != string(loader.OriginLocalFallback) {
		t.Fatalf("unexpected model headers %v", rr.Header())
	}
	expected := `{"int_output":false,"str_output":"No Rain"}`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Fatalf("got %s want %s", rr.Body.String(), expected)
	}
}

func TestPredictMissingFeature(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	body := `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8}`
	rr := serve(api, http.MethodPost, "/predict/", body)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var payload struct {
		Detail  string   `json:"detail"`
		Missing []string `json:"missing"`
		Extra   []string `json:"extra"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Missing) != 1 || payload.Missing[0] != "Cloud3pm" || len(payload.Extra) != 0 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if api.Metrics.Snapshot().Rejections[monitoring.RejectFeatureMismatch] != 1 {
		t.Fatal("mismatch should be counted")
	}
}

func TestPredictExtraFeature(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	body := `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7, "Rainfall": 3}`
	rr := serve(api, http.MethodPost, "/predict/", body)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"extra":["Rainfall"]`) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestPredictInvalidFieldValue(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	tests := []struct {
		name, body, wantType string
	}{
		{"out of range", `{"Sunshine": 30, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`, "less_than_equal"},
		{"negative", `{"Sunshine": 2, "Humidity9am": -1, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`, "greater_than_equal"},
		{"not a number", `{"Sunshine": "sunny", "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`, "float_parsing"},
		{"malformed json", `{"Sunshine": `, "json_invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(api, http.MethodPost, "/predict/", tt.body)
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("unexpected status %d", rr.Code)
			}
			var payload struct {
				Detail []ml.FieldError `json:"detail"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatal(err)
			}
			if len(payload.Detail) != 1 || payload.Detail[0].Type != tt.wantType {
				t.Fatalf("unexpected detail %+v", payload.Detail)
			}
		})
	}
}

func TestPredictModelFailureHidesCause(t *testing.T) {
	api, _ := newTestAPI(t, panicModel{}, 1)
	body := `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`
	rr := serve(api, http.MethodPost, "/predict/", body)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "boom") {
		t.Fatalf("internal cause leaked: %s", rr.Body.String())
	}
}

func TestPredictBodyTooLarge(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	config := DefaultServerConfig()
	config.MaxBodyBytes = 16
	handler := NewHandler(config, api)
	req := httptest.NewRequest(http.MethodPost, "/predict/", strings.NewReader(`{"Sunshine": 2.0, "Humidity9am": 85}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status %d", rr.Code)
	}
}

func TestModelAndHealth(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 0)
	rr := serve(api, http.MethodGet, "/api/model", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var info service.SnapshotInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.ModelName != "Lluvia_model_prod2" || info.Lookup != "alias:champion" || info.ModelVersion != 0 {
		t.Fatalf("unexpected info %+v", info)
	}
	if len(info.Features) != len(weatherColumns) {
		t.Fatalf("unexpected features %v", info.Features)
	}

	rr = serve(api, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"degraded"`) {
		t.Fatalf("unexpected health %d %s", rr.Code, rr.Body.String())
	}
}

func TestHealthBeforeFirstLoad(t *testing.T) {
	svc := service.New(&fakeModels{}, &fakeSchemas{}, service.Options{})
	defer svc.Close()
	api := &API{Service: svc}
	rr := serve(api, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	rr = serve(api, http.MethodPost, "/predict/", `{"Sunshine": 1}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected predict status %d", rr.Code)
	}
}

func TestAdminReload(t *testing.T) {
	api, models := newTestAPI(t, humidityTree(), 1)

	models.mu.Lock()
	models.handle = resolver.ModelHandle{Classifier: humidityTree(), Version: 2, Origin: loader.OriginRegistry}
	models.mu.Unlock()
	rr := serve(api, http.MethodPost, "/admin/reload", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"model_version":2`) {
		t.Fatalf("unexpected reload response %d %s", rr.Code, rr.Body.String())
	}

	models.mu.Lock()
	models.err = &loader.ResourceUnavailable{Resource: "model rain@champion", Primary: errors.New("down"), Fallback: errors.New("missing")}
	models.mu.Unlock()
	rr = serve(api, http.MethodPost, "/admin/reload", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "model rain@champion unavailable") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	rr = serve(api, http.MethodPost, "/predict/", `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`)
	if rr.Header().Get(modelVersionHeader) != "2" {
		t.Fatalf("previous snapshot should still serve, got version %q", rr.Header().Get(modelVersionHeader))
	}
}

func TestPredictionLogAndMetrics(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 4)
	body := `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`
	if rr := serve(api, http.MethodPost, "/predict/", body); rr.Code != http.StatusOK {
		t.Fatalf("predict: %d", rr.Code)
	}
	// close flushes observer events
	api.Service.(*service.Service).Close()

	rr := serve(api, http.MethodGet, "/api/predictions?limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	var payload struct {
		Data  []db.PredictionRow `json:"data"`
		Count int                `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Count != 1 || payload.Data[0].ModelVersion != 4 || !payload.Data[0].Label {
		t.Fatalf("unexpected log %+v", payload)
	}

	rr = serve(api, http.MethodGet, "/api/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"predictions":1`) {
		t.Fatalf("unexpected metrics %d %s", rr.Code, rr.Body.String())
	}

	if rr := serve(api, http.MethodGet, "/api/predictions?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestWebSocketRoute(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	api.Hub = monitoring.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go api.Hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(DefaultServerConfig(), api))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/ws", nil)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// a plain GET without upgrade headers is refused by the upgrader
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestMain(m *testing.M) {
	dbPath := "./test.db"
	if err := db.InitDB(dbPath); err != nil {
		panic(err)
	}

	code := m.Run()

	db.Close()
	os.Remove(dbPath)
	os.Exit(code)
}

func TestAlertRoutes(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	api.Alerts = monitoring.NewAlertSystem(nil)
	alert := api.Alerts.Raise(monitoring.ConditionReloadFailed, monitoring.AlertError, "model reload failed", "registry down", nil)

	rr := serve(api, http.MethodGet, "/api/alerts?active=true", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), alert.ID) {
		t.Fatalf("unexpected alerts response %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(api, http.MethodPost, "/admin/alerts/"+alert.ID+"/resolve", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected resolve status %d", rr.Code)
	}
	if active := api.Alerts.Alerts(true); len(active) != 0 {
		t.Errorf("expected no active alerts, got %+v", active)
	}

	rr = serve(api, http.MethodPost, "/admin/alerts/nope/resolve", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alert, got %d", rr.Code)
	}
}

func TestPredictRouteIsExact(t *testing.T) {
	api, _ := newTestAPI(t, humidityTree(), 1)
	body := `{"Sunshine": 2.0, "Humidity9am": 85, "Humidity3pm": 90, "Cloud9am": 8, "Cloud3pm": 7}`

	for _, path := range []string{"/predict", "/predict/"} {
		if rr := serve(api, http.MethodPost, path, body); rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}
	if rr := serve(api, http.MethodPost, "/predict/anything", body); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 below /predict/, got %d", rr.Code)
	}
}
