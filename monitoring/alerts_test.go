package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (s *webhookSink) handler(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	json.NewDecoder(r.Body).Decode(&payload)
	s.mu.Lock()
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func TestAlertsRaiseOnReloadFailure(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer server.Close()

	alerts := NewAlertSystem(nil, &AlertChannel{Name: "ops", Webhook: server.URL, MinLevel: AlertWarning})
	alerts.ObserveReload(service.ReloadRecord{Err: errors.New("registry down"), At: time.Now()})
	alerts.ObserveReload(service.ReloadRecord{Err: errors.New("registry down"), At: time.Now()})
	alerts.Close()

	active := alerts.Alerts(true)
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d", len(active))
	}
	if active[0].Condition != ConditionReloadFailed || active[0].Occurrences != 2 {
		t.Errorf("unexpected alert %+v", active[0])
	}
	if sink.count() != 1 {
		t.Errorf("expected one webhook delivery for a repeated condition, got %d", sink.count())
	}
	text, _ := sink.payloads[0]["text"].(string)
	if !strings.Contains(text, "model reload failed") {
		t.Errorf("unexpected webhook text %q", text)
	}

	alerts.ObserveReload(service.ReloadRecord{Info: service.SnapshotInfo{
		ModelOrigin:  loader.OriginRegistry,
		SchemaOrigin: loader.OriginRegistry,
	}})
	if got := alerts.Alerts(true); len(got) != 0 {
		t.Errorf("expected recovery to resolve alerts, got %+v", got)
	}
	stats := alerts.Stats()
	if stats.TotalAlerts != 1 || stats.ResolvedAlerts != 1 || stats.Delivered["ops"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAlertsFallbackBelowChannelLevel(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer server.Close()

	alerts := NewAlertSystem(nil, &AlertChannel{Name: "pager", Webhook: server.URL, MinLevel: AlertError})
	alerts.ObserveReload(service.ReloadRecord{Info: service.SnapshotInfo{
		ModelOrigin:  loader.OriginLocalFallback,
		SchemaOrigin: loader.OriginRegistry,
	}})
	alerts.Close()

	active := alerts.Alerts(true)
	if len(active) != 1 || active[0].Condition != ConditionFallbackInUse || active[0].Level != AlertWarning {
		t.Fatalf("expected a fallback warning, got %+v", active)
	}
	if sink.count() != 0 {
		t.Errorf("warning should not reach an error-level channel")
	}
}

func TestAlertsRateLimit(t *testing.T) {
	sink := &webhookSink{}
	server := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer server.Close()

	alerts := NewAlertSystem(nil, &AlertChannel{
		Name:      "ops",
		Webhook:   server.URL,
		MinLevel:  AlertInfo,
		RateLimit: RateLimit{Cooldown: time.Hour},
	})
	first := alerts.Raise("a", AlertError, "first", "", nil)
	alerts.Raise("b", AlertError, "second", "", nil)
	alerts.Close()

	if sink.count() != 1 {
		t.Fatalf("expected cooldown to suppress the second delivery, got %d", sink.count())
	}
	if alerts.Stats().Suppressed != 1 {
		t.Errorf("expected 1 suppressed, got %d", alerts.Stats().Suppressed)
	}

	if err := alerts.ResolveAlert(first.ID); err != nil {
		t.Fatalf("ResolveAlert failed: %v", err)
	}
	if err := alerts.ResolveAlert("missing"); err == nil {
		t.Error("expected error for unknown alert id")
	}
	if len(alerts.Alerts(false)) != 2 || len(alerts.Alerts(true)) != 1 {
		t.Errorf("unexpected alert lists")
	}
}

func TestParseAlertLevel(t *testing.T) {
	if level, err := ParseAlertLevel(" Error "); err != nil || level != AlertError {
		t.Errorf("ParseAlertLevel(Error) = %q, %v", level, err)
	}
	if _, err := ParseAlertLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
