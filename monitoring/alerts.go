package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pspedro19/PredicciondelClimaAPI/loader"
	"github.com/pspedro19/PredicciondelClimaAPI/service"
)

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

var levelRank = map[AlertLevel]int{
	AlertInfo:     0,
	AlertWarning:  1,
	AlertError:    2,
	AlertCritical: 3,
}

// ParseAlertLevel accepts the four level names; anything else is an error.
func ParseAlertLevel(s string) (AlertLevel, error) {
	level := AlertLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[level]; !ok {
		return "", fmt.Errorf("unknown alert level %q", s)
	}
	return level, nil
}

// Conditions an alert can be raised for. At most one alert per condition is
// active at a time.
const (
	ConditionReloadFailed  = "reload_failed"
	ConditionFallbackInUse = "fallback_in_use"
)

type Alert struct {
	ID          string         `json:"id"`
	Condition   string         `json:"condition"`
	Level       AlertLevel     `json:"level"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	LastSeen    time.Time      `json:"last_seen"`
	Occurrences int            `json:"occurrences"`
	Resolved    bool           `json:"resolved"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AlertChannel is a webhook that receives alerts at or above MinLevel.
type AlertChannel struct {
	Name      string
	Webhook   string
	MinLevel  AlertLevel
	RateLimit RateLimit
}

type RateLimit struct {
	MaxPerHour int
	Cooldown   time.Duration
}

type AlertStats struct {
	TotalAlerts    int64                `json:"total_alerts"`
	ActiveAlerts   int64                `json:"active_alerts"`
	ResolvedAlerts int64                `json:"resolved_alerts"`
	ByLevel        map[AlertLevel]int64 `json:"by_level"`
	Delivered      map[string]int64     `json:"delivered"`
	Suppressed     int64                `json:"suppressed"`
	FailedDeliver  int64                `json:"failed_deliveries"`
	LastAlert      time.Time            `json:"last_alert,omitempty"`
}

type rateTracker struct {
	window   time.Time
	count    int
	lastSent time.Time
}

const maxStoredAlerts = 200

var messageTemplate = template.Must(template.New("alert").Parse(
	"[{{.Level}}] {{.Title}}\n{{.Message}}\nsince {{.Timestamp.Format \"2006-01-02 15:04:05\"}}" +
		"{{if gt .Occurrences 1}} ({{.Occurrences}} occurrences){{end}}"))

// AlertSystem turns reload events into alerts, keeps the recent ones for
// the API and posts new ones to webhook channels.
type AlertSystem struct {
	mu         sync.Mutex
	alerts     map[string]*Alert
	active     map[string]string // condition -> alert id
	channels   []*AlertChannel
	trackers   map[string]*rateTracker
	stats      AlertStats
	httpClient *http.Client
	logger     *zap.Logger
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewAlertSystem(logger *zap.Logger, channels ...*AlertChannel) *AlertSystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertSystem{
		alerts:     make(map[string]*Alert),
		active:     make(map[string]string),
		channels:   channels,
		trackers:   make(map[string]*rateTracker),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
		stats: AlertStats{
			ByLevel:   make(map[AlertLevel]int64),
			Delivered: make(map[string]int64),
		},
	}
}

func (a *AlertSystem) ObservePrediction(service.PredictionRecord) {}

func (a *AlertSystem) ObserveReload(r service.ReloadRecord) {
	if r.Err != nil {
		a.Raise(ConditionReloadFailed, AlertError, "model reload failed",
			"previous model still serving: "+r.Err.Error(), nil)
		return
	}
	a.Resolve(ConditionReloadFailed)

	var fallbacks []string
	if r.Info.ModelOrigin == loader.OriginLocalFallback {
		fallbacks = append(fallbacks, "model")
	}
	if r.Info.SchemaOrigin == loader.OriginLocalFallback {
		fallbacks = append(fallbacks, "feature schema")
	}
	if len(fallbacks) == 0 {
		a.Resolve(ConditionFallbackInUse)
		return
	}
	a.Raise(ConditionFallbackInUse, AlertWarning, "serving local fallback",
		strings.Join(fallbacks, " and ")+" loaded from local files",
		map[string]any{"model_name": r.Info.ModelName, "model_version": r.Info.ModelVersion})
}

// Raise opens an alert for condition or, when one is already active,
// counts another occurrence without notifying again.
func (a *AlertSystem) Raise(condition string, level AlertLevel, title, message string, metadata map[string]any) *Alert {
	now := a.now()

	a.mu.Lock()
	if id, ok := a.active[condition]; ok {
		alert := a.alerts[id]
		alert.Occurrences++
		alert.LastSeen = now
		alert.Message = message
		copied := *alert
		a.mu.Unlock()
		return &copied
	}

	alert := &Alert{
		ID:          uuid.NewString(),
		Condition:   condition,
		Level:       level,
		Title:       title,
		Message:     message,
		Timestamp:   now,
		LastSeen:    now,
		Occurrences: 1,
		Metadata:    metadata,
	}
	a.alerts[alert.ID] = alert
	a.active[condition] = alert.ID
	a.stats.TotalAlerts++
	a.stats.ByLevel[level]++
	a.stats.LastAlert = now
	a.prune()

	copied := *alert
	targets := a.eligible(&copied, now)
	a.mu.Unlock()

	a.logger.Warn("alert raised",
		zap.String("condition", condition),
		zap.String("level", string(level)),
		zap.String("message", message))
	for _, ch := range targets {
		a.deliver(ch, copied)
	}
	return &copied
}

// Resolve closes the active alert for condition, if any.
func (a *AlertSystem) Resolve(condition string) {
	a.mu.Lock()
	id, ok := a.active[condition]
	if ok {
		a.resolveLocked(id)
	}
	a.mu.Unlock()
	if ok {
		a.logger.Info("alert resolved", zap.String("condition", condition), zap.String("id", id))
	}
}

// ResolveAlert closes an alert by id.
func (a *AlertSystem) ResolveAlert(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alert, ok := a.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if alert.Resolved {
		return nil
	}
	a.resolveLocked(id)
	return nil
}

func (a *AlertSystem) resolveLocked(id string) {
	alert := a.alerts[id]
	now := a.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	if a.active[alert.Condition] == id {
		delete(a.active, alert.Condition)
	}
	a.stats.ResolvedAlerts++
}

// prune drops the oldest resolved alerts once more than maxStoredAlerts are
// kept.
func (a *AlertSystem) prune() {
	if len(a.alerts) <= maxStoredAlerts {
		return
	}
	var resolved []*Alert
	for _, alert := range a.alerts {
		if alert.Resolved {
			resolved = append(resolved, alert)
		}
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Timestamp.Before(resolved[j].Timestamp) })
	for _, alert := range resolved {
		if len(a.alerts) <= maxStoredAlerts {
			break
		}
		delete(a.alerts, alert.ID)
	}
}

// Alerts returns copies of the stored alerts, newest first. With
// activeOnly set, resolved alerts are skipped.
func (a *AlertSystem) Alerts(activeOnly bool) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		if activeOnly && alert.Resolved {
			continue
		}
		out = append(out, *alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (a *AlertSystem) Stats() AlertStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.stats
	stats.ActiveAlerts = int64(len(a.active))
	stats.ByLevel = make(map[AlertLevel]int64, len(a.stats.ByLevel))
	for k, v := range a.stats.ByLevel {
		stats.ByLevel[k] = v
	}
	stats.Delivered = make(map[string]int64, len(a.stats.Delivered))
	for k, v := range a.stats.Delivered {
		stats.Delivered[k] = v
	}
	return stats
}

// eligible returns the channels that accept alert under their level filter
// and rate limit. Caller holds a.mu.
func (a *AlertSystem) eligible(alert *Alert, now time.Time) []*AlertChannel {
	var out []*AlertChannel
	for _, ch := range a.channels {
		if ch.Webhook == "" || levelRank[alert.Level] < levelRank[ch.MinLevel] {
			continue
		}
		if !a.allow(ch, now) {
			a.stats.Suppressed++
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (a *AlertSystem) allow(ch *AlertChannel, now time.Time) bool {
	tracker, ok := a.trackers[ch.Name]
	if !ok {
		tracker = &rateTracker{window: now.Truncate(time.Hour)}
		a.trackers[ch.Name] = tracker
	}
	if hour := now.Truncate(time.Hour); !hour.Equal(tracker.window) {
		tracker.window = hour
		tracker.count = 0
	}
	if ch.RateLimit.MaxPerHour > 0 && tracker.count >= ch.RateLimit.MaxPerHour {
		return false
	}
	if ch.RateLimit.Cooldown > 0 && !tracker.lastSent.IsZero() && now.Sub(tracker.lastSent) < ch.RateLimit.Cooldown {
		return false
	}
	tracker.count++
	tracker.lastSent = now
	return true
}

func (a *AlertSystem) deliver(ch *AlertChannel, alert Alert) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.post(ch.Webhook, alert)

		a.mu.Lock()
		if err != nil {
			a.stats.FailedDeliver++
		} else {
			a.stats.Delivered[ch.Name]++
		}
		a.mu.Unlock()

		if err != nil {
			a.logger.Warn("alert delivery failed", zap.String("channel", ch.Name), zap.Error(err))
		}
	}()
}

func (a *AlertSystem) post(url string, alert Alert) error {
	var text bytes.Buffer
	if err := messageTemplate.Execute(&text, alert); err != nil {
		return fmt.Errorf("format alert: %w", err)
	}
	payload, err := json.Marshal(map[string]any{"text": text.String(), "alert": alert})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("webhook returned " + resp.Status)
	}
	return nil
}

// Close waits for in-flight webhook deliveries.
func (a *AlertSystem) Close() {
	a.wg.Wait()
}
