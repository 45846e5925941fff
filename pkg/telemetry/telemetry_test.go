package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "zero event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.WithRunID("run-1").WithTopic("podman").Info("resolved")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["run_id"] != "run-1" {
		t.Errorf("Expected run_id run-1, got %v", entry["run_id"])
	}
	if entry["topic"] != "podman" {
		t.Errorf("Expected topic podman, got %v", entry["topic"])
	}
	if entry["message"] != "resolved" {
		t.Errorf("Expected message resolved, got %v", entry["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Expected info to be filtered, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected warn message, got %q", buf.String())
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("Expected a no-op logger, got nil")
	}
	logger.Info("discarded")
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("debug").String(); got != "debug" {
		t.Errorf("Expected debug, got %s", got)
	}
	if got := ParseLevel("bogus").String(); got != "info" {
		t.Errorf("Expected info fallback, got %s", got)
	}
	if got := ParseLevel("").String(); got != "info" {
		t.Errorf("Expected info for empty level, got %s", got)
	}
}

func TestMetricsObserver(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	m.CacheMiss("podman")
	m.CacheHit("podman")
	m.CacheHit("podman")
	m.Resolved("podman", 6, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.cacheHits.WithLabelValues("podman")); got != 2 {
		t.Errorf("Expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheMisses.WithLabelValues("podman")); got != 1 {
		t.Errorf("Expected 1 cache miss, got %v", got)
	}
	if got := testutil.ToFloat64(m.layersApplied.WithLabelValues("podman")); got != 6 {
		t.Errorf("Expected 6 layers, got %v", got)
	}
}

func TestMetricsRuns(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	m.RecordState("podman.running", "changed", time.Second)
	m.RecordState("podman.running", "unchanged", time.Second)
	m.RecordRunCompleted("succeeded", true, 2*time.Second)
	m.RecordError("execution", "E_STATE")

	if got := testutil.ToFloat64(m.statesExecuted.WithLabelValues("podman.running", "changed")); got != 1 {
		t.Errorf("Expected 1 changed state, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("succeeded", "true")); got != 1 {
		t.Errorf("Expected 1 completed run, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "podform_states_total") {
		t.Errorf("Expected states metric in output, got %q", rec.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	m.CacheHit("podman")
	m.RecordState("pkg.installed", "changed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for disabled metrics, got %d", rec.Code)
	}
	if err := m.Serve(context.Background(), NewLoggerTo(&bytes.Buffer{}, LoggingConfig{}).Zerolog()); err != nil {
		t.Errorf("Expected Serve to be a no-op, got %v", err)
	}
}

func TestEventPublisherOrderAndFilter(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})

	var mu sync.Mutex
	var all, states []Event
	ep.Subscribe(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
	}, nil)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		states = append(states, e)
		mu.Unlock()
	}, FilterByType(EventTypeStateCompleted))

	for _, typ := range []string{EventTypeRunStarted, EventTypeStateCompleted, EventTypeRunCompleted} {
		if err := ep.Publish(Event{Type: typ, RunID: "run-1"}); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}
	if all[0].Type != EventTypeRunStarted || all[2].Type != EventTypeRunCompleted {
		t.Errorf("Expected publish order, got %s ... %s", all[0].Type, all[2].Type)
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() || all[0].Level != EventLevelInfo {
		t.Errorf("Expected defaults to be filled, got %+v", all[0])
	}
	if len(states) != 1 {
		t.Errorf("Expected 1 filtered event, got %d", len(states))
	}

	if err := ep.Publish(Event{Type: EventTypeRunStarted}); err != ErrPublisherClosed {
		t.Errorf("Expected ErrPublisherClosed, got %v", err)
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.Publish(Event{Type: EventTypeRunStarted}); err != nil {
		t.Errorf("Expected disabled publish to be a no-op, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestFilterByRunID(t *testing.T) {
	filter := FilterByRunID("a")
	if !filter(Event{RunID: "a"}) {
		t.Error("Expected matching run to pass")
	}
	if filter(Event{RunID: "b"}) {
		t.Error("Expected other run to be filtered")
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{}, "podform", "dev", "test")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ctx, span := tracer.StartRunSpan(context.Background(), "run-1", "podman", true)
	RecordSuccess(span)
	span.End()
	if ctx == nil {
		t.Fatal("Expected context, got nil")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestTracerUnsupportedExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "podform", "dev", "test")
	if err == nil {
		t.Fatal("Expected error for unsupported exporter, got nil")
	}
}

func TestTelemetryContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Metrics.ListenAddress = ""

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	if FromContext(ctx) != tel.Logger {
		t.Error("Expected logger from context")
	}
}
