package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()
	tel, err := NewTelemetry(TestConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordTransition("creating", "provisioning", "pending")
	m.RecordLeaseContention()
	m.SetQueueDepth(3)
	m.RecordAlert("drift", "high")
	assert.Nil(t, m.Registry())

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	disabled.RecordBackendCall("fake", "create", time.Second, nil)
	assert.Nil(t, disabled.StartMetricsServer())
}

func TestHelpersWithoutTelemetry(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, MetricsFromContext(ctx))

	called := false
	err := RecordBackendCall(ctx, "fake", "create", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	RecordTransition(ctx, "res-1", "", "creating", "succeeded")
	RaiseAlert(ctx, Alert{Kind: AlertDrift, Severity: "high", Message: "gone"})
}

func TestRecordBackendCall(t *testing.T) {
	tel := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	boom := errors.New("boom")
	err := RecordBackendCall(ctx, "hcloud", "create", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, RecordBackendCall(ctx, "hcloud", "create", func(context.Context) error { return nil }))

	assert.Equal(t, 2.0, testutil.ToFloat64(tel.Metrics.backendCalls.WithLabelValues("hcloud", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.backendErrors.WithLabelValues("hcloud", "create")))
}

func TestRecordTransitionPublishesEvent(t *testing.T) {
	tel := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	var got []Event
	tel.Events.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeResourceStateChanged))

	RecordTransition(ctx, "res-1", "", "creating", "succeeded")

	require.Len(t, got, 1)
	assert.Equal(t, "res-1", got[0].ResourceID)
	assert.Equal(t, "creating", got[0].Data["to"])
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.transitions.WithLabelValues("none", "creating", "succeeded")))
}

func TestRaiseAlert(t *testing.T) {
	tel := newTestTelemetry(t)
	var buf bytes.Buffer
	tel.Logger = NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})
	ctx := tel.WithContext(context.Background())

	var got []Event
	tel.Events.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelError))

	RaiseAlert(ctx, Alert{Kind: AlertQuotaBreach, Scope: "account:acme", Severity: "high", Message: "cores over limit"})
	RaiseAlert(ctx, Alert{Kind: AlertStaleResource, ResourceID: "res-1", Severity: "low", Message: "stuck"})

	require.Len(t, got, 1)
	assert.Equal(t, EventTypeQuotaBreached, got[0].Type)
	assert.Equal(t, "account:acme", got[0].Data["scope"])

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.alerts.WithLabelValues("quota_breach", "high")))
	assert.Contains(t, buf.String(), "cores over limit")
	assert.Contains(t, buf.String(), `"alert":"stale_resource"`)
}

func TestEventPublisherAsync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		FlushInterval: 10 * time.Millisecond,
		MaxBatchSize:  100,
		EnableAsync:   true,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.ResourceID)
	}, FilterByResourceID("res-2"))

	require.NoError(t, ep.Publish(Event{Type: EventTypeAlert, ResourceID: "res-1"}))
	require.NoError(t, ep.Publish(Event{Type: EventTypeAlert, ResourceID: "res-2"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ep.Shutdown(context.Background()))
	assert.Error(t, ep.Publish(Event{Type: EventTypeAlert}))
}

func TestEventPublisherGlobalFilter(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	require.NoError(t, err)
	ep.AddFilter(FilterByType(EventTypeOrderCompleted))

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	require.NoError(t, ep.PublishStateChanged("res-1", "active", "updating", "pending"))
	require.NoError(t, ep.PublishOrderCompleted("ord-1", "res-1", "erred", "backend refused"))

	require.Len(t, got, 1)
	assert.Equal(t, EventLevelError, got[0].Level)
	assert.NotEmpty(t, got[0].ID)
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"}).
		NewComponentLogger("orders").
		WithOrderID("ord-1").
		WithBackend("hcloud", "42")
	logger.Info("approved")

	out := buf.String()
	for _, want := range []string{`"component":"orders"`, `"order_id":"ord-1"`, `"backend_type":"hcloud"`, "approved"} {
		assert.True(t, strings.Contains(out, want), "missing %s in %s", want, out)
	}

	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "reconcile")
	op.End(errors.New("failed"))
	assert.NotNil(t, op.Logger)
}
