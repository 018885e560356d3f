package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// MetricsFromContext returns the context's metrics, or nil. Every *Metrics
// method accepts a nil receiver.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Metrics
	}
	return nil
}

// EventsFromContext returns the context's event publisher, or nil.
func EventsFromContext(ctx context.Context) *EventPublisher {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Events
	}
	return nil
}

// ZerologFromContext returns the context's logger as a zerolog.Logger, or a
// disabled logger.
func ZerologFromContext(ctx context.Context) zerolog.Logger {
	return FromContext(ctx).Zerolog()
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// RecordBackendCall runs an adapter call inside a client span and records
// its latency and failure.
func RecordBackendCall(ctx context.Context, backend, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartBackendSpan(ctx, backend, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(spanCtx)
	tel.Metrics.RecordBackendCall(backend, operation, timer.Duration(), err)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}

// RecordTransition records a committed resource transition.
func RecordTransition(ctx context.Context, resourceID, from, to, outcome string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordTransition(from, to, outcome)
	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(
		AttrResourceID.String(resourceID),
		AttrFromState.String(from),
		AttrToState.String(to),
	))
	_ = tel.Events.PublishStateChanged(resourceID, from, to, outcome)
}

// AlertKind names an operator alert.
type AlertKind string

// Alert kinds raised by the broker.
const (
	// AlertQuotaDenied fires when activation is refused for lack of quota.
	AlertQuotaDenied AlertKind = "quota_denied"

	// AlertErredTerminal fires when a resource is finalized as failed.
	AlertErredTerminal AlertKind = "erred_terminal"

	// AlertDrift fires on high-severity drift.
	AlertDrift AlertKind = "drift"

	// AlertQuotaBreach fires when metered usage exceeds a limit.
	AlertQuotaBreach AlertKind = "quota_breach"

	// AlertStaleResource fires when a resource sits in a transitional state too long.
	AlertStaleResource AlertKind = "stale_resource"

	// AlertRedriveExhausted fires when the Reconciler gives up re-driving an entry.
	AlertRedriveExhausted AlertKind = "redrive_exhausted"
)

// Alert is an operator notification. Severity is "low" or "high".
type Alert struct {
	Kind       AlertKind
	ResourceID string
	OrderID    string
	Scope      string
	Severity   string
	Message    string
}

// RaiseAlert logs the alert, counts it and publishes it as an event.
func RaiseAlert(ctx context.Context, alert Alert) {
	logger := ZerologFromContext(ctx)
	event := logger.Warn()
	if alert.Severity == "high" {
		event = logger.Error()
	}
	event.Str("alert", string(alert.Kind)).
		Str("resource_id", alert.ResourceID).
		Str("order_id", alert.OrderID).
		Str("scope", alert.Scope).
		Str("severity", alert.Severity).
		Msg(alert.Message)

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordAlert(string(alert.Kind), alert.Severity)
	trace.SpanFromContext(ctx).AddEvent("alert", trace.WithAttributes(
		AttrAlertKind.String(string(alert.Kind)),
		AttrResourceID.String(alert.ResourceID),
		attribute.String("alert.severity", alert.Severity),
	))

	level := EventLevelWarning
	if alert.Severity == "high" {
		level = EventLevelError
	}
	typ := EventTypeAlert
	switch alert.Kind {
	case AlertDrift:
		typ = EventTypeDriftDetected
	case AlertQuotaBreach:
		typ = EventTypeQuotaBreached
	}
	_ = tel.Events.Publish(Event{
		Type:       typ,
		Source:     "broker",
		OrderID:    alert.OrderID,
		ResourceID: alert.ResourceID,
		Message:    fmt.Sprintf("%s: %s", alert.Kind, alert.Message),
		Level:      level,
		Data: map[string]interface{}{
			"kind":     string(alert.Kind),
			"scope":    alert.Scope,
			"severity": alert.Severity,
		},
	})
}

// Operation is an instrumented unit of work with a span and a scoped logger.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(context.Background()),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, name, attrs...)
	logger := FromContext(ctx).WithField("operation", name)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &Operation{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the operation, recording success or failure.
func (op *Operation) End(err error) {
	if err != nil {
		RecordError(op.Span, err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()
}
