// Package telemetry provides observability for the broker.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher. A *Telemetry is
// attached to a context with WithContext; the helpers in this package
// (RecordBackendCall, RecordTransition, RaiseAlert, MetricsFromContext)
// look it up and degrade to no-ops when it is absent, so library code can
// instrument unconditionally.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	srv := tel.Metrics.StartMetricsServer()
//	defer srv.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Alerts are operator notifications: quota denials, terminal failures,
// high drift, quota breaches and resources stuck in a transitional state.
// Each is logged, counted in broker_alerts_total and published as an Event.
package telemetry
