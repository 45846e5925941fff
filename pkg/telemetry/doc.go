// Package telemetry provides the observability stack used by podform.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event stream for run progress.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	telemetry.FromContext(ctx).WithTopic("podman").Info("resolving mapdata")
//
// # Metrics
//
// Metrics live on a private registry. *Metrics satisfies the mapstack
// observer interface so mapdata cache hits, misses and build durations are
// reported without the resolver importing this package. Serve exposes the
// registry over HTTP when a listen address is configured.
//
// # Events
//
// The EventPublisher delivers run, state, mapdata and policy events to
// subscribers in publish order. The run recorder in package stores
// subscribes to keep them with the run history.
package telemetry
