// Package telemetry provides OpenTelemetry instrumentation for weightopt.
//
// New builds OTLP tracer and meter providers (gRPC or HTTP/protobuf) and
// installs them as the global providers, so packages that call otel.Tracer
// or otel.Meter pick them up without plumbing:
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Core packages wrap their operations with StartSpan and EndSpan. Tests use
// NewTestTelemetry, which records spans and metrics in memory.
package telemetry
