// Package telemetry wires OpenTelemetry tracing and metrics export.
//
// Export is off by default. When enabled, spans and metrics go to an OTLP
// collector over gRPC or HTTP/protobuf:
//
//	observability:
//	  enable_telemetry: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sample_rate: 0.25
//
// Components obtain tracers through otel.Tracer at package level, so New
// must run before any gate evaluation or task dispatch to take effect.
// Initialization failures mark the instance degraded and fall back to the
// global no-op providers instead of failing startup.
//
// Tests use NewRecorder for in-memory spans and metrics, or GlobalRecorder
// to capture the spans of package-level tracers.
package telemetry
