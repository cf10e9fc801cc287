// Package middleware provides net/http middleware for the inspector API.
//
// This package includes:
//   - OpenTelemetry tracing of HTTP requests
//   - Prometheus request metrics
//   - Structured request logging through slog
//
// All three are chi-compatible (func(http.Handler) http.Handler) and label
// requests by route pattern rather than raw path, so session ids never
// become metric labels.
//
//	r := chi.NewRouter()
//	r.Use(middleware.Tracing())
//	r.Use(middleware.Metrics(middleware.WithRegistry(reg)))
//	r.Use(middleware.Logger(logger))
//
// The tracer uses the global OpenTelemetry tracer provider. Configure it
// in main() before starting the server:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
package middleware
