// Package tracing wires distributed tracing for the request pipeline.
// The tracer-implementation enum (stdout/jaeger, selectable from
// config) and the span-from-context helper are carried over from this
// proxy's own tracing subsystem; span names are generalized away from
// the teacher's timeseries/Prometheus-origin concepts to the generic
// pipeline stages this proxy actually has (route, beforeRequest,
// cacheLookup, originFetch, admission, afterRequest).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/api/core"
	"go.opentelemetry.io/otel/api/global"
	"go.opentelemetry.io/otel/api/key"
	"go.opentelemetry.io/otel/api/trace"
)

// ServiceName identifies this process to the configured tracer.
const ServiceName = "keepcached"

// TracerImplementation selects which exporter backs the global tracer.
type TracerImplementation int

const (
	NoneTracer TracerImplementation = iota
	StdoutTracerImplementation
	JaegerTracer
)

var implementationNames = []string{"none", "stdout", "jaeger"}

func (t TracerImplementation) String() string {
	if t < NoneTracer || t > JaegerTracer {
		return "unknown-tracer"
	}
	return implementationNames[t]
}

// ParseImplementation maps a config string to the enum, defaulting to
// NoneTracer for an empty or unrecognized value.
func ParseImplementation(name string) TracerImplementation {
	for i, n := range implementationNames {
		if n == name {
			return TracerImplementation(i)
		}
	}
	return NoneTracer
}

// SetTracer installs the global trace provider for t and returns a
// flush/shutdown func.
func SetTracer(t TracerImplementation, collectorURL string) (func(), error) {
	switch t {
	case StdoutTracerImplementation:
		return setStdOutTracer()
	case JaegerTracer:
		return setJaegerTracer(collectorURL)
	default:
		return func() {}, nil
	}
}

type spanNameKeyType struct{}

var spanNameKey = spanNameKeyType{}

// SpanFromContext starts (or continues) a span named stage under the
// global tracer, used once per pipeline stage.
func SpanFromContext(ctx context.Context, stage string) (context.Context, trace.Span) {
	tr := global.TraceProvider().Tracer(ServiceName)
	ctx = context.WithValue(ctx, spanNameKey, stage)
	return tr.Start(ctx, stage)
}

// Tag is a convenience alias so callers don't need to import the otel
// key package directly for simple string attributes.
func Tag(name, value string) core.KeyValue {
	return key.String(name, value)
}
