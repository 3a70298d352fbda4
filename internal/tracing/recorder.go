package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	export "go.opentelemetry.io/otel/sdk/export/trace"
)

// errorFunc receives exporter-internal marshal errors; tests usually
// pass t.Error.
type errorFunc func(error)

// recorderExporter implements trace.Exporter by writing JSON-encoded
// spans to a buffer and retaining them for inspection.
type recorderExporter struct {
	io.Reader
	outputWriter io.Writer
	spans        []*export.SpanData
	errorFunc    errorFunc
}

func newRecorder(ef errorFunc) (*recorderExporter, error) {
	buf := new(bytes.Buffer)
	return &recorderExporter{buf, buf, nil, ef}, nil
}

func (e *recorderExporter) ExportSpan(ctx context.Context, data *export.SpanData) {
	jsonSpan, err := json.Marshal(data)
	if err != nil && e.errorFunc != nil {
		e.errorFunc(err)
	}
	e.spans = append(e.spans, data)
	e.outputWriter.Write(append(jsonSpan, byte('\n')))
}

// SpanNames returns the names of every span recorded so far, for test
// assertions.
func (e *recorderExporter) SpanNames() []string {
	names := make([]string, 0, len(e.spans))
	for _, s := range e.spans {
		names = append(names, s.Name)
	}
	return names
}
