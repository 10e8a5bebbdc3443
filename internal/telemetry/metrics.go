package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvtools/dvq/internal/transfer"
)

const (
	queryScopeName    = "github.com/dvtools/dvq/query"
	transferScopeName = "github.com/dvtools/dvq/transfer"
)

// QueryMetrics instruments query execution. Every executed statement gets a
// span and is counted in dvq.query.* metrics. NewQueryMetrics returns nil
// when telemetry is disabled; a nil receiver is safe to use.
type QueryMetrics struct {
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

func NewQueryMetrics() *QueryMetrics {
	if !Enabled() {
		return nil
	}
	m := Meter(queryScopeName)
	ops, _ := m.Int64Counter("dvq.query.executions",
		metric.WithDescription("Total queries executed"),
	)
	dur, _ := m.Float64Histogram("dvq.query.duration",
		metric.WithDescription("Query execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("dvq.query.errors",
		metric.WithDescription("Total query failures"),
	)
	return &QueryMetrics{tracer: Tracer(queryScopeName), ops: ops, dur: dur, errs: errs}
}

// Start opens a span for one statement. engine is "fetchxml" or "tds".
func (q *QueryMetrics) Start(ctx context.Context, engine string) (context.Context, trace.Span, time.Time) {
	if q == nil {
		return ctx, nil, time.Time{}
	}
	attrs := metric.WithAttributes(attribute.String("dvq.engine", engine))
	ctx, span := q.tracer.Start(ctx, "query."+engine, trace.WithSpanKind(trace.SpanKindClient))
	q.ops.Add(ctx, 1, attrs)
	return ctx, span, time.Now()
}

// Done closes the span and records duration and outcome.
func (q *QueryMetrics) Done(ctx context.Context, span trace.Span, start time.Time, engine string, err error) {
	if q == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("dvq.engine", engine))
	q.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.errs.Add(ctx, 1, attrs)
	}
	span.End()
}

// TransferSink records transfer progress events as dvq.transfer.* metrics.
// Register it on the engine's event bus; when telemetry is disabled
// NewTransferSink returns nil, which the bus ignores.
type TransferSink struct {
	pages    metric.Int64Counter
	batches  metric.Int64Counter
	rows     metric.Int64Counter
	failures metric.Int64Counter
}

func NewTransferSink() transfer.ProgressSink {
	if !Enabled() {
		return nil
	}
	m := Meter(transferScopeName)
	pages, _ := m.Int64Counter("dvq.transfer.export.pages",
		metric.WithDescription("Export pages fetched"),
	)
	batches, _ := m.Int64Counter("dvq.transfer.import.batches",
		metric.WithDescription("Import batches applied"),
	)
	rows, _ := m.Int64Counter("dvq.transfer.import.rows",
		metric.WithDescription("Records applied to the target environment"),
	)
	failures, _ := m.Int64Counter("dvq.transfer.failures",
		metric.WithDescription("Transfer failures by error code"),
	)
	return &TransferSink{pages: pages, batches: batches, rows: rows, failures: failures}
}

func (s *TransferSink) Publish(e transfer.Event) {
	ctx := context.Background()
	entity := metric.WithAttributes(attribute.String("dvq.entity", e.Entity))
	switch e.Kind {
	case transfer.EventExportPageEmitted:
		s.pages.Add(ctx, 1, entity)
	case transfer.EventImportBatchApplied:
		s.batches.Add(ctx, 1, entity)
		s.rows.Add(ctx, int64(e.Rows), entity)
	case transfer.EventFailure:
		s.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("dvq.entity", e.Entity),
			attribute.String("dvq.code", string(e.Code)),
		))
	}
}
