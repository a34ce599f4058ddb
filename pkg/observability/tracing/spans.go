// Package tracing provides OpenTelemetry spans for lease operations and the
// store calls they issue.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

const (
	SpanOperationLeaseAcquire       SpanOperation = "lease.acquire"
	SpanOperationLeaseAcquireBatch  SpanOperation = "lease.acquire_batch"
	SpanOperationLeaseAcquireQuery  SpanOperation = "lease.acquire_query"
	SpanOperationLeaseAcquireCreate SpanOperation = "lease.acquire_or_create"
	SpanOperationLeaseRenew         SpanOperation = "lease.renew"
	SpanOperationLeaseRelease       SpanOperation = "lease.release"
	SpanOperationLeaseReleaseOwner  SpanOperation = "lease.release_owner"

	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBUpdate SpanOperation = "db.update"
	SpanOperationDBDelete SpanOperation = "db.delete"
)

// StartLeaseSpan opens a span for an engine-level lease operation.
func StartLeaseSpan(ctx context.Context, operation SpanOperation, opts ...LeaseSpanOption) (context.Context, trace.Span) {
	spanOpts := &leaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("lease.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	name := fmt.Sprintf("LEASE %s", operation)
	if spanOpts.collection != "" {
		name = fmt.Sprintf("LEASE %s %s", operation, spanOpts.collection)
	}

	ctx, span := otel.Tracer("lease").Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// LeaseSpanOption configures a lease span.
type LeaseSpanOption func(*leaseSpanOptions)

type leaseSpanOptions struct {
	collection string
	attributes []attribute.KeyValue
}

// WithLeaseCollection sets the collection whose records are being leased.
func WithLeaseCollection(collection string) LeaseSpanOption {
	return func(opts *leaseSpanOptions) {
		opts.collection = collection
		opts.attributes = append(opts.attributes, attribute.String("lease.collection", collection))
	}
}

// WithLeaseOwner sets the owner node id.
func WithLeaseOwner(owner string) LeaseSpanOption {
	return func(opts *leaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lease.owner", owner))
	}
}

// WithLeaseKeyCount records how many keys the operation targets.
func WithLeaseKeyCount(n int) LeaseSpanOption {
	return func(opts *leaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("lease.keys", n))
	}
}

// StartDatabaseSpan creates a new span for a store round-trip issued by an executor.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("db.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.table != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.table)
	}

	ctx, span := otel.Tracer("database").Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	table      string
	attributes []attribute.KeyValue
}

// WithDBTable sets the table or collection name for the span.
func WithDBTable(table string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.table = table
		opts.attributes = append(opts.attributes, attribute.String("db.table", table))
	}
}

// WithDBSystem sets the database system (e.g., "postgresql", "mongodb").
func WithDBSystem(system string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// RecordError records an error in the span and sets its status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records err (if any) or success, then ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}
