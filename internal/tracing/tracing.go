// Package tracing wraps opentracing-go spans around one query's path
// through the forwarding engine. Grounded on CoreDNS's forward plugin
// (other_examples/09ae6ae0_microdog-pforward__forward.go.go), which
// imports opentracing-go directly to trace a forwarded query; this
// narrows that to the four phases of the per-connection state machine.
package tracing

import (
	"context"

	ot "github.com/opentracing/opentracing-go"
)

// StartQuery starts the root span for one forwarded query.
func StartQuery(ctx context.Context, tracer ot.Tracer, protocol, qname string) (ot.Span, context.Context) {
	span := tracer.StartSpan("iodns.forward")
	span.SetTag("protocol", protocol)
	span.SetTag("qname", qname)
	return span, ot.ContextWithSpan(ctx, span)
}

// StartChild starts a child span for one phase of the state machine
// (select, connect, tx, rx) under the query's root span, if any is
// present in ctx.
func StartChild(ctx context.Context, tracer ot.Tracer, operation string) ot.Span {
	var opts []ot.StartSpanOption
	if parent := ot.SpanFromContext(ctx); parent != nil {
		opts = append(opts, ot.ChildOf(parent.Context()))
	}
	return tracer.StartSpan(operation, opts...)
}
