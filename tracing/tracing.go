// Package tracing derives the traceparent header the sender attaches to
// every outbound request, and lets retries start child spans linked to
// the parent. It borrows the Tracer/SpanContext/ChildOf shape from
// opentracing-go without depending on it: the sender only ever needs one
// propagated header, not a full reporter/baggage API.
package tracing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SpanContext is the propagated identity of a span: a 16-byte trace id
// shared by an entire request's retry sequence, and an 8-byte span id
// unique to one attempt.
type SpanContext struct {
	TraceID [16]byte
	SpanID  [8]byte
}

// Span is a single traced operation (one send attempt).
type Span struct {
	ctx SpanContext
}

// Context returns the span's propagated identity.
func (s Span) Context() SpanContext { return s.ctx }

// StartSpan begins a new span. If parent is the zero SpanContext, a fresh
// trace id is generated (this is the first attempt); otherwise the
// trace id is inherited and only a new span id is minted, i.e. ChildOf
// semantics.
func StartSpan(parent SpanContext) Span {
	ctx := SpanContext{TraceID: parent.TraceID}
	if ctx.TraceID == ([16]byte{}) {
		_, _ = rand.Read(ctx.TraceID[:])
	}
	_, _ = rand.Read(ctx.SpanID[:])
	return Span{ctx: ctx}
}

// ChildOf starts a new span whose trace id is inherited from parent,
// regardless of whether parent is itself the root.
func ChildOf(parent SpanContext) Span {
	return StartSpan(parent)
}

// TraceParentHeader renders the span's context as a W3C-shaped traceparent
// header value: "00-<trace-id>-<span-id>-<flags>".
func (s Span) TraceParentHeader() string {
	return fmt.Sprintf("00-%s-%s-01", hex.EncodeToString(s.ctx.TraceID[:]), hex.EncodeToString(s.ctx.SpanID[:]))
}

// HeaderName is the HTTP header the sender attaches the trace-parent to.
const HeaderName = "traceparent"
