package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Portal semantic convention attributes. Keys stay stable across releases
// so dashboards and alerts can rely on them.
var (
	AttrTenantID = attribute.Key("vmp.tenant.id")

	// Case attributes
	AttrCaseID   = attribute.Key("vmp.case.id")
	AttrCaseType = attribute.Key("vmp.case.type")
	AttrVendorID = attribute.Key("vmp.vendor.id")

	// Evidence attributes
	AttrEvidenceType = attribute.Key("vmp.evidence.type")
	AttrEvidenceSize = attribute.Key("vmp.evidence.size_bytes")

	// Statement matching attributes
	AttrMatchPass    = attribute.Key("vmp.match.pass")
	AttrLineCount    = attribute.Key("vmp.match.lines")
	AttrMatchedCount = attribute.Key("vmp.match.matched")

	// Notification attributes
	AttrNotifyKind = attribute.Key("vmp.notify.kind")
)

// CaseOperation builds attributes for case lifecycle spans and events.
func CaseOperation(caseID, caseType, vendorID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrCaseType.String(caseType),
		AttrVendorID.String(vendorID),
	}
}

// EvidenceOperation builds attributes for evidence upload spans and events.
func EvidenceOperation(caseID, evidenceType string, sizeBytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrEvidenceType.String(evidenceType),
		AttrEvidenceSize.Int64(sizeBytes),
	}
}

// MatchOperation builds attributes for statement matching spans and events.
func MatchOperation(caseID string, lines, matched int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrLineCount.Int(lines),
		AttrMatchedCount.Int(matched),
	}
}

// SpanFromContext extracts the active span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the active span. A no-op when no span
// is recording, so call sites never have to guard on telemetry being on.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the active span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
