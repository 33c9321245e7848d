// Package observability provides OpenTelemetry tracing and metrics for the
// portal. It exports RED metrics (rate, errors, duration) plus an
// active-operations gauge over OTLP gRPC and keeps an in-process SLO tracker
// fed by the HTTP middleware. Telemetry is off unless enabled in config;
// every helper degrades to a no-op when disabled.
//
// # Setup
//
// Build one provider at startup and shut it down on exit:
//
//	prov, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "vmp-portal",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // sample 10% in production
//		Enabled:      true,
//		Insecure:     true,
//	})
//	defer prov.Shutdown(ctx)
//
// # HTTP
//
// Wrap the mux directly so spans are named by the matched route pattern:
//
//	handler := prov.HTTPMiddleware(mux)
//
// # Manual spans
//
// Track a unit of work and record its outcome:
//
//	ctx, done := prov.TrackOperation(ctx, "soa.match",
//		observability.MatchOperation(caseID, lines, matched)...)
//	defer func() { done(err) }()
//
// Attach events to whatever span is already active:
//
//	observability.AddSpanEvent(ctx, "evidence.stored",
//		observability.EvidenceOperation(caseID, "bank_letter", size)...)
package observability
