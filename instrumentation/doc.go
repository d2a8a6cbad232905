// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth provider.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "my-oauth-provider",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.MetricsHandler())
//
// A nil *Instrumentation is valid everywhere: Meter and Tracer return no-op
// implementations and Metrics returns a nil *Metrics whose Record helpers do
// nothing. Components therefore never need to check whether observability
// was configured.
//
// # Available Metrics
//
// Tokens:
//   - oauth.token.issued{grant_type, token_type}
//   - oauth.token.revoked{token_type}
//   - oauth.token_validation.cache{result}
//
// Validation:
//   - oauth.validation.failed{endpoint, error}
//   - oauth.client_auth.failed{method}
//   - oauth.pkce.validation_failed{method}
//   - oauth.device.poll{result}
//   - oauth.cors.cache{result}
//
// Security:
//   - oauth.replay.detected{kind}
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.backchannel_logout{result}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.grants.count, storage.device_codes.count
//
// No metric carries client_id or subject labels, so cardinality stays fixed
// regardless of the number of registered clients.
//
// # Tracing
//
// Validators, generators and stores open one span per operation
// (validation.authorize, tokens.create, storage.consume_grant, ...).
// Spans are created by an SDK tracer provider; attach an exporter through
// Config.SpanProcessor.
//
// # Security Considerations
//
// Never record token values, authorization codes, device or user codes,
// client secrets or PKCE verifiers. Only metadata such as grant types, token
// types and family IDs belong in attributes.
package instrumentation
