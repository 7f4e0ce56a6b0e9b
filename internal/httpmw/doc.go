// Package httpmw provides HTTP middleware for the preview edge server.
//
// httpserver.NewHandler composes it outermost first: security headers,
// recovery, request ID, client IP resolution, OTel tracing, trace response
// headers, metrics, request-scoped logging, then the chi router with the
// access log. The edge's web ACL filter runs inside the router and relies
// on the client IP resolved here.
//
// Query strings and user agents stay out of access logs.
package httpmw
