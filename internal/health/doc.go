// Package health holds the liveness and readiness probes of the preview
// server and the handlers that expose them.
//
// Probes compose with [All] and [Any]. [ShutdownGate] fails readiness while
// the server drains so the load balancer stops routing to it first.
package health
