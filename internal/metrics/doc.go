// Package metrics defines the Prometheus instrumentation for sessions,
// backpressure, engine calls and the HTTP API.
package metrics
