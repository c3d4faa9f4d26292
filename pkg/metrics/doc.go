// Package metrics defines and registers the gateway's Prometheus metrics and
// exposes them over HTTP at /gateway_metrics, plus the HTTP health surface
// (/healthcheck, /ready) backed by per-component status registration.
package metrics
