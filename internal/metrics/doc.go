// Package metrics defines the Prometheus metrics exported by the preview
// server. All metrics live in the preview_* namespace and are registered via
// promauto at package load.
//
// Pipeline, engine, scheduler and cache metrics describe the preview core;
// HTTP metrics are recorded by the middleware package.
package metrics
