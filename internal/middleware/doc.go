// Package middleware provides HTTP middleware for access logging and
// Prometheus request metrics.
package middleware
