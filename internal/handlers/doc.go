// Package handlers exposes the preview pipeline over HTTP.
//
// Preview endpoints address files as /{host}/{path} and accept quality
// parameters as query strings. Pipeline error kinds map onto HTTP status
// codes: overload and resource exhaustion answer 503 with Retry-After,
// unplayable media answers 415, upstream fetch problems answer 502 or 504,
// and a disconnected client gets nothing at all.
package handlers
