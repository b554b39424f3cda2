// Package streaming delivers preview payloads over HTTP with timeout
// protection.
//
// Proxy streams are produced incrementally while the client consumes them; a
// client that stops draining would otherwise hold a decode slot and its
// ffmpeg process indefinitely. The TimeoutWriter bounds single-write time and
// idle time, flushes chunk by chunk, and surfaces client disconnects as
// ErrClientGone so the pipeline can abandon the job.
package streaming
