// Package pipeline orchestrates preview requests across the fetch, identify,
// engine, cache, and scheduler stages.
//
// A request resolves the file's current identity, derives the preview key,
// and serves from cache when the stored artifact still matches that
// identity. Misses run identify-then-produce as a scheduled job: concurrent
// requests for the same key share one job, and a result is only cached while
// the file's identity is unchanged from admission.
package pipeline
