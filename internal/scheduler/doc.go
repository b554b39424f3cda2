// Package scheduler admits preview jobs into a bounded decode pool.
//
// Requests are coalesced by preview key: the first request for a key admits
// a job, later requests attach to it, and every attached waiter receives the
// same result. Keys beyond the pool size queue in FIFO order up to a depth
// limit; past that, admission fails fast with the overloaded kind rather
// than building unbounded backlog. When the last waiter for a job departs,
// the job's context is cancelled so the engine can kill its codec process.
package scheduler
