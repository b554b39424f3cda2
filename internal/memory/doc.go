// Package memory provides heap-pressure backpressure for the preview
// pipeline.
//
// Decode jobs hold frame buffers and clip output in memory; under pressure
// the right move is to stop admitting new jobs, not to let the kernel OOM
// killer pick a victim. The Monitor samples heap usage against a limit
// (explicit, GOMEMLIMIT, or derived from the container limit) and exposes
// pause/throttle signals that the engine and scheduler consult before
// starting work.
package memory
