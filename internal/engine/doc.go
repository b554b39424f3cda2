// Package engine produces preview artifacts from identified media.
//
// Video work runs through ffmpeg child processes owned exclusively by their
// invocation: a single frame extract for thumbnails, a bounded window
// re-encode for clips, and a sequential bitrate-capped re-encode spooled to
// disk for proxies. Still images decode through libvips when available and
// the pure-Go imaging path otherwise.
//
// Failures map onto the pipeline error taxonomy by inspecting ffmpeg
// diagnostics: missing codecs are unsupported_codec, allocation and fd
// exhaustion are resource_exhausted, and anything else that decoded wrong is
// corrupt_media. Cancellation kills the child process and discards partial
// output on every path.
package engine
