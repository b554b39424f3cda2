// Package fetch defines the byte-range source contract the preview pipeline
// consumes, and a local-directory adapter over it.
//
// The pipeline treats every source as slow and fallible: range reads can time
// out, hosts can disappear, and files can shrink mid-read. Sources that
// cannot seek force the engine into forward-only streaming mode.
//
// The Local adapter serves a rooted directory, typically a network mount of
// the remote host, with bounded retry on stale NFS file handles.
package fetch
