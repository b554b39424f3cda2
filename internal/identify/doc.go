// Package identify classifies media files from a byte prefix.
//
// Classification is two-staged: container signature sniffing on magic bytes
// first, then an ffprobe pass over the prefix when stream metadata (duration,
// dimensions, codec, frame rate) is wanted or the signature was ambiguous.
// Neither stage ever needs more than the configured prefix, so identification
// works against forward-only sources.
//
// Unknown duration or dimensions are reported as unknown, not as failures;
// downstream consumers substitute conservative decode budgets.
package identify
