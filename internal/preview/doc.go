// Package preview defines the data model of the preview pipeline: file
// identities, quality specs, preview keys, artifacts, media descriptors and
// the error taxonomy shared by every pipeline component.
//
// A PreviewKey deterministically combines a FileIdentity with a QualitySpec;
// equal keys are coalesced by the scheduler and shared in the cache. The
// pipeline orchestrator itself lives in the pipeline package.
package preview
