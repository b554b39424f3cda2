// Package mediatypes classifies files by extension into the media families
// the preview pipeline can handle (image, video, audio) and maps extensions
// to MIME types for HTTP responses.
//
// Extension classification is only a first guess; the identify package makes
// the authoritative call from file content.
package mediatypes
