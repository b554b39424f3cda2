//go:build !cgo

package engine

import (
	"fmt"
	"image"
)

// govips requires cgo; in a CGO_ENABLED=0 build libvips is never available
// and the engine always uses the pure-Go image path.

// InitVips reports that libvips support was compiled out.
func InitVips() error {
	return fmt.Errorf("libvips not available: built without cgo")
}

// ShutdownVips releases libvips resources.
func ShutdownVips() {}

// IsVipsAvailable reports whether the vips decode path can be used.
func IsVipsAvailable() bool {
	return false
}

func encodeWebpWithVips(img image.Image) ([]byte, error) {
	return nil, fmt.Errorf("libvips not available")
}

func loadImageWithVips(path string, targetWidth, targetHeight int) (image.Image, error) {
	return nil, fmt.Errorf("libvips not available")
}
