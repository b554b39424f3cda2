package engine

import (
	"bytes"
	"context"
	"image"
	"io"
	"time"

	"media-preview/internal/fetch"
	"media-preview/internal/logging"
	"media-preview/internal/preview"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	// maxImagePixels bounds how large an image we fully decode. A 20MP
	// frame uses roughly 80MB as RGBA.
	maxImagePixels = 20_000_000

	// maxImageSourceBytes bounds how much encoded image data we pull from
	// a non-local source.
	maxImageSourceBytes = 64 << 20

	thumbnailJPEGQuality = 80
)

// imageThumbnail decodes a still image and scales it to fit the spec's
// bounds. Local sources go through libvips when available, which shrinks
// during decode; everything else uses the pure-Go path.
func (e *Engine) imageThumbnail(ctx context.Context, src fetch.Source, desc preview.MediaDescriptor, spec preview.QualitySpec) (*preview.PreviewArtifact, error) {
	maxW, maxH := thumbnailBounds(spec)

	var img image.Image
	var err error

	if path, ok := localPath(src); ok {
		img, err = loadLocalImage(path, maxW, maxH)
	} else {
		img, err = loadRemoteImage(ctx, src)
	}
	if err != nil {
		return nil, preview.E(preview.KindCorruptMedia, "engine.imageThumbnail", err)
	}

	if desc.DimensionsKnown && desc.Width*desc.Height > maxImagePixels {
		logging.Debug("Large image constrained: %dx%d", desc.Width, desc.Height)
	}

	fitted := imaging.Fit(img, maxW, maxH, imaging.Lanczos)

	return encodeArtifact(fitted, spec, src)
}

// loadLocalImage prefers the vips decode-time shrink path and falls back to
// the imaging loader.
func loadLocalImage(path string, maxW, maxH int) (image.Image, error) {
	if IsVipsAvailable() {
		img, err := loadImageWithVips(path, maxW, maxH)
		if err == nil {
			return img, nil
		}
		logging.Debug("vips load failed for %s, falling back: %v", path, err)
	}
	return imaging.Open(path, imaging.AutoOrientation(true))
}

// loadRemoteImage pulls the encoded bytes through the fetch adapter and
// decodes them, refusing sources too large to buffer.
func loadRemoteImage(ctx context.Context, src fetch.Source) (image.Image, error) {
	if size := src.Size(); size > maxImageSourceBytes {
		return nil, preview.Errorf(preview.KindResourceExhausted, "engine.loadRemoteImage",
			"image source too large: %d bytes", size)
	}

	data, err := io.ReadAll(io.LimitReader(fetch.NewReader(ctx, src, 256*1024), maxImageSourceBytes))
	if err != nil {
		return nil, err
	}
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

// encodeThumbnail converts a raw decoded frame (png from the extractor) into
// the final artifact encoding.
func encodeThumbnail(raw *bytes.Buffer, spec preview.QualitySpec, src fetch.Source) (*preview.PreviewArtifact, error) {
	img, err := imaging.Decode(bytes.NewReader(raw.Bytes()))
	if err != nil {
		return nil, preview.E(preview.KindCorruptMedia, "engine.encodeThumbnail", err)
	}
	return encodeArtifact(img, spec, src)
}

// encodeArtifact encodes a fitted image into the spec's output format.
func encodeArtifact(img image.Image, spec preview.QualitySpec, src fetch.Source) (*preview.PreviewArtifact, error) {
	format := spec.Format
	if format == "" {
		format = "jpeg"
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	case "gif":
		err = imaging.Encode(&buf, img, imaging.GIF)
	case "webp":
		var data []byte
		data, err = encodeWebpWithVips(img)
		if err != nil {
			// Format reports what was actually encoded, not what was asked.
			logging.Debug("webp export unavailable, encoding jpeg: %v", err)
			format = "jpeg"
			err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(thumbnailJPEGQuality))
		} else {
			buf.Write(data)
		}
	default:
		format = "jpeg"
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(thumbnailJPEGQuality))
	}
	if err != nil {
		return nil, preview.E(preview.KindInternal, "engine.encodeArtifact", err)
	}

	bounds := img.Bounds()
	return &preview.PreviewArtifact{
		Data:        buf.Bytes(),
		Format:      format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Size:        int64(buf.Len()),
		GeneratedAt: time.Now(),
		Source:      sourceIdentity(src),
	}, nil
}
