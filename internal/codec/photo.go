package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
)

// MaxPhotoDimension is the maximum width or height for stored photos.
const MaxPhotoDimension = 800

// PhotoJPEGQuality is the compression quality for JPEG output.
const PhotoJPEGQuality = 70

// dataURIPrefix marks an embedded photo. Anything else in the photo field
// is treated as a remote URL and passed through untouched.
const dataURIPrefix = "data:image"

// allowedMIME lists the accepted input MIME types.
var allowedMIME = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// IsDataURI reports whether a photo field holds an embedded image rather
// than a bare URL.
func IsDataURI(photo string) bool {
	return strings.HasPrefix(photo, dataURIPrefix)
}

// EncodePhoto reads raw image bytes, validates the format by sniffing,
// downscales so the longer edge is at most MaxPhotoDimension, re-encodes
// as JPEG at PhotoJPEGQuality, and wraps the result in an unwrapped
// base64 data URI.
func EncodePhoto(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading image data: %w", err)
	}

	// Sniff actual MIME type from bytes (not trusting client headers).
	detected := http.DetectContentType(data)
	if !allowedMIME[detected] {
		return "", fmt.Errorf("unsupported image format: %s (only JPEG and PNG accepted)", detected)
	}

	// Check bounds before committing to a full decode.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("reading image bounds: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}

	if cfg.Width > MaxPhotoDimension || cfg.Height > MaxPhotoDimension {
		img = downscale(img, MaxPhotoDimension)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: PhotoJPEGQuality}); err != nil {
		return "", fmt.Errorf("encoding JPEG: %w", err)
	}

	return dataURIPrefix + "/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePhoto extracts the raw image bytes from an embedded photo string.
// Callers substitute a placeholder on failure; nothing propagates further
// than "no image".
func DecodePhoto(photo string) ([]byte, error) {
	if !IsDataURI(photo) {
		return nil, fmt.Errorf("not an embedded photo")
	}
	idx := strings.Index(photo, ",")
	if idx < 0 {
		return nil, fmt.Errorf("malformed data URI: no payload separator")
	}
	data, err := base64.StdEncoding.DecodeString(photo[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return data, nil
}

// downscale resizes the image so neither dimension exceeds maxDim,
// preserving aspect ratio. Uses high-quality Catmull-Rom interpolation.
func downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	if w <= maxDim && h <= maxDim {
		return img
	}

	newW, newH := w, h
	if w > h {
		newW = maxDim
		newH = int(float64(h) * float64(maxDim) / float64(w))
	} else {
		newH = maxDim
		newW = int(float64(w) * float64(maxDim) / float64(h))
	}

	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

func init() {
	// Register decoders (jpeg is registered by default, but be explicit).
	image.RegisterFormat("jpeg", "\xff\xd8", jpeg.Decode, jpeg.DecodeConfig)
	image.RegisterFormat("png", "\x89PNG", png.Decode, png.DecodeConfig)
}
