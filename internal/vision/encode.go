package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	// Register decoders for the formats transports deliver.
	_ "image/png"

	"golang.org/x/image/draw"
)

// Re-encode bounds. Oversized camera frames are scaled down so LLM payloads
// stay small and upload latency stays off the speech path.
const (
	maxDimension = 512
	jpegQuality  = 65
)

// Reencode decodes an inbound frame and produces a JPEG no larger than
// maxDimension on its longest side at jpegQuality. Frames already within
// bounds are still re-encoded so the stored snapshot is always JPEG.
func Reencode(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("vision: decode frame: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxDimension || h > maxDimension {
		scale := float64(maxDimension) / float64(max(w, h))
		dw := int(float64(w) * scale)
		dh := int(float64(h) * scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("vision: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
