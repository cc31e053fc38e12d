package delivery

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// maxImageEdge is the longest edge sent to channels; larger images are
// downscaled to keep uploads under provider limits.
const maxImageEdge = 2048

// DownscaleImage decodes an image and, when its longest edge exceeds
// maxImageEdge, resizes it preserving aspect ratio. The result is
// re-encoded as JPEG. Images already small enough come back unchanged.
func DownscaleImage(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxImageEdge && h <= maxImageEdge {
		return data, nil
	}
	if w >= h {
		img = imaging.Resize(img, maxImageEdge, 0, imaging.Lanczos)
	} else {
		img = imaging.Resize(img, 0, maxImageEdge, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
