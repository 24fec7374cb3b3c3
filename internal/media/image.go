package media

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

const (
	defaultMaxEdge = 1600
	defaultQuality = 85
)

// Downscale decodes an image, honours EXIF orientation, shrinks it so the
// longer edge is at most maxEdge and re-encodes it as JPEG. Images already
// within bounds are still re-encoded so the model always receives JPEG.
func Downscale(data []byte, maxEdge, quality int) ([]byte, error) {
	if maxEdge <= 0 {
		maxEdge = defaultMaxEdge
	}
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = fit(img, maxEdge)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxEdge && b.Dy() <= maxEdge {
		return img
	}
	return imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
}
