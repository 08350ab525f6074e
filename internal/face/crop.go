package face

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	// cropPadding expands the face box by this fraction on each side so the
	// crop includes some context around the face.
	cropPadding = 0.25

	// cropSize is the side length of the square enrollment thumbnail.
	cropSize = 160
)

// Crop extracts the face region from an image and scales it to a square
// thumbnail. Used to offer matched faces back to the user as enrollment
// candidates.
func Crop(imageData []byte, bbox []float64) ([]byte, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("invalid bounding box: %v", bbox)
	}

	src, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	bounds := src.Bounds()
	w := bbox[2] - bbox[0]
	h := bbox[3] - bbox[1]
	padX := w * cropPadding
	padY := h * cropPadding

	rect := image.Rect(
		clampInt(int(bbox[0]-padX), bounds.Min.X, bounds.Max.X),
		clampInt(int(bbox[1]-padY), bounds.Min.Y, bounds.Max.Y),
		clampInt(int(bbox[2]+padX), bounds.Min.X, bounds.Max.X),
		clampInt(int(bbox[3]+padY), bounds.Min.Y, bounds.Max.Y),
	)
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return nil, fmt.Errorf("bounding box %v outside image bounds %v", bbox, bounds)
	}

	dst := image.NewRGBA(image.Rect(0, 0, cropSize, cropSize))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, rect, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encoding crop: %w", err)
	}
	return out.Bytes(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
