// Package face talks to the external face detection and embedding service
// and provides helpers for working with its detections.
package face

import "errors"

// ErrExtraction indicates the detector could not process the image at all
// (transport failure, malformed image, bad response). A photo with no faces
// is NOT an error; it is an empty detection list.
var ErrExtraction = errors.New("face extraction failed")

// Detection is one detected face: its bounding box in raw pixel coordinates
// [x1, y1, x2, y2], the identity embedding, and the detector's confidence.
type Detection struct {
	BBox      []float64 `json:"bbox"`
	Embedding []float32 `json:"embedding"`
	DetScore  float64   `json:"det_score"`
}

// Width returns the pixel width of the detection's bounding box.
func (d Detection) Width() float64 {
	if len(d.BBox) != 4 {
		return 0
	}
	return d.BBox[2] - d.BBox[0]
}

// Height returns the pixel height of the detection's bounding box.
func (d Detection) Height() float64 {
	if len(d.BBox) != 4 {
		return 0
	}
	return d.BBox[3] - d.BBox[1]
}
