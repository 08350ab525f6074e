package face

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const defaultAPIURL = "http://localhost:8000"

// Client computes face detections and embeddings using the face API server.
type Client struct {
	baseURL       string
	model         string
	minConfidence float64
	minFaceSize   int
	client        *http.Client
}

// NewClient creates a new face API client. Detections below minConfidence or
// smaller than minFaceSize pixels on either side are filtered out.
func NewClient(baseURL, model string, minConfidence float64, minFaceSize int) *Client {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		model:         model,
		minConfidence: minConfidence,
		minFaceSize:   minFaceSize,
		client:        &http.Client{},
	}
}

// detectResponse represents the response from the face API server.
type detectResponse struct {
	Model string      `json:"model"`
	Dim   int         `json:"dim"`
	Faces []Detection `json:"faces"`
}

// postMultipartImage constructs a multipart form with the image data and posts
// it to the given endpoint. The part carries an explicit Content-Type header
// based on magic byte detection.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	q := req.URL.Query()
	q.Set("model", c.model)
	req.URL.RawQuery = q.Encode()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrExtraction, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrExtraction, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: API error (status %d): %s", ErrExtraction, resp.StatusCode, string(body))
	}

	return body, nil
}

// Detect runs face detection on an image and returns the filtered detections.
// A clean image with no faces returns an empty slice and a nil error.
func (c *Client) Detect(ctx context.Context, imageData []byte) ([]Detection, error) {
	body, err := c.postMultipartImage(ctx, "/detect", imageData)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrExtraction, err)
	}

	faces := make([]Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if f.DetScore < c.minConfidence {
			continue
		}
		if f.Width() < float64(c.minFaceSize) || f.Height() < float64(c.minFaceSize) {
			continue
		}
		if len(f.Embedding) == 0 {
			continue
		}
		faces = append(faces, f)
	}

	return faces, nil
}

// BestDetection returns the highest-confidence detection, or false when the
// slice is empty. Used for enrollment where a single clear face is expected.
func BestDetection(faces []Detection) (Detection, bool) {
	if len(faces) == 0 {
		return Detection{}, false
	}
	best := faces[0]
	for _, f := range faces[1:] {
		if f.DetScore > best.DetScore {
			best = f
		}
	}
	return best, true
}

// detectMIMEType detects the MIME type from image data.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// GIF: GIF8
	if data[0] == 'G' && data[1] == 'I' && data[2] == 'F' && data[3] == '8' {
		return "image/gif"
	}
	// BMP: BM
	if data[0] == 'B' && data[1] == 'M' {
		return "image/bmp"
	}
	return "application/octet-stream"
}
