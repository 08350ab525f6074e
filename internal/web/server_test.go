package web

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/photopick/photopick/internal/config"
	"github.com/photopick/photopick/internal/event"
	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/filter"
	"github.com/photopick/photopick/internal/index"
	"github.com/photopick/photopick/internal/lock"
	"github.com/photopick/photopick/internal/match"
	"github.com/photopick/photopick/internal/storage"
	"github.com/photopick/photopick/internal/storage/mock"
)

type fakeExtractor struct {
	embeddings map[string][]float32
}

func (f *fakeExtractor) Detect(_ context.Context, imageData []byte) ([]face.Detection, error) {
	content := string(imageData)
	switch {
	case content == "corrupt":
		return nil, face.ErrExtraction
	case strings.HasPrefix(content, "face:"):
		emb, ok := f.embeddings[strings.TrimPrefix(content, "face:")]
		if !ok {
			return nil, nil
		}
		return []face.Detection{{BBox: []float64{0, 0, 100, 100}, Embedding: emb, DetScore: 0.99}}, nil
	default:
		return nil, nil
	}
}

type nopConsumer struct{}

func (nopConsumer) DeliverReport(int64, *filter.BatchReport) {}

type fixture struct {
	ts       *httptest.Server
	store    *mock.Store
	locks    *lock.Table
	pipeline *event.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := mock.New()
	idx := index.NewStore(4)
	matcher := match.New(idx, 0.2)
	locks := lock.NewTable()
	extractor := &fakeExtractor{embeddings: map[string][]float32{
		"alice": {1, 0, 0, 0},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := filter.New(store, idx, matcher, extractor, locks, nopConsumer{}, filter.Config{
		AccumulationTimeout:  20 * time.Millisecond,
		MaxBatchPhotos:       10,
		MaxExamplesPerPerson: 20,
		ModelName:            "buffalo_sc",
	}, logger)

	pipeline := event.New(store, idx, matcher, extractor, locks, config.EventConfig{
		MaxArchiveBytes:  1 << 20,
		RetentionWindow:  time.Hour,
		Workers:          2,
		ProgressInterval: 10 * time.Millisecond,
	}, t.TempDir(), logger)

	server := NewServer(svc, pipeline, store, t.TempDir(), 1<<20, "127.0.0.1", 0, logger)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, store: store, locks: locks, pipeline: pipeline}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func postFile(t *testing.T, url, field, filename string, content []byte, extra map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	part.Write(content)
	for k, v := range extra {
		w.WriteField(k, v)
	}
	w.Close()

	resp, err := http.Post(url, w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("creating zip entry: %v", err)
		}
		io.WriteString(f, content)
	}
	w.Close()
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}

func TestPersonLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := postJSON(t, f.ts.URL+"/api/v1/people", map[string]any{"user_id": 1, "name": "Alice"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create person = %d", resp.StatusCode)
	}
	var person struct {
		ID int64 `json:"id"`
	}
	decodeBody(t, resp, &person)

	resp = postFile(t, fmt.Sprintf("%s/api/v1/people/%d/examples", f.ts.URL, person.ID),
		"photo", "example.jpg", []byte("face:alice"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enroll = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postFile(t, fmt.Sprintf("%s/api/v1/people/%d/examples", f.ts.URL, person.ID),
		"photo", "example.jpg", []byte("noface"), nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("enroll faceless photo = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()

	listResp, err := http.Get(f.ts.URL + "/api/v1/users/1/people")
	if err != nil {
		t.Fatalf("GET people failed: %v", err)
	}
	var people []struct {
		Name string `json:"name"`
	}
	decodeBody(t, listResp, &people)
	if len(people) != 1 || people[0].Name != "Alice" {
		t.Errorf("people = %+v", people)
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/v1/people/%d", f.ts.URL, person.ID), nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE person failed: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete person = %d", delResp.StatusCode)
	}

	delResp, _ = http.DefaultClient.Do(req)
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", delResp.StatusCode)
	}
}

func TestSubmitPhoto(t *testing.T) {
	f := newFixture(t)

	resp := postFile(t, f.ts.URL+"/api/v1/users/1/photos", "photo", "p.jpg", []byte("face:alice"), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d", resp.StatusCode)
	}
	var ack struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &ack)
	if ack.Token == "" {
		t.Error("empty acknowledgment token")
	}

	// A user mid-event gets a conflict.
	if err := f.locks.Acquire(2, lock.EventRunning); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	resp = postFile(t, f.ts.URL+"/api/v1/users/2/photos", "photo", "p.jpg", []byte("face:alice"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("submit while event running = %d, want 409", resp.StatusCode)
	}
}

func TestCancelUser(t *testing.T) {
	f := newFixture(t)

	resp := postFile(t, f.ts.URL+"/api/v1/users/1/photos", "photo", "p.jpg", []byte("noface"), nil)
	resp.Body.Close()

	resp = postJSON(t, f.ts.URL+"/api/v1/users/1/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}
	var out struct {
		Dropped int `json:"dropped_photos"`
	}
	decodeBody(t, resp, &out)
	if out.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", out.Dropped)
	}
}

func startEvent(t *testing.T, f *fixture, archive []byte) *http.Response {
	t.Helper()
	return postFile(t, f.ts.URL+"/api/v1/events", "archive", "event.zip", archive,
		map[string]string{"creator_id": "1", "participants": "1"})
}

func TestEventEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	person, err := f.store.CreatePerson(ctx, 1, "Alice")
	if err != nil {
		t.Fatalf("CreatePerson failed: %v", err)
	}
	if _, err := f.store.AddEmbedding(ctx, &storage.Embedding{PersonID: person.ID, Vector: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatalf("AddEmbedding failed: %v", err)
	}

	resp := startEvent(t, f, zipBytes(t, map[string]string{
		"a.jpg": "face:alice",
		"b.jpg": "noface",
	}))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start event = %d", resp.StatusCode)
	}
	var job struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &job)
	if !event.ValidCode(job.Code) {
		t.Fatalf("bad event code %q", job.Code)
	}

	f.pipeline.Wait()

	statusResp, err := http.Get(f.ts.URL + "/api/v1/events/" + job.Code)
	if err != nil {
		t.Fatalf("GET event failed: %v", err)
	}
	var status struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	decodeBody(t, statusResp, &status)
	if status.Status != "done" || status.Progress != 100 {
		t.Errorf("event status = %+v", status)
	}

	matchesResp, err := http.Get(f.ts.URL + "/api/v1/events/" + job.Code + "/participants/1/matches")
	if err != nil {
		t.Fatalf("GET matches failed: %v", err)
	}
	var matches []struct {
		PersonID int64  `json:"person_id"`
		ImageRef string `json:"image_ref"`
	}
	decodeBody(t, matchesResp, &matches)
	if len(matches) != 1 || matches[0].ImageRef != "a.jpg" {
		t.Errorf("matches = %+v", matches)
	}

	missing, _ := http.Get(f.ts.URL + "/api/v1/events/EVT-XXXXX")
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown event = %d, want 404", missing.StatusCode)
	}
}

func TestEventArchiveRejection(t *testing.T) {
	f := newFixture(t)

	resp := startEvent(t, f, []byte("definitely not a zip"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("corrupt archive = %d, want 422", resp.StatusCode)
	}

	// Incompressible content so the zip itself crosses the size ceiling.
	noise := make([]byte, 2<<20)
	rand.Read(noise)
	big := zipBytes(t, map[string]string{"a.jpg": string(noise)})
	resp = startEvent(t, f, big)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized archive = %d, want 413", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	resp := startEvent(t, f, zipBytes(t, map[string]string{"a.jpg": "noface"}))
	var job struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &job)
	f.pipeline.Wait()

	streamResp, err := http.Get(f.ts.URL + "/api/v1/events/" + job.Code + "/stream")
	if err != nil {
		t.Fatalf("GET stream failed: %v", err)
	}
	defer streamResp.Body.Close()

	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}
	body, _ := io.ReadAll(streamResp.Body)
	if !strings.Contains(string(body), "event: status") {
		t.Errorf("stream missing initial status event: %q", body)
	}
	if !strings.Contains(string(body), `"status":"done"`) {
		t.Errorf("stream missing terminal status: %q", body)
	}
}
