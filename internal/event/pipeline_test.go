package event

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/photopick/photopick/internal/config"
	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/index"
	"github.com/photopick/photopick/internal/lock"
	"github.com/photopick/photopick/internal/match"
	"github.com/photopick/photopick/internal/storage"
	"github.com/photopick/photopick/internal/storage/mock"
)

// fakeExtractor maps image contents to canned detections. Contents starting
// with "face:" yield one face with the named unit embedding, "noface" yields
// zero detections, and "corrupt" fails.
type fakeExtractor struct {
	embeddings map[string][]float32
	gate       chan struct{} // when set, Detect blocks until closed
}

func (f *fakeExtractor) Detect(ctx context.Context, imageData []byte) ([]face.Detection, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
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

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("creating zip entry: %v", err)
		}
		if _, err := io.WriteString(f, content); err != nil {
			t.Fatalf("writing zip entry: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	path := filepath.Join(t.TempDir(), "event.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("writing zip file: %v", err)
	}
	return path
}

type fixture struct {
	pipeline  *Pipeline
	store     *mock.Store
	locks     *lock.Table
	extractor *fakeExtractor
	alice     int64 // person of participant 1
	bob       int64 // person of participant 2
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := mock.New()
	idx := index.NewStore(4)
	matcher := match.New(idx, 0.2)
	locks := lock.NewTable()

	extractor := &fakeExtractor{embeddings: map[string][]float32{
		"alice": {1, 0, 0, 0},
		"bob":   {0, 1, 0, 0},
	}}

	alice, err := store.CreatePerson(ctx, 1, "Alice")
	if err != nil {
		t.Fatalf("CreatePerson failed: %v", err)
	}
	bob, err := store.CreatePerson(ctx, 2, "Bob")
	if err != nil {
		t.Fatalf("CreatePerson failed: %v", err)
	}
	for person, emb := range map[int64][]float32{
		alice.ID: {1, 0, 0, 0},
		bob.ID:   {0, 1, 0, 0},
	} {
		if _, err := store.AddEmbedding(ctx, &storage.Embedding{PersonID: person, Vector: emb}); err != nil {
			t.Fatalf("AddEmbedding failed: %v", err)
		}
	}

	cfg := config.EventConfig{
		MaxArchiveBytes:  1 << 20,
		RetentionWindow:  time.Hour,
		Workers:          2,
		ProgressInterval: 10 * time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline := New(store, idx, matcher, extractor, locks, cfg, t.TempDir(), logger)

	return &fixture{
		pipeline:  pipeline,
		store:     store,
		locks:     locks,
		extractor: extractor,
		alice:     alice.ID,
		bob:       bob.ID,
	}
}

func TestEventJobRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	archivePath := writeZip(t, map[string]string{
		"a1.jpg":   "face:alice",
		"a2.jpg":   "face:alice",
		"b1.jpg":   "face:bob",
		"none.jpg": "noface",
	})

	job, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1, 2})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.pipeline.Wait()

	got, err := f.pipeline.Status(ctx, job.Code)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got.Status != storage.EventDone {
		t.Fatalf("status = %s (%s), want done", got.Status, got.FailureReason)
	}
	if got.Progress != 100 || got.TotalImages != 4 || got.ProcessedImages != 4 {
		t.Errorf("unexpected counters: %+v", got)
	}
	if got.ReadyAt == nil {
		t.Error("ReadyAt not set on completion")
	}

	aliceMatches, _ := f.store.ListMatches(ctx, job.ID, 1)
	bobMatches, _ := f.store.ListMatches(ctx, job.ID, 2)
	if len(aliceMatches) != 2 {
		t.Errorf("participant 1 matches = %d, want 2", len(aliceMatches))
	}
	if len(bobMatches) != 1 {
		t.Errorf("participant 2 matches = %d, want 1", len(bobMatches))
	}
	for _, m := range aliceMatches {
		if m.PersonID != f.alice || m.Confidence < 0.9 {
			t.Errorf("unexpected match: %+v", m)
		}
	}

	// Lock released after completion.
	if state := f.locks.Get(1); state != lock.Idle {
		t.Errorf("creator lock = %s after completion", state)
	}
}

func TestEventCorruptImageDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	archivePath := writeZip(t, map[string]string{
		"good.jpg": "face:alice",
		"bad.jpg":  "corrupt",
	})

	job, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.pipeline.Wait()

	got, _ := f.pipeline.Status(ctx, job.Code)
	if got.Status != storage.EventDone {
		t.Fatalf("status = %s, want done despite a corrupt image", got.Status)
	}
	if got.FailedImages != 1 || got.ProcessedImages != 2 {
		t.Errorf("counters = processed %d failed %d", got.ProcessedImages, got.FailedImages)
	}

	failures, err := f.store.ListImageFailures(ctx, job.ID)
	if err != nil || len(failures) != 1 {
		t.Fatalf("ListImageFailures = %v, %v", failures, err)
	}
	if failures[0].ImageRef != "bad.jpg" {
		t.Errorf("failure recorded for %s", failures[0].ImageRef)
	}
}

func TestEventOversizedArchiveFailsFast(t *testing.T) {
	f := newFixture(t)
	f.pipeline.cfg.MaxArchiveBytes = 10
	ctx := context.Background()

	archivePath := writeZip(t, map[string]string{"a.jpg": strings.Repeat("x", 4096)})

	job, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f.pipeline.Wait()

	got, _ := f.pipeline.Status(ctx, job.Code)
	if got.Status != storage.EventFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if state := f.locks.Get(1); state != lock.Idle {
		t.Errorf("creator lock = %s after failure", state)
	}
}

func TestEventSecondStartBlockedByLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	f.extractor.gate = gate

	archivePath := writeZip(t, map[string]string{"a.jpg": "face:alice"})
	if _, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1}); !errors.Is(err, lock.ErrBusy) {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}

	close(gate)
	f.pipeline.Wait()
}

func TestEventCancelRetainsPartialResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	f.extractor.gate = gate

	archivePath := writeZip(t, map[string]string{
		"a.jpg": "face:alice",
		"b.jpg": "face:alice",
		"c.jpg": "face:alice",
	})
	job, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the job reach matching before canceling, so the cancel hits the
	// worker pool rather than extraction.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.pipeline.Status(ctx, job.Code)
		if err == nil && got.Status == storage.EventMatching {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached matching")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.pipeline.Cancel(job.Code); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	close(gate)
	f.pipeline.Wait()

	got, _ := f.pipeline.Status(ctx, job.Code)
	if got.Status != storage.EventFailed || got.FailureReason != "canceled" {
		t.Errorf("status = %s (%s), want failed/canceled", got.Status, got.FailureReason)
	}
	if state := f.locks.Get(1); state != lock.Idle {
		t.Errorf("creator lock = %s after cancel", state)
	}

	if err := f.pipeline.Cancel(job.Code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("canceling a finished job = %v, want ErrNotFound", err)
	}
}

func TestEventProgressSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := make(chan struct{})
	f.extractor.gate = gate

	archivePath := writeZip(t, map[string]string{"a.jpg": "face:alice"})
	job, err := f.pipeline.Start(ctx, 1, archivePath, []int64{1})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch := f.pipeline.Subscribe(job.Code)
	defer f.pipeline.Unsubscribe(job.Code, ch)

	close(gate)
	f.pipeline.Wait()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case p := <-ch:
			if p.Status == storage.EventDone {
				if p.Percent != 100 {
					t.Errorf("final percent = %d", p.Percent)
				}
				return
			}
		case <-deadline:
			t.Fatal("never received a done snapshot")
		}
	}
}

func TestExpirePurgesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dataDir := filepath.Join(t.TempDir(), "evt-data")
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		t.Fatalf("creating data dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "a.jpg"), []byte("x"), 0o600); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}

	job := &storage.EventJob{
		ID:        uuid.New().String(),
		Code:      NewCode(),
		CreatorID: 1,
		Status:    storage.EventDone,
		DataDir:   dataDir,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := f.store.CreateEvent(ctx, job); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	purged, err := f.pipeline.Expire(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if len(purged) != 1 || purged[0] != job.Code {
		t.Fatalf("purged = %v", purged)
	}
	if _, err := os.Stat(dataDir); !os.IsNotExist(err) {
		t.Error("data dir survived purge")
	}
	if _, err := f.store.GetEvent(ctx, job.Code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("event record survived purge: %v", err)
	}

	purged, err = f.pipeline.Expire(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second Expire failed: %v", err)
	}
	if len(purged) != 0 {
		t.Errorf("second Expire purged %v", purged)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job := &storage.EventJob{
		ID:        uuid.New().String(),
		Code:      NewCode(),
		CreatorID: 1,
		Status:    storage.EventMatching,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := f.store.CreateEvent(ctx, job); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	n, err := f.pipeline.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	got, _ := f.store.GetEvent(ctx, job.Code)
	if got.Status != storage.EventFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestEventCodes(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		code := NewCode()
		if !ValidCode(code) {
			t.Fatalf("generated invalid code %q", code)
		}
		seen[code] = true
	}
	if len(seen) < 40 {
		t.Errorf("suspiciously many duplicate codes: %d unique of 50", len(seen))
	}

	for _, bad := range []string{"", "EVT-", "EVT-abc12", "EVT-TOOLONG", "XYZ-AB12C"} {
		if ValidCode(bad) {
			t.Errorf("ValidCode(%q) = true", bad)
		}
	}
}
