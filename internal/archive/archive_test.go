package archive

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating zip: %v", err)
	}
	w := zip.NewWriter(f)
	for name, data := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("creating entry %s: %v", name, err)
		}
		if _, err := entry.Write(data); err != nil {
			t.Fatalf("writing entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("closing file: %v", err)
	}
	return path
}

func TestUnpackFiltersNonImages(t *testing.T) {
	path := writeZip(t, map[string][]byte{
		"a.jpg":          []byte("jpg"),
		"sub/b.PNG":      []byte("png"),
		"notes.txt":      []byte("text"),
		"script.sh":      []byte("#!/bin/sh"),
		"deep/c.jpeg":    []byte("jpeg"),
		"thumbnails.db":  []byte("db"),
		"animation.gif":  []byte("gif"),
		"bitmap.bmp":     []byte("bmp"),
	})

	images, err := Unpack(context.Background(), path, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(images) != 5 {
		t.Fatalf("expected 5 images, got %d: %v", len(images), images)
	}
	for _, img := range images {
		if _, err := os.Stat(img); err != nil {
			t.Errorf("extracted image missing: %v", err)
		}
	}
}

func TestUnpackDeterministicOrder(t *testing.T) {
	path := writeZip(t, map[string][]byte{
		"z.jpg": []byte("z"),
		"a.jpg": []byte("a"),
		"m.jpg": []byte("m"),
	})

	images, err := Unpack(context.Background(), path, t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	for i := 1; i < len(images); i++ {
		if images[i-1] >= images[i] {
			t.Errorf("images not sorted: %v", images)
		}
	}
}

func TestUnpackTooLargeFailsBeforeExtraction(t *testing.T) {
	path := writeZip(t, map[string][]byte{
		"a.jpg": make([]byte, 4096),
	})
	dest := t.TempDir()

	_, err := Unpack(context.Background(), path, dest, 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	// Nothing may have been partially extracted.
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Errorf("partial extraction after size rejection: %v", entries)
	}
}

func TestUnpackCorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	if err := os.WriteFile(path, []byte("this is not a zip file"), 0o640); err != nil {
		t.Fatalf("writing bad zip: %v", err)
	}

	_, err := Unpack(context.Background(), path, t.TempDir(), 0)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestUnpackMissingArchive(t *testing.T) {
	_, err := Unpack(context.Background(), filepath.Join(t.TempDir(), "nope.zip"), t.TempDir(), 0)
	if err == nil {
		t.Fatal("expected error for missing archive")
	}
}

func TestUnpackZipSlip(t *testing.T) {
	path := writeZip(t, map[string][]byte{
		"../../escape.jpg": []byte("evil"),
		"ok.jpg":           []byte("fine"),
	})
	dest := t.TempDir()

	images, err := Unpack(context.Background(), path, dest, 0)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	for _, img := range images {
		rel, err := filepath.Rel(dest, img)
		if err != nil || rel[0] == '.' {
			t.Errorf("extracted file escaped destination: %s", img)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "..", "..", "escape.jpg")); err == nil {
		t.Error("zip-slip entry was written outside the destination")
	}
}

func TestUnpackCancelled(t *testing.T) {
	path := writeZip(t, map[string][]byte{"a.jpg": []byte("a")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Unpack(ctx, path, t.TempDir(), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evt")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := Cleanup(dir); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if err := Cleanup(dir); err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}
}

func TestValidate(t *testing.T) {
	path := writeZip(t, map[string][]byte{"a.jpg": []byte("jpg")})

	if err := Validate(path, 1<<20); err != nil {
		t.Errorf("Validate on good archive: %v", err)
	}
	if err := Validate(path, 1); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Validate oversized = %v, want ErrTooLarge", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.zip")
	if err := os.WriteFile(bad, []byte("not a zip"), 0o600); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if err := Validate(bad, 1<<20); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Validate corrupt = %v, want ErrCorrupt", err)
	}
}
