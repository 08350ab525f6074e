// Package archive unpacks uploaded event archives into image files, with
// hard resource ceilings enforced before and during extraction.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrTooLarge means the archive exceeds the configured ceiling. It is
	// returned before any extraction happens.
	ErrTooLarge = errors.New("archive too large")

	// ErrCorrupt means the archive could not be read as a zip file.
	ErrCorrupt = errors.New("corrupt archive")
)

// imageExtensions are the file types treated as event photos.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
}

// decompressionRatioLimit bounds the total decompressed size relative to the
// archive size, guarding against zip bombs.
const decompressionRatioLimit = 100

// Unpack extracts image files from the zip at zipPath into destDir and
// returns their paths in deterministic (sorted) order. Non-image entries are
// skipped. The size ceiling is checked against the archive file before any
// entry is written; the decompressed total is additionally bounded during
// extraction.
func Unpack(ctx context.Context, zipPath, destDir string, maxBytes int64) ([]string, error) {
	info, err := os.Stat(zipPath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, info.Size(), maxBytes)
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	budget := info.Size() * decompressionRatioLimit
	var images []string

	for _, f := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}

		dest, err := safeDestPath(destDir, f.Name)
		if err != nil {
			// Entries escaping the destination are hostile; skip them.
			continue
		}

		written, err := extractEntry(f, dest, budget)
		if err != nil {
			return nil, err
		}
		budget -= written
		if budget < 0 {
			return nil, fmt.Errorf("%w: decompressed size exceeds limit", ErrTooLarge)
		}
		images = append(images, dest)
	}

	sort.Strings(images)
	return images, nil
}

// safeDestPath resolves an archive entry name inside destDir, rejecting
// path traversal.
func safeDestPath(destDir, name string) (string, error) {
	dest := filepath.Join(destDir, filepath.Clean("/"+name))
	rel, err := filepath.Rel(destDir, dest)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("entry %q escapes destination", name)
	}
	return dest, nil
}

func extractEntry(f *zip.File, dest string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, fmt.Errorf("create entry dir: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: opening entry %s: %v", ErrCorrupt, f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer out.Close()

	// LimitReader with budget+1 so overshoot is detectable.
	written, err := io.Copy(out, io.LimitReader(src, budget+1))
	if err != nil {
		return written, fmt.Errorf("%w: extracting %s: %v", ErrCorrupt, f.Name, err)
	}
	if written > budget {
		return written, fmt.Errorf("%w: decompressed size exceeds limit", ErrTooLarge)
	}
	return written, nil
}

// Validate checks the archive's size ceiling and zip integrity without
// extracting anything. Used to reject bad uploads before a job starts.
func Validate(zipPath string, maxBytes int64) error {
	info, err := os.Stat(zipPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, info.Size(), maxBytes)
	}
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return reader.Close()
}

// Cleanup removes an event's extraction directory. Removing a missing
// directory is a no-op.
func Cleanup(destDir string) error {
	if err := os.RemoveAll(destDir); err != nil {
		return fmt.Errorf("removing %s: %w", destDir, err)
	}
	return nil
}
