package fileutil

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ListSubdirs returns the names of the immediate subdirectories of dir in
// lexical order, skipping hidden entries.
func ListSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// CopyFile streams src to dst using io.Copy with default permissions (0o644).
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// CopyFileVerified streams src to dst with SHA256 + size integrity
// verification. Removes dst on mismatch.
func CopyFileVerified(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	readHash := sha256.New()
	writeHash := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(out, writeHash), io.TeeReader(in, readHash))
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(dst)
		return copyErr
	}

	if written != info.Size() {
		_ = os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	if !bytes.Equal(readHash.Sum(nil), writeHash.Sum(nil)) {
		_ = os.Remove(dst)
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}
	return nil
}

// TreeStats summarizes a verified tree copy for audit records.
type TreeStats struct {
	Files int
	Bytes int64
}

// CopyTreeVerified copies every regular file under srcDir into dstDir,
// preserving relative layout, verifying each file with CopyFileVerified.
// Symlinks and other irregular entries are skipped. The first failed file
// aborts the copy; already-copied files are left in place for inspection.
func CopyTreeVerified(srcDir, dstDir string) (TreeStats, error) {
	var stats TreeStats
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(srcDir, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dstDir, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		dst := filepath.Join(dstDir, rel)
		if err := CopyFileVerified(path, dst); err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		stats.Files++
		stats.Bytes += info.Size()
		return nil
	})
	return stats, err
}
