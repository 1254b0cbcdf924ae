package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS is a job-rooted view of the assets directory. Every write goes
// through WriteFileAtomic, so readers see either the old or the new file.
type LocalFS struct {
	Root string
}

func (l LocalFS) abs(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob: invalid path %q", relPath)
	}
	return filepath.Join(l.Root, clean), nil
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.abs(relPath)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(abs, data, 0o644); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Clean(relPath)), nil
}

func (l LocalFS) PutBytes(relPath string, data []byte) error {
	_, err := l.Put(relPath, bytes.NewReader(data))
	return err
}

// WriteJSON serializes v with two-space indentation and writes it atomically.
func (l LocalFS) WriteJSON(relPath string, v any) error {
	abs, err := l.abs(relPath)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("blob: marshal %s: %w", relPath, err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(abs, data, 0o644)
}

// ReadJSON decodes the file at relPath into v. Missing files surface as
// fs.ErrNotExist.
func (l LocalFS) ReadJSON(relPath string, v any) error {
	data, err := l.ReadFile(relPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("blob: decode %s: %w", relPath, err)
	}
	return nil
}

func (l LocalFS) ReadFile(relPath string) ([]byte, error) {
	abs, err := l.abs(relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.abs(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

// Exists reports whether relPath is a regular, non-empty file.
func (l LocalFS) Exists(relPath string) bool {
	size, ok := l.Size(relPath)
	return ok && size > 0
}

// Size returns the size of a regular file and whether it exists.
func (l LocalFS) Size(relPath string) (int64, bool) {
	abs, err := l.abs(relPath)
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

func (l LocalFS) DirExists(relPath string) bool {
	abs, err := l.abs(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.IsDir()
}

// RootExists reports whether the job directory itself is present.
func (l LocalFS) RootExists() bool {
	info, err := os.Stat(l.Root)
	return err == nil && info.IsDir()
}

// Remove deletes relPath; a missing file is not an error.
func (l LocalFS) Remove(relPath string) error {
	abs, err := l.abs(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l LocalFS) MkdirAll(relPaths ...string) error {
	for _, rel := range relPaths {
		abs, err := l.abs(rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Checksum returns the hex sha256 of the file at relPath.
func (l LocalFS) Checksum(relPath string) (string, error) {
	f, err := l.Open(relPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
