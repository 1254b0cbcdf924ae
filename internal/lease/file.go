package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hexforge404/hexforge-surface-engine/internal/blob"
)

// FileName is the lock file created inside the job directory.
const FileName = ".lease"

type record struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// FileLocker keeps the lease as an O_EXCL lock file under Root/<key>/.
// A lease older than TTL is treated as abandoned and taken over.
type FileLocker struct {
	Root string
	TTL  time.Duration
	Now  func() time.Time
}

func NewFileLocker(root string, ttl time.Duration) *FileLocker {
	return &FileLocker{Root: root, TTL: ttl, Now: time.Now}
}

func (l *FileLocker) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(key), FileName)
}

func (l *FileLocker) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *FileLocker) TryLock(_ context.Context, key string) (string, error) {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	token := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		err := l.create(p, token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
		if !l.expired(p) {
			return "", fmt.Errorf("%w: %s", ErrHeld, key)
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrHeld, key)
}

func (l *FileLocker) create(p, token string) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	now := l.now().UTC()
	rec := record{Owner: token, AcquiredAt: now, ExpiresAt: now.Add(l.TTL)}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		f.Close()
		os.Remove(p)
		return err
	}
	return f.Close()
}

// expired reports whether the lock at p is past its deadline. An unreadable
// record falls back to the file's modification time.
func (l *FileLocker) expired(p string) bool {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var rec record
	if err == nil && json.Unmarshal(data, &rec) == nil && !rec.ExpiresAt.IsZero() {
		return l.now().After(rec.ExpiresAt)
	}
	info, err := os.Stat(p)
	if err != nil {
		return true
	}
	return l.now().Sub(info.ModTime()) > l.TTL
}

// Renew rewrites the record with a fresh deadline. A lease that already
// expired or changed owner is not revived.
func (l *FileLocker) Renew(_ context.Context, key, token string) error {
	p := l.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrLost, key)
	}
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != token {
		return fmt.Errorf("%w: %s", ErrLost, key)
	}
	now := l.now().UTC()
	if now.After(rec.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrLost, key)
	}
	rec.ExpiresAt = now.Add(l.TTL)
	data, err = json.Marshal(rec)
	if err != nil {
		return err
	}
	return blob.WriteFileAtomic(p, data, 0o644)
}

// Unlock removes the lock file when token still owns it.
func (l *FileLocker) Unlock(_ context.Context, key, token string) error {
	p := l.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != token {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
