package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestWriteJSONRoundTrip(t *testing.T) {
	l := LocalFS{Root: t.TempDir()}
	in := map[string]any{"job_id": "abc", "status": "queued"}
	if err := l.WriteJSON("nested/dir/job.json", in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out map[string]any
	if err := l.ReadJSON("nested/dir/job.json", &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["job_id"] != "abc" {
		t.Fatalf("unexpected doc: %v", out)
	}

	entries, err := os.ReadDir(filepath.Join(l.Root, "nested", "dir"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestReadJSONMissing(t *testing.T) {
	l := LocalFS{Root: t.TempDir()}
	var v map[string]any
	if err := l.ReadJSON("job.json", &v); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestExistsRequiresNonEmpty(t *testing.T) {
	l := LocalFS{Root: t.TempDir()}
	if err := l.PutBytes("empty.bin", nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if l.Exists("empty.bin") {
		t.Fatalf("empty file must not count as existing")
	}
	if err := l.PutBytes("full.bin", []byte{1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !l.Exists("full.bin") {
		t.Fatalf("expected full.bin to exist")
	}
	if l.Exists("missing.bin") {
		t.Fatalf("missing file reported as existing")
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	l := LocalFS{Root: t.TempDir()}
	for _, rel := range []string{"../x", "/etc/passwd", ".", ""} {
		if err := l.PutBytes(rel, []byte("x")); err == nil {
			t.Fatalf("expected %q to be rejected", rel)
		}
	}
}

func TestChecksumMatchesBytes(t *testing.T) {
	l := LocalFS{Root: t.TempDir()}
	data := []byte("heightmap-bytes")
	if err := l.PutBytes("a.png", data); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := l.Checksum("a.png")
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if got != Checksum(data) {
		t.Fatalf("checksum mismatch: %s vs %s", got, Checksum(data))
	}
}

// A reader racing the writer must always decode a complete document.
func TestConcurrentReadersNeverSeePartialJSON(t *testing.T) {
	l := LocalFS{Root: t.TempDir()}
	big := strings.Repeat("x", 64<<10)
	if err := l.WriteJSON("job_manifest.json", map[string]any{"n": 0, "pad": big}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(filepath.Join(l.Root, "job_manifest.json"))
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			var doc map[string]any
			if err := json.Unmarshal(data, &doc); err != nil {
				select {
				case errs <- fmt.Errorf("partial read (%d bytes): %w", len(data), err):
				default:
				}
				return
			}
		}
	}()

	for i := 1; i <= 200; i++ {
		if err := l.WriteJSON("job_manifest.json", map[string]any{"n": i, "pad": big}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-errs:
		t.Fatalf("reader observed a bad document: %v", err)
	default:
	}
}
