package heightmap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hexforge404/hexforge-surface-engine/internal/testutil"
)

func TestFetchSources(t *testing.T) {
	payload := testutil.GradientPNG(16, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Write(payload)
		case "/empty.png":
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "hm.png")
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	f := Fetcher{Client: srv.Client(), MaxBytes: 1 << 20}
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"http", srv.URL + "/ok.png", false},
		{"file url", "file://" + local, false},
		{"absolute path", local, false},
		{"empty body", srv.URL + "/empty.png", true},
		{"not found", srv.URL + "/missing.png", true},
		{"relative path", "hm.png", true},
		{"blank", "  ", true},
		{"missing file", filepath.Join(t.TempDir(), "nope.png"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := f.Fetch(context.Background(), tt.src)
			if tt.wantErr {
				if !errors.Is(err, ErrFetchFailed) {
					t.Fatalf("expected ErrFetchFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if string(data) != string(payload) {
				t.Fatalf("payload mismatch: %d bytes", len(data))
			}
		})
	}
}

func TestFetchEnforcesSizeCap(t *testing.T) {
	local := filepath.Join(t.TempDir(), "big.png")
	if err := os.WriteFile(local, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	f := Fetcher{MaxBytes: 1024}
	if _, err := f.Fetch(context.Background(), local); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected size cap failure, got %v", err)
	}
}

func TestWithin(t *testing.T) {
	root := filepath.Join(t.TempDir(), "job", "source")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	inside := filepath.Join(root, "a.png")
	outside := filepath.Join(filepath.Dir(root), "b.png")
	for _, p := range []string{inside, outside} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(root, "link.png")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		p    string
		want bool
	}{
		{"inside", inside, true},
		{"sibling", outside, false},
		{"dot dot", filepath.Join(root, "..", "b.png"), false},
		{"root itself", root, false},
		{"symlink out", link, false},
		{"missing", filepath.Join(root, "nope.png"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Within(root, tt.p); got != tt.want {
				t.Fatalf("Within(%s) = %v", tt.p, got)
			}
		})
	}
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		src  string
		want string
		ok   bool
	}{
		{"file:///srv/a.png", filepath.FromSlash("/srv/a.png"), true},
		{"/srv/a.png", "/srv/a.png", true},
		{"https://maps.example/a.png", "", false},
		{"a.png", "", false},
	}
	for _, tt := range tests {
		got, ok := LocalPath(tt.src)
		if ok != tt.ok || got != tt.want {
			t.Errorf("LocalPath(%q) = %q, %v", tt.src, got, ok)
		}
	}
}

func TestDecodeAndSpan(t *testing.T) {
	h, err := Decode(testutil.GradientPNG(32, 24))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cols, rows := h.Dims(); cols != 32 || rows != 24 {
		t.Fatalf("dims=%dx%d", cols, rows)
	}
	if h.Span() < 0.5 {
		t.Fatalf("gradient span too small: %v", h.Span())
	}

	u, err := Decode(testutil.UniformPNG(8, 8, 128))
	if err != nil {
		t.Fatalf("decode uniform: %v", err)
	}
	if u.Span() != 0 {
		t.Fatalf("uniform span=%v", u.Span())
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an image")); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed, got %v", err)
	}
	if _, err := Decode(testutil.UniformPNG(1, 1, 0)); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed for 1x1, got %v", err)
	}
}

func TestResampleAndNormalize(t *testing.T) {
	h, err := Decode(testutil.GradientPNG(128, 128))
	if err != nil {
		t.Fatal(err)
	}
	small := h.Resample(64, 64)
	if cols, rows := small.Dims(); cols != 64 || rows != 64 {
		t.Fatalf("dims=%dx%d", cols, rows)
	}
	n := small.Normalize(0.02)
	lo, hi := n.Range()
	if lo != 0 || hi != 1 {
		t.Fatalf("normalized range=%v..%v", lo, hi)
	}

	u, _ := Decode(testutil.UniformPNG(16, 16, 200))
	flat := u.Resample(8, 8).Normalize(0.02)
	if flat.Span() != 0 {
		t.Fatalf("uniform map must normalize flat, span=%v", flat.Span())
	}
	if flat.Value(3, 3) != 0 {
		t.Fatalf("uniform map must normalize to zero")
	}
}

func TestColorize(t *testing.T) {
	h, err := Decode(testutil.GradientPNG(20, 10))
	if err != nil {
		t.Fatal(err)
	}
	img := h.Colorize()
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Fatalf("bounds=%v", b)
	}
	if img.RGBAAt(0, 0) == img.RGBAAt(10, 5) {
		t.Fatalf("expected varied colours")
	}
	if c := rampAt(0); c != ramp[0].c {
		t.Fatalf("low end=%v", c)
	}
	if c := rampAt(1); c != ramp[len(ramp)-1].c {
		t.Fatalf("high end=%v", c)
	}
}
