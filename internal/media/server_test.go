package media

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mp4")
	// 4000 bytes of predictable content so ranges are checkable.
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "%04d", i)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	s := NewServer()
	if err := s.Register("movie-1", path); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return s, path
}

func doRequest(t *testing.T, s *Server, target, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	s.handleVideo(rec, req)
	return rec
}

func TestWholeFile(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, "/videos/movie-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("content-type = %q, want video/mp4", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 4000 {
		t.Fatalf("body length = %d, want 4000", len(body))
	}
}

func TestRangeRequest(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, "/videos/movie-1", "bytes=100-199")
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/4000" {
		t.Fatalf("content-range = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if string(body[:4]) != "0025" {
		t.Fatalf("range body starts with %q, want 0025", body[:4])
	}
	if len(body) != 100 {
		t.Fatalf("range body length = %d, want 100", len(body))
	}
}

func TestUnsatisfiableRange(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, "/videos/movie-1", "bytes=999999-")
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
}

func TestUnknownMovie(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, "/videos/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUnregister(t *testing.T) {
	s, _ := newTestServer(t)

	s.Unregister("movie-1")
	rec := doRequest(t, s, "/videos/movie-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status after unregister = %d, want 404", rec.Code)
	}

	// safe when already gone
	s.Unregister("movie-1")
}

func TestRegisterValidatesPath(t *testing.T) {
	s := NewServer()
	if err := s.Register("x", filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Fatalf("Register() of a missing file expected error")
	}
	if err := s.Register("x", t.TempDir()); err == nil {
		t.Fatalf("Register() of a directory expected error")
	}
}

func TestURL(t *testing.T) {
	if got := URL("http://10.0.0.5:8090/", "abc"); got != "http://10.0.0.5:8090/videos/abc" {
		t.Fatalf("URL() = %s", got)
	}
}
