// Package media is the data plane: a byte-range file server the master runs
// so clients can stream the session's video. Registration is keyed by movie
// id; serving honors Range requests for seeking.
package media

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Server serves registered videos under /videos/{id}.
type Server struct {
	mu     sync.RWMutex
	videos map[string]string // movie id -> file path

	http *http.Server
	ln   net.Listener
}

// NewServer returns an unstarted server with an empty registry.
func NewServer() *Server {
	s := &Server{videos: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("/videos/", s.handleVideo)
	s.http = &http.Server{
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds addr and serves in the background. Bind failures are returned
// synchronously; they are fatal to session start.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("media: bind %s: %w", addr, err)
	}
	s.ln = ln
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("level=warn msg=\"media server stopped\" err=%v", err)
		}
	}()
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close drains and stops the server.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Register makes the file available under the movie id. The file must exist
// and be regular; a dangling registration would only fail later mid-stream.
func (s *Server) Register(id, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("media: register %s: %w", id, err)
	}
	if st.IsDir() {
		return fmt.Errorf("media: register %s: %s is a directory", id, path)
	}

	s.mu.Lock()
	s.videos[id] = path
	s.mu.Unlock()
	return nil
}

// Unregister removes the movie id. Safe when absent.
func (s *Server) Unregister(id string) {
	s.mu.Lock()
	delete(s.videos, id)
	s.mu.Unlock()
}

// URL returns the stream URL for a movie id relative to base
// (e.g. http://192.168.1.20:8090).
func URL(base, id string) string {
	return strings.TrimSuffix(base, "/") + "/videos/" + id
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/videos/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	s.mu.RLock()
	path, ok := s.videos[id]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	serveVideoFile(w, r, path)
}

// serveVideoFile streams a video with Range support. http.ServeContent
// produces 206/Content-Range for ranged requests, 200 for whole-file and 416
// for unsatisfiable ranges, since os.File is seekable.
func serveVideoFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		http.Error(w, "file stat failed", http.StatusInternalServerError)
		return
	}

	// Content-Type best effort
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mkv":
		w.Header().Set("Content-Type", "video/x-matroska")
	case ".mp4", ".m4v":
		w.Header().Set("Content-Type", "video/mp4")
	case ".webm":
		w.Header().Set("Content-Type", "video/webm")
	}

	http.ServeContent(w, r, filepath.Base(path), st.ModTime(), f)
}
