package library

import (
	"crypto/sha1"
	"encoding/hex"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Movie is one indexed video file.
type Movie struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Library keeps an in-memory view of the index, backed by an optional Store.
type Library struct {
	root  string
	mu    sync.RWMutex
	items map[string]Movie
	store *Store
}

// NewLibrary opens root (created if absent) and loads any stored index.
func NewLibrary(root string, store *Store) (*Library, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	items := map[string]Movie{}
	if store != nil {
		stored, err := store.GetAll()
		if err != nil {
			return nil, err
		}
		for _, m := range stored {
			items[m.ID] = m
		}
	}
	return &Library{root: root, items: items, store: store}, nil
}

var allowedExtensions = map[string]bool{
	".avi":  true,
	".m2ts": true,
	".m4v":  true,
	".mkv":  true,
	".mov":  true,
	".mp4":  true,
	".ts":   true,
	".webm": true,
}

// Scan walks the root, rebuilds the in-memory index and reconciles the store.
// Unreadable entries are skipped.
func (l *Library) Scan() error {
	found := map[string]Movie{}

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("level=warn msg=\"scan skip\" path=%s err=%v", path, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !allowedExtensions[ext] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Printf("level=warn msg=\"scan stat failed\" path=%s err=%v", path, err)
			return nil
		}

		id := stableID(path)
		found[id] = Movie{
			ID:       id,
			Title:    strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path:     path,
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	previous := l.items
	l.items = found
	l.mu.Unlock()

	if l.store != nil {
		var removed []string
		for id := range previous {
			if _, ok := found[id]; !ok {
				removed = append(removed, id)
			}
		}
		if len(removed) > 0 {
			if err := l.store.DeleteMovies(removed); err != nil {
				return err
			}
		}
		toSave := make([]Movie, 0, len(found))
		for _, m := range found {
			toSave = append(toSave, m)
		}
		if len(toSave) > 0 {
			if err := l.store.SaveMovies(toSave); err != nil {
				return err
			}
		}
	}
	return nil
}

// All returns the index sorted by title.
func (l *Library) All() []Movie {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Movie, 0, len(l.items))
	for _, m := range l.items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Get looks a movie up by id.
func (l *Library) Get(id string) (Movie, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.items[id]
	return m, ok
}

func stableID(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:8]) // short but stable
}
