// Package library indexes the host's video files so a session can be started
// from a movie id. The index is sqlite-backed; sync-session state never
// touches it.
package library

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaMovies = `
CREATE TABLE IF NOT EXISTS movies (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	title TEXT,
	size INTEGER,
	modified INTEGER
);`

const schemaMoviesIndexes = `
CREATE INDEX IF NOT EXISTS idx_movies_title ON movies(title);
CREATE INDEX IF NOT EXISTS idx_movies_path ON movies(path);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY
);`

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			schemaMovies,
			schemaMoviesIndexes,
		},
	},
}

// Store is the sqlite movie index.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the index at path and applies pending migrations.
// ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	bootstrap := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range bootstrap {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaMigrations); err != nil {
		return err
	}

	var current sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("library: migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SaveMovies upserts the given movies.
func (s *Store) SaveMovies(movies []Movie) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("library: missing database connection")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO movies (id, path, title, size, modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path=excluded.path,
			title=excluded.title,
			size=excluded.size,
			modified=excluded.modified
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range movies {
		_, err = stmt.Exec(m.ID, m.Path, nullString(m.Title), m.Size, m.Modified.Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// DeleteMovies removes the given ids.
func (s *Store) DeleteMovies(ids []string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("library: missing database connection")
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(
		"DELETE FROM movies WHERE id IN (%s)",
		strings.Join(placeholders, ","),
	)
	_, err := s.db.Exec(query, args...)
	return err
}

// GetAll returns every movie ordered by title.
func (s *Store) GetAll() ([]Movie, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("library: missing database connection")
	}

	rows, err := s.db.Query(`
		SELECT id, path, title, size, modified
		FROM movies
		ORDER BY title
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movies []Movie
	for rows.Next() {
		var (
			m        Movie
			title    sql.NullString
			modified int64
		)
		if err := rows.Scan(&m.ID, &m.Path, &title, &m.Size, &modified); err != nil {
			return nil, err
		}
		m.Title = title.String
		m.Modified = time.Unix(modified, 0)
		movies = append(movies, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movies, nil
}

// GetByID looks one movie up.
func (s *Store) GetByID(id string) (Movie, bool, error) {
	if s == nil || s.db == nil {
		return Movie{}, false, fmt.Errorf("library: missing database connection")
	}

	var (
		m        Movie
		title    sql.NullString
		modified int64
	)
	err := s.db.QueryRow(`
		SELECT id, path, title, size, modified
		FROM movies
		WHERE id = ?
	`, id).Scan(&m.ID, &m.Path, &title, &m.Size, &modified)
	if err != nil {
		if err == sql.ErrNoRows {
			return Movie{}, false, nil
		}
		return Movie{}, false, err
	}

	m.Title = title.String
	m.Modified = time.Unix(modified, 0)
	return m, true, nil
}

func nullString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
