package filetransfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrInvalidName is returned for names that do not reduce to a plain file name
	ErrInvalidName = errors.New("invalid file name")

	// ErrNotFound is returned when a stored file does not exist
	ErrNotFound = errors.New("file not found")
)

// FileInfo describes one stored file
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store keeps uploaded files flat in a single directory
type Store struct {
	dir string
}

// NewStore creates the storage directory if needed
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the storage directory
func (s *Store) Dir() string {
	return s.dir
}

// Sanitize strips directory components from a client-supplied name.
// Both separators are stripped regardless of platform; the rest of the
// name, surrounding spaces included, is kept as sent.
func Sanitize(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	return name, nil
}

// Path resolves a client-supplied name inside the store
func (s *Store) Path(name string) (string, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, clean), nil
}

// Create opens name for writing, truncating any previous content
func (s *Store) Create(name string) (*os.File, string, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, "", err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, filepath.Base(path), nil
}

// Open opens a stored file for reading and returns its size
func (s *Store) Open(name string) (*os.File, int64, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, ErrNotFound
	}
	return f, info.Size(), nil
}

// List returns the stored files sorted by name
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}
