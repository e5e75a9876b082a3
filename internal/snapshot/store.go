package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	gap "github.com/muesli/go-app-paths"
)

const fileName = "voices.json"

var (
	// ErrNotFound means no snapshot has been written yet. It is an expected state.
	ErrNotFound = errors.New("voice snapshot not found")
	ErrRead     = errors.New("read voice snapshot")
	ErrWrite    = errors.New("write voice snapshot")
)

// ResolvePath returns the snapshot location inside the user data directory
// for appName.
func ResolvePath(appName string) (string, error) {
	scope := gap.NewScope(gap.User, appName)
	path, err := scope.DataPath(fileName)
	if err != nil {
		return "", fmt.Errorf("resolve data dir for %s: %w", appName, err)
	}
	return path, nil
}

// Store reads and writes the persisted catalog at a fixed path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Exists reports whether a snapshot file is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Read returns the whole snapshot as text.
func (s *Store) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w %s: %v", ErrRead, s.path, err)
	}
	return string(data), nil
}

// Write replaces the snapshot. The content lands in a temporary file first and
// is renamed over the target.
func (s *Store) Write(content string) error {
	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create dir %s: %v", ErrWrite, dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".voices-*.tmp")
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrWrite, s.path, err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.WriteString(content)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w %s: %v", ErrWrite, s.path, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w %s: %v", ErrWrite, s.path, err)
	}
	return nil
}
