package object

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// LocalStorage implements Storage for the local filesystem.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(root string) (*LocalStorage, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}
	return &LocalStorage{root: absRoot}, nil
}

// Scheme returns "file".
func (s *LocalStorage) Scheme() string {
	return "file"
}

func (s *LocalStorage) fullPath(path string) string {
	return filepath.Join(s.root, path)
}

// List enumerates the immediate children of a directory.
func (s *LocalStorage) List(_ context.Context, prefix string) ([]Info, error) {
	entries, err := os.ReadDir(s.fullPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, ent := range entries {
		fi, err := ent.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Path:    filepath.Join(prefix, ent.Name()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// Open returns a reader over a file.
func (s *LocalStorage) Open(_ context.Context, path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.fullPath(path))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open object: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return f, fi.Size(), nil
}

// Stat fetches file metadata.
func (s *LocalStorage) Stat(_ context.Context, path string) (Info, error) {
	fi, err := os.Stat(s.fullPath(path))
	if err != nil {
		return Info{}, err
	}
	return Info{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}
