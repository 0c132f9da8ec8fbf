package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileStorage keeps each value in <base>/<namespace>/<key>. Writes go to a
// temp file which is renamed over the old one, so a reader sees either the
// old or the new document, never a torn one.
type FileStorage struct {
	basePath string
}

// NewFileStorage creates the base directory if needed.
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}
	log.Info("init file storage: %s", basePath)
	return &FileStorage{basePath: basePath}, nil
}

func (fs *FileStorage) path(namespace, key string) (string, error) {
	if !safeName.MatchString(namespace) || !safeName.MatchString(key) {
		return "", fmt.Errorf("invalid namespace/key %q/%q", namespace, key)
	}
	return filepath.Join(fs.basePath, namespace, key), nil
}

// Get implements Backend.
func (fs *FileStorage) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	p, err := fs.path(namespace, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put implements Backend.
func (fs *FileStorage) Put(ctx context.Context, namespace, key string, value []byte) error {
	p, err := fs.path(namespace, key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s failed: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+key+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("write file %s failed: %w", p, err)
	}

	log.Debug("stored %s/%s (%d bytes)", namespace, key, len(value))
	return nil
}

// Delete implements Backend.
func (fs *FileStorage) Delete(ctx context.Context, namespace, key string) error {
	p, err := fs.path(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Close implements Backend.
func (fs *FileStorage) Close() error {
	return nil
}
