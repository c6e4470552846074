package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore saves each record as a JSON file under a base directory.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (f *FileStore) Get(key string, out any) (bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read record: %w", err)
	}
	if err := decode(key, data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Put writes to a temp file and renames it so readers never see a partial record.
func (f *FileStore) Put(key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	target := f.path(key)
	tmp, err := os.CreateTemp(f.basePath, ".record-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func (f *FileStore) Delete(key string) error {
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.basePath, safeFilename(key)+".json")
}

func safeFilename(key string) string {
	name := url.PathEscape(strings.TrimSpace(key))
	name = strings.ReplaceAll(name, ":", "_")
	if name == "" || name == "." || name == ".." {
		return "record"
	}
	return name
}
