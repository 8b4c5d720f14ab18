package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileRepository stores the settings document as a JSON file.
type FileRepository struct {
	path string
}

// NewFileRepository creates a file-backed repository.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Name identifies the backing in logs.
func (r *FileRepository) Name() string { return "file" }

// Path returns the settings file location.
func (r *FileRepository) Path() string { return r.path }

// Load reads the settings file. A missing file is not an error.
func (r *FileRepository) Load(_ context.Context) ([]byte, bool, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read settings file: %w", err)
	}
	return data, true, nil
}

// Save replaces the settings file atomically with owner-only permissions.
func (r *FileRepository) Save(_ context.Context, raw []byte) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".backup-settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
