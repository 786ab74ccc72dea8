package codestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend stores the code in a single file
type FileBackend struct {
	path string
}

func NewFileBackend(path string) FileBackend {
	return FileBackend{path: path}
}

func (fb FileBackend) Load(_ context.Context) (string, error) {
	b, err := os.ReadFile(fb.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", ErrNotFound
	}
	return string(b), nil
}

// Save writes to a temporary file next to the target and renames it into place, so readers never see a partial file
func (fb FileBackend) Save(_ context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}

	dir := filepath.Dir(fb.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fb.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fb.path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

func (fb FileBackend) Durability() Durability {
	return Durable
}
