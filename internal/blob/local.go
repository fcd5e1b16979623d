package blob

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const localPrefix = "blob:"

// LocalStore keeps payloads as files under one directory. References look
// like "blob:<uuid>.<ext>" and resolve to BaseURL + "/" + file name.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the directory files are written to.
func (s *LocalStore) Dir() string { return s.dir }

// Put writes data to a new uniquely named file.
func (s *LocalStore) Put(_ context.Context, data []byte, contentType string) (string, error) {
	name := uuid.NewString() + extensionFor(contentType)
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	log.Printf("[Blob] Stored %s (%d bytes)", name, len(data))
	return localPrefix + name, nil
}

// Resolve maps a local reference to its public URL. URLs pass through.
func (s *LocalStore) Resolve(_ context.Context, ref string) (string, error) {
	if IsURL(ref) {
		return ref, nil
	}
	name, ok := strings.CutPrefix(ref, localPrefix)
	if !ok || name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	if _, err := os.Stat(filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	return s.baseURL + "/" + name, nil
}
