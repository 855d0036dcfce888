package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretFiles mirrors secret records to one JSON file per hashlock.
// The files are an audit/recovery aid; the database stays the source of truth.
type SecretFiles struct {
	dir string
}

// NewSecretFiles creates the directory if needed.
func NewSecretFiles(dir string) (*SecretFiles, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}
	return &SecretFiles{dir: dir}, nil
}

// Dir returns the mirror directory.
func (f *SecretFiles) Dir() string {
	return f.dir
}

// Path returns the file path for a hashlock.
func (f *SecretFiles) Path(h string) string {
	return filepath.Join(f.dir, strings.ToLower(strings.TrimPrefix(h, "0x"))+".json")
}

// Write replaces the file for rec atomically (temp file + rename).
func (f *SecretFiles) Write(rec *SecretRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}

	path := f.Path(rec.Hashlock)
	tmp, err := os.CreateTemp(f.dir, ".secret-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
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

	return os.Rename(tmp.Name(), path)
}

// Read loads the record stored for a hashlock.
func (f *SecretFiles) Read(h string) (*SecretRecord, error) {
	data, err := os.ReadFile(f.Path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	var rec SecretRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse secret file: %w", err)
	}
	return &rec, nil
}

// List returns every record in the directory, skipping unreadable files.
func (f *SecretFiles) List() ([]*SecretRecord, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets directory: %w", err)
	}

	var out []*SecretRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := f.Read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
