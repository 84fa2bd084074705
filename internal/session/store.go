package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"scadsmith/internal/logging"
)

// Store is the single persisted session slot.
type Store interface {
	// Load returns the current session. Every failure wraps ErrNoSessionFound.
	Load(ctx context.Context) (*Session, error)

	// Save overwrites the slot with s.
	Save(ctx context.Context, s *Session) error
}

// FileStore keeps the session as one JSON document on disk.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the session file path.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads and decodes the session file. A missing file and corrupt content
// are reported the same way.
func (f *FileStore) Load(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionFound, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		logging.SessionWarn("Session file %s is unreadable: %v", f.path, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrNoSessionFound, f.path, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing session id", ErrNoSessionFound, f.path)
	}

	logging.SessionDebug("Loaded session %s (%d iterations)", s.ID, len(s.Iterations))
	return &s, nil
}

// Save writes the session to a temp file in the same directory and renames it
// over the slot, so readers never observe a partial document.
func (f *FileStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logging.SessionDebug("Saved session %s to %s (%d bytes)", s.ID, f.path, len(data))
	return nil
}
