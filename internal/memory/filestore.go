package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	modelMemoriesFile        = "model-memories.json"
	conversationMemoriesFile = "conversation-memories.json"
	metaMemoryFile           = "meta-memory.json"
	promptsFile              = "prompts.json"
)

// FileStore persists each memory document as a JSON file in a data
// directory, written atomically via a temp file and rename.
type FileStore struct {
	dir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load reads whichever documents exist; missing files contribute empty
// sections so a fresh data directory loads cleanly.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := s.readJSON(modelMemoriesFile, &snap.Models); err != nil {
		return nil, err
	}
	if err := s.readJSON(conversationMemoriesFile, &snap.Conversations); err != nil {
		return nil, err
	}
	if err := s.readJSON(metaMemoryFile, &snap.Meta); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, promptsFile))
	switch {
	case err == nil:
		snap.Prompts = json.RawMessage(data)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read %s: %w", promptsFile, err)
	}
	return snap, nil
}

// Save writes all four documents. Each file is replaced atomically, but
// there is no cross-file transaction; a crash between writes leaves the
// previous version of the unwritten documents in place.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	if err := s.writeJSON(modelMemoriesFile, snap.Models); err != nil {
		return err
	}
	if err := s.writeJSON(conversationMemoriesFile, snap.Conversations); err != nil {
		return err
	}
	if err := s.writeJSON(metaMemoryFile, snap.Meta); err != nil {
		return err
	}
	if len(snap.Prompts) > 0 {
		if err := writeFileAtomic(filepath.Join(s.dir, promptsFile), snap.Prompts, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", promptsFile, err)
		}
	}
	return nil
}

// Close is a no-op; files are flushed on every Save.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) readJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeJSON(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
