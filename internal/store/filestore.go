package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sogara/internal/models"
)

// FileStore is the fallback backend: the whole queue as one serialized
// JSON array. Degraded capacity and no indexes, same contract.
type FileStore struct {
	path string
	mu   sync.Mutex
}

type fileStoreState struct {
	Entries []models.QueueEntry `json:"entries"`
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fallback store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) load() ([]models.QueueEntry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback store: %w", err)
	}

	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode fallback store: %w", err)
	}
	return state.Entries, nil
}

// save writes via a temp file and rename so readers never observe a
// partially written array.
func (s *FileStore) save(entries []models.QueueEntry) error {
	data, err := json.Marshal(fileStoreState{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to encode fallback store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write fallback store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace fallback store: %w", err)
	}
	return nil
}

func (s *FileStore) ReadAll(ctx context.Context) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) WriteAll(ctx context.Context, entries []models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(entries)
}

func (s *FileStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (s *FileStore) Put(ctx context.Context, entry models.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return s.save(entries)
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return s.save(kept)
}
