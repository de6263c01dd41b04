package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/ralt/resolvd/internal/models"
	"github.com/ralt/resolvd/internal/utils"
)

// FileStore keeps a small JSON key-value file on disk
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path; the file is created on first save
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) readValues() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, &models.PackageError{Type: models.ErrFileOp, Err: err}
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, &models.PackageError{Type: models.ErrFileOp, Err: err}
	}
	return values, nil
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context) (map[string]models.PackageConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.readValues()
	if err != nil {
		return nil, err
	}
	return decode(values[ConfigsKey])
}

// Save implements Store. Other keys in the file are preserved.
func (s *FileStore) Save(ctx context.Context, configs map[string]models.PackageConfig) error {
	raw, err := encode(configs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.readValues()
	if err != nil {
		// Start over rather than keep a corrupt file around
		values = make(map[string]string)
	}
	values[ConfigsKey] = raw

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(s.path, data, 0644); err != nil {
		return &models.PackageError{Type: models.ErrFileOp, Err: err}
	}
	return nil
}
