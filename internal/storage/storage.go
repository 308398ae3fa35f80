package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"airwave-live/internal/models"

	"github.com/google/uuid"
)

type dataset struct {
	Users      map[string]models.User           `json:"users"`
	Broadcasts map[string]models.Broadcast      `json:"broadcasts"`
	Handovers  map[string]models.HandoverRecord `json:"handovers"`
}

// Storage is the JSON-file-backed datastore. All reads and writes go through
// a single RWMutex; mutations persist the full dataset atomically and roll
// back the in-memory change when the write fails.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Users:      make(map[string]models.User),
		Broadcasts: make(map[string]models.Broadcast),
		Handovers:  make(map[string]models.HandoverRecord),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Broadcasts == nil {
		s.data.Broadcasts = make(map[string]models.Broadcast)
	}
	if s.data.Handovers == nil {
		s.data.Handovers = make(map[string]models.HandoverRecord)
	}
}

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
	ErrBroadcastNotLive         = errors.New("broadcast is not live")
	ErrSameDJ                   = errors.New("user is already the active dj")
)

func NewStorage(path string) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// Ping reports readiness; the JSON store is always available once loaded.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Close is a no-op for the file-backed store.
func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneBroadcast(src models.Broadcast) models.Broadcast {
	cloned := src
	if src.StartedByID != nil {
		startedBy := *src.StartedByID
		cloned.StartedByID = &startedBy
	}
	if src.CurrentDJID != nil {
		current := *src.CurrentDJID
		cloned.CurrentDJID = &current
	}
	if src.ActualStart != nil {
		start := *src.ActualStart
		cloned.ActualStart = &start
	}
	if src.ActualEnd != nil {
		end := *src.ActualEnd
		cloned.ActualEnd = &end
	}
	return cloned
}

func generateID() string {
	return uuid.NewString()
}
