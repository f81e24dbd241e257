package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LayerRecord maps a layer cache key to the image produced for it.
type LayerRecord struct {
	Key       string    `json:"key"`
	ImageID   string    `json:"image_id"`
	Step      string    `json:"step"`
	CreatedAt time.Time `json:"created_at"`
}

var mu sync.Mutex

const stateFileName = "showup_layers.json"

// Store is a JSON file index of built layers. All Stores in the process
// share one mutex so concurrent builds never lose updates.
type Store struct {
	path string
}

// NewStore returns a store rooted at dir. An empty dir selects the default
// location.
func NewStore(dir string) *Store {
	return &Store{path: stateFilePath(dir)}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

func stateFilePath(dir string) string {
	if dir != "" {
		return filepath.Join(dir, stateFileName)
	}
	// Prefer a persistent location under /var/lib/showup when possible; fall back to the current working dir
	defaultDir := "/var/lib/showup"
	if err := os.MkdirAll(defaultDir, 0o755); err == nil {
		return filepath.Join(defaultDir, stateFileName)
	}
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, stateFileName)
	}
	return filepath.Join(os.TempDir(), stateFileName)
}

// loadAllUnlocked reads the state file WITHOUT acquiring the package mutex. Caller must hold the lock.
func (s *Store) loadAllUnlocked() (map[string]LayerRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]LayerRecord), nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	out := make(map[string]LayerRecord)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return out, nil
}

// saveAllUnlocked writes the state file WITHOUT acquiring the package mutex. Caller must hold the lock.
// The file is replaced via rename so a crash never leaves a truncated index.
func (s *Store) saveAllUnlocked(m map[string]LayerRecord) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Put persists a record keyed by its cache key, holding the mutex for the
// whole read-modify-write cycle.
func (s *Store) Put(r LayerRecord) error {
	if r.Key == "" {
		return fmt.Errorf("layer record without key")
	}
	mu.Lock()
	defer mu.Unlock()
	m, err := s.loadAllUnlocked()
	if err != nil {
		return err
	}
	m[r.Key] = r
	return s.saveAllUnlocked(m)
}

// Get looks up a record by cache key.
func (s *Store) Get(key string) (LayerRecord, bool, error) {
	mu.Lock()
	defer mu.Unlock()
	m, err := s.loadAllUnlocked()
	if err != nil {
		return LayerRecord{}, false, err
	}
	r, ok := m[key]
	return r, ok, nil
}

// Remove deletes the record for key.
func (s *Store) Remove(key string) error {
	mu.Lock()
	defer mu.Unlock()
	m, err := s.loadAllUnlocked()
	if err != nil {
		return err
	}
	delete(m, key)
	return s.saveAllUnlocked(m)
}

// RemoveByImageID drops every record pointing at imageID.
func (s *Store) RemoveByImageID(imageID string) error {
	mu.Lock()
	defer mu.Unlock()
	m, err := s.loadAllUnlocked()
	if err != nil {
		return err
	}
	for k, v := range m {
		if v.ImageID == imageID {
			delete(m, k)
		}
	}
	return s.saveAllUnlocked(m)
}

// All returns every persisted record.
func (s *Store) All() (map[string]LayerRecord, error) {
	mu.Lock()
	defer mu.Unlock()
	return s.loadAllUnlocked()
}
