// Package cache persists identities of previously seen devices so later
// sessions can connect by address without a discovery scan.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mattnigh/PyFluff/bluetooth"
)

// Store is a JSON-file backed device cache keyed by address. All methods
// are safe for concurrent use; every mutation is written through to disk.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	devices map[string]bluetooth.Identity
}

// Open loads the cache at path, creating parent directories as needed. A
// missing file yields an empty store; a corrupt file is logged and
// replaced on the next write.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		path:    path,
		log:     log.With().Str("component", "cache").Logger(),
		devices: make(map[string]bluetooth.Identity),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if err := json.Unmarshal(data, &s.devices); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("cache file corrupt, starting empty")
		s.devices = make(map[string]bluetooth.Identity)
	}
	return s, nil
}

// Remember stores or refreshes a device entry and persists the cache.
// Zero fields in the update keep the previously stored values.
func (s *Store) Remember(id bluetooth.Identity) error {
	if id.Address == "" {
		return fmt.Errorf("cache: identity without address")
	}
	key := normalize(id.Address)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.devices[key]
	if ok {
		if id.Name == "" {
			id.Name = prev.Name
		}
		if id.Firmware == "" {
			id.Firmware = prev.Firmware
		}
	}
	if id.LastSeen.IsZero() {
		id.LastSeen = time.Now().UTC()
	}
	s.devices[key] = id
	return s.flush()
}

// Forget removes an entry. Removing an unknown address is a no-op.
func (s *Store) Forget(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalize(address)
	if _, ok := s.devices[key]; !ok {
		return nil
	}
	delete(s.devices, key)
	return s.flush()
}

// Clear empties the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return nil
	}
	s.devices = make(map[string]bluetooth.Identity)
	return s.flush()
}

// Get looks up a device by address.
func (s *Store) Get(address string) (bluetooth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.devices[normalize(address)]
	return id, ok
}

// All returns every known device, most recently seen first.
func (s *Store) All() []bluetooth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bluetooth.Identity, 0, len(s.devices))
	for _, id := range s.devices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// flush writes the cache atomically. Caller holds s.mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.devices, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

func normalize(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
