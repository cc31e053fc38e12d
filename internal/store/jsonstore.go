// Package store provides the durable JSON-on-disk stores that back sessions,
// cron jobs, auth profiles, allowlists, pairing codes, and thread bindings.
//
// Each store is one JSON file with an in-memory snapshot. Mutations pass
// through a per-store serial lane; writes land in a sibling tmp file and are
// renamed over the target so readers never observe a torn file. A malformed
// file is moved aside and the store restarts empty.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONStore persists a value of type T to a single file.
type JSONStore[T any] struct {
	path string
	mu   sync.Mutex // serial mutate lane
	snap atomic[T]
	init func() T
}

// atomic wraps a value guarded by its own lock so readers snapshot without
// holding the mutate lane.
type atomic[T any] struct {
	mu sync.RWMutex
	v  T
}

func (a *atomic[T]) load() T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

func (a *atomic[T]) store(v T) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

// NewJSONStore creates a store at path. init produces the empty value used
// when the file is absent or quarantined.
func NewJSONStore[T any](path string, init func() T) *JSONStore[T] {
	return &JSONStore[T]{path: path, init: init}
}

// Load reads the file into the snapshot. A malformed file is quarantined
// (renamed with a timestamp suffix) and the store restarts empty; this is an
// integrity event, not an error, so startup always succeeds.
func (s *JSONStore[T]) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.snap.store(s.init())
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", s.path, err)
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixMilli())
		if mvErr := os.Rename(s.path, quarantine); mvErr != nil {
			slog.Error("store quarantine failed", "path", s.path, "error", mvErr)
		} else {
			slog.Warn("malformed store quarantined", "path", s.path, "moved_to", quarantine)
		}
		s.snap.store(s.init())
		return nil
	}

	s.snap.store(v)
	return nil
}

// Get returns the current snapshot. Safe for concurrent use; the returned
// value must be treated as read-only (mutate through Mutate).
func (s *JSONStore[T]) Get() T {
	return s.snap.load()
}

// Mutate runs fn against a writable draft under the store lane and persists
// the result when fn returns nil. The draft is a deep copy of the current
// snapshot so fn never writes into maps or slices a Get caller still holds.
// The snapshot is only replaced after the file write succeeds.
func (s *JSONStore[T]) Mutate(fn func(draft *T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft, err := s.clone(s.snap.load())
	if err != nil {
		return err
	}
	if err := fn(&draft); err != nil {
		return err
	}
	if err := s.write(draft); err != nil {
		return err
	}
	s.snap.store(draft)
	return nil
}

// clone deep-copies v through its JSON form. T is JSON-serializable by
// construction since write persists it the same way. Unmarshal lands on the
// init value so maps stay allocated for an empty or field-absent snapshot.
func (s *JSONStore[T]) clone(v T) (T, error) {
	out := s.init()
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("clone %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("clone %s: %w", s.path, err)
	}
	return out, nil
}

// Path returns the backing file path.
func (s *JSONStore[T]) Path() string { return s.path }

func (s *JSONStore[T]) write(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("tmp file for %s: %w", s.path, err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", s.path, err)
	}
	cleanup = false
	return nil
}
