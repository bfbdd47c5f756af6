// Package offset persists the export watermark of each table.
//
// A watermark is the (updated-at, sys_id) pair of the last record produced
// to Kafka. The exporter resumes from it with the query
//
//	ts = last.UpdatedAt ^ id > last.ID  ^NQ  ts > last.UpdatedAt  ORDERBY ts, id
//
// so records that share a timestamp are neither skipped nor repeated.
//
// FileStore keeps all watermarks in one JSON file:
//
//	{
//	  "incident": {"updated_at": "2024-03-15T10:00:00Z", "last_id": "abc123"}
//	}
//
// Writes go to a temp file that is synced and renamed over the target, so
// the file is always valid. Losing the latest update only means one extra
// export pass (at-least-once).
package offset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Watermark marks the last exported record of a table.
type Watermark struct {
	UpdatedAt time.Time `json:"updated_at"`
	LastID    string    `json:"last_id"`
}

// IsZero reports whether nothing has been exported yet.
func (w Watermark) IsZero() bool {
	return w.UpdatedAt.IsZero() && w.LastID == ""
}

// After reports whether w is strictly past other in (UpdatedAt, LastID)
// order.
func (w Watermark) After(other Watermark) bool {
	if !w.UpdatedAt.Equal(other.UpdatedAt) {
		return w.UpdatedAt.After(other.UpdatedAt)
	}
	return w.LastID > other.LastID
}

// Store loads and saves watermarks. Implementations are safe for
// concurrent use.
type Store interface {
	// Load returns the table's watermark, or the zero Watermark.
	Load(table string) (Watermark, error)
	// Save records a new watermark; it may be buffered until Flush.
	Save(table string, w Watermark) error
	Flush() error
	Close() error
}

// FileStore is a Store backed by a JSON file.
type FileStore struct {
	path string

	mu    sync.RWMutex
	marks map[string]Watermark
	dirty bool
}

// NewFileStore opens path, loading existing watermarks. A missing or empty
// file starts an empty store.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, marks: map[string]Watermark{}}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, fmt.Errorf("reading offset file %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fs.marks); err != nil {
			return nil, fmt.Errorf("parsing offset file %s: %w", path, err)
		}
	}
	return fs, nil
}

// Load implements Store.
func (fs *FileStore) Load(table string) (Watermark, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.marks[table], nil
}

// Save implements Store. The change reaches disk on the next Flush.
func (fs *FileStore) Save(table string, w Watermark) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.marks[table] = w
	fs.dirty = true
	return nil
}

// Flush writes the watermarks to disk if anything changed since the last
// flush.
func (fs *FileStore) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.dirty {
		return nil
	}
	data, err := json.MarshalIndent(fs.marks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling offsets: %w", err)
	}
	if err := writeAtomic(fs.path, data); err != nil {
		return err
	}
	fs.dirty = false
	return nil
}

// Close flushes pending changes.
func (fs *FileStore) Close() error {
	return fs.Flush()
}

// Snapshot returns a copy of every watermark.
func (fs *FileStore) Snapshot() map[string]Watermark {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make(map[string]Watermark, len(fs.marks))
	for k, v := range fs.marks {
		out[k] = v
	}
	return out
}

// writeAtomic replaces path with data via temp file, fsync and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating offset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".offsets-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp offset file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(step string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%s temp offset file: %w", step, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp offset file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming offset file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for one-shot exports and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	marks map[string]Watermark
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: map[string]Watermark{}}
}

// Load implements Store.
func (m *MemoryStore) Load(table string) (Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marks[table], nil
}

// Save implements Store.
func (m *MemoryStore) Save(table string, w Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[table] = w
	return nil
}

// Flush implements Store.
func (m *MemoryStore) Flush() error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
