// Package state records which source containers were already converted, keyed
// by the SHA-256 of their content, so reruns skip unchanged files.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	ledgerFile   = "ledger.db"
	sourceBucket = "sources"
)

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(rec Record) error
	Snapshot() Snapshot
	Close() error
}

// Record is stored once per converted source.
type Record struct {
	Hash        string    `json:"hash"`
	Source      string    `json:"source"`
	Messages    int       `json:"messages"`
	Batches     int       `json:"batches"`
	RunID       string    `json:"run_id"`
	ConvertedAt time.Time `json:"converted_at"`
}

type Snapshot struct {
	Processed int
	RunID     string
}

// NewRunID returns a fresh identifier for one sanitizer run.
func NewRunID() string {
	return uuid.NewString()
}

// HashFile returns the hex SHA-256 of the file content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type MemoryTracker struct {
	mu        sync.RWMutex
	runID     string
	processed map[string]Record
}

func NewMemoryTracker(runID string) *MemoryTracker {
	return &MemoryTracker{runID: runID, processed: make(map[string]Record)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

// Lookup returns the record stored for hash.
func (m *MemoryTracker) Lookup(hash string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.processed[hash]
	m.mu.RUnlock()
	return rec, ok
}

func (m *MemoryTracker) MarkProcessed(rec Record) error {
	if rec.Hash == "" {
		return nil
	}
	m.stamp(&rec)

	m.mu.Lock()
	m.processed[rec.Hash] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count, RunID: m.runID}
}

func (m *MemoryTracker) Close() error { return nil }

func (m *MemoryTracker) stamp(rec *Record) {
	if rec.RunID == "" {
		rec.RunID = m.runID
	}
	if rec.ConvertedAt.IsZero() {
		rec.ConvertedAt = time.Now().UTC()
	}
}

// BoltTracker persists records in a bbolt database under the state directory.
// Without persist the ledger is only read, which dry runs rely on.
type BoltTracker struct {
	*MemoryTracker
	path string
	db   *bolt.DB
}

func NewBoltTracker(stateDir, runID string, persist bool) (*BoltTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	t := &BoltTracker{
		MemoryTracker: NewMemoryTracker(runID),
		path:          filepath.Join(stateDir, ledgerFile),
	}

	if !persist {
		if _, err := os.Stat(t.path); errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		db, err := bolt.Open(t.path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("open state ledger %q: %w", t.path, err)
		}
		defer db.Close()
		if err := t.load(db); err != nil {
			return nil, err
		}
		return t, nil
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := bolt.Open(t.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state ledger %q: %w", t.path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sourceBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state bucket: %w", err)
	}
	if err := t.load(db); err != nil {
		db.Close()
		return nil, err
	}
	t.db = db
	return t, nil
}

func (t *BoltTracker) load(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sourceBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("parse state record %s: %w", k, err)
			}
			if rec.Hash == "" {
				rec.Hash = string(k)
			}
			t.mu.Lock()
			t.processed[rec.Hash] = rec
			t.mu.Unlock()
			return nil
		})
	})
}

func (t *BoltTracker) MarkProcessed(rec Record) error {
	if rec.Hash == "" {
		return nil
	}
	t.stamp(&rec)

	if t.db != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode state record: %w", err)
		}
		if err := t.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(sourceBucket))
			if b == nil {
				return fmt.Errorf("bucket %q not found", sourceBucket)
			}
			return b.Put([]byte(rec.Hash), data)
		}); err != nil {
			return fmt.Errorf("write state record: %w", err)
		}
	}

	return t.MemoryTracker.MarkProcessed(rec)
}

func (t *BoltTracker) Close() error {
	if t.db == nil {
		return nil
	}
	if err := t.db.Close(); err != nil {
		return fmt.Errorf("close state ledger: %w", err)
	}
	t.db = nil
	return nil
}
