// Package state keeps what was provisioned for each stack so outputs can be
// read back and resources torn down later.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/keel/pkg/stack"
)

// ErrNotFound is returned when no record exists for a stack.
var ErrNotFound = errors.New("stack not found in state")

// Bucket names in bbolt
var (
	bucketStacks = []byte("stacks")
	bucketMeta   = []byte("meta")

	keyRevision = []byte("current_revision")
)

// Status of a recorded stack.
type Status string

const (
	StatusProvisioned Status = "provisioned"
	StatusFailed      Status = "failed"
)

// Record is the persisted view of one applied stack. It carries the public
// half of the key only.
type Record struct {
	StackName      string            `json:"stack_name"`
	PlanID         string            `json:"plan_id"`
	Revision       int64             `json:"revision"`
	Status         Status            `json:"status"`
	Error          string            `json:"error,omitempty"`
	Result         stack.Result      `json:"result"`
	Key            stack.KeyMaterial `json:"key"`
	PrivateKeyPath string            `json:"private_key_path"`
	KeyInfoPath    string            `json:"key_info_path"`
	SSHUser        string            `json:"ssh_user"`
	AppliedAt      time.Time         `json:"applied_at"`
}

type indexEntry struct {
	name     string
	revision int64
	status   Status
}

// Store is a bbolt backed record store with an ordered in-memory index.
type Store struct {
	mu    sync.RWMutex
	db    *bbolt.DB
	index *btree.BTreeG[*indexEntry]
	rev   int64
	path  string
}

// Open opens or creates the state database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, "keel.db")

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketStacks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db: db,
		index: btree.NewG[*indexEntry](32, func(a, b *indexEntry) bool {
			return a.name < b.name
		}),
		path: path,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Revision returns the revision of the last write.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

// Put stores a record under its stack name, replacing any previous one.
func (s *Store) Put(rec Record) (Record, error) {
	if rec.StackName == "" {
		return Record{}, fmt.Errorf("put record: empty stack name")
	}
	rec.Key.PrivateKey = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.rev + 1
	rec.Revision = rev

	value, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketStacks).Put([]byte(rec.StackName), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return Record{}, fmt.Errorf("put record %s: %w", rec.StackName, err)
	}

	s.rev = rev
	s.index.ReplaceOrInsert(&indexEntry{name: rec.StackName, revision: rev, status: rec.Status})

	log.Debug().Str("stack", rec.StackName).Int64("revision", rev).Str("status", string(rec.Status)).Msg("state recorded")
	return rec, nil
}

// Get returns the record for a stack.
func (s *Store) Get(name string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStacks).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record %s: %w", name, err)
	}
	return rec, nil
}

// Delete removes the record for a stack.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index.Get(&indexEntry{name: name}); !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}

	rev := s.rev + 1
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketStacks).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev))
	})
	if err != nil {
		return fmt.Errorf("delete record %s: %w", name, err)
	}

	s.rev = rev
	s.index.Delete(&indexEntry{name: name})
	return nil
}

// List returns every record ordered by stack name.
func (s *Store) List() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, s.index.Len())
	s.index.Ascend(func(e *indexEntry) bool {
		names = append(names, e.name)
		return true
	})

	records := make([]Record, 0, len(names))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStacks)
		for _, name := range names {
			var rec Record
			if err := json.Unmarshal(b.Get([]byte(name)), &rec); err != nil {
				return fmt.Errorf("decode %s: %w", name, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			s.rev = bytesToInt64(data)
		}
		return tx.Bucket(bucketStacks).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			s.index.ReplaceOrInsert(&indexEntry{name: string(k), revision: rec.Revision, status: rec.Status})
			return nil
		})
	})
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
