// Package statestore persists exactly two records, the latest target
// state and the latest reported current state, bounded by design.
package statestore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/graph"
	"github.com/zemfyre/device-supervisor/internal/logging"
)

// SnapshotType discriminates the two rows the store ever holds.
type SnapshotType string

const (
	Target  SnapshotType = "target"
	Current SnapshotType = "current"
)

var bucketName = []byte("state_snapshot")

// record is the on-disk shape of a StateSnapshot row.
type record struct {
	Type      SnapshotType `json:"type"`
	Payload   []byte       `json:"payload"` // canonical JSON of a DeviceGraph
	Hash      string       `json:"hash"`
	UpdatedAt int64        `json:"updatedAt"` // unix millis
}

// Store is the single durable owner of StateSnapshot rows. All writes
// are serialized through a mutex.
type Store struct {
	db  *bolt.DB
	log *zap.SugaredLogger

	mu         sync.Mutex
	cachedHash map[SnapshotType]string
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening state store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing state_snapshot bucket: %w", err)
	}
	return &Store{
		db:         db,
		log:        logging.Named("statestore"),
		cachedHash: map[SnapshotType]string{},
	}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadTarget returns the most recently saved target graph, or the zero
// graph if none has ever been saved.
func (s *Store) LoadTarget() (graph.DeviceGraph, bool, error) {
	return s.load(Target)
}

// LoadCurrent returns the most recently saved current graph, or the zero
// graph if none has ever been saved. On boot this seeds in-memory current
// state so reconciliation can detect divergence without re-enumerating
// the runtime.
func (s *Store) LoadCurrent() (graph.DeviceGraph, bool, error) {
	return s.load(Current)
}

func (s *Store) load(typ SnapshotType) (graph.DeviceGraph, bool, error) {
	var rec record
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(typ))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return graph.DeviceGraph{}, false, fmt.Errorf("loading %s snapshot: %w", typ, err)
	}
	if !found {
		return graph.DeviceGraph{}, false, nil
	}

	var g graph.DeviceGraph
	if err := json.Unmarshal(rec.Payload, &g); err != nil {
		return graph.DeviceGraph{}, false, fmt.Errorf("decoding %s payload: %w", typ, err)
	}

	s.mu.Lock()
	s.cachedHash[typ] = rec.Hash
	s.mu.Unlock()

	return g, true, nil
}

// SaveTarget persists g as the target snapshot, a no-op if its canonical
// hash matches the last saved target.
func (s *Store) SaveTarget(g graph.DeviceGraph) error {
	return s.save(Target, g)
}

// SaveCurrent persists g as the current snapshot, a no-op if its canonical
// hash matches the last saved current state.
func (s *Store) SaveCurrent(g graph.DeviceGraph) error {
	return s.save(Current, g)
}

func (s *Store) save(typ SnapshotType, g graph.DeviceGraph) error {
	canon, err := graph.Canonicalize(g)
	if err != nil {
		return fmt.Errorf("canonicalizing %s snapshot: %w", typ, err)
	}
	hash := graph.HashBytes(canon)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cachedHash[typ] == hash {
		s.log.Debugf("%s snapshot unchanged (hash %s), skipping write", typ, hash)
		return nil
	}

	rec := record{
		Type:      typ,
		Payload:   canon,
		Hash:      hash,
		UpdatedAt: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling %s record: %w", typ, err)
	}

	// delete-then-insert within one transaction bounds the row count to
	// exactly one per type.
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Delete([]byte(typ)); err != nil {
			return err
		}
		return b.Put([]byte(typ), raw)
	})
	if err != nil {
		return fmt.Errorf("persisting %s snapshot: %w", typ, err)
	}

	s.cachedHash[typ] = hash
	s.log.Infof("%s snapshot written (hash %s)", typ, hash)
	return nil
}

// RowCount returns the number of rows currently in the bucket, exposed
// for tests asserting the row bound.
func (s *Store) RowCount() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
