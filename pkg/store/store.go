// Package store implements Conreg's AppliedStore (spec C1): the bbolt-backed
// tables for namespaces, config entries, and config history, plus the
// applied-index marker that makes FSM apply exactly-once across restarts.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/conreg/conreg/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNamespaces    = []byte("namespaces")
	bucketConfigs       = []byte("configs")
	bucketConfigHistory = []byte("config_history")
	bucketMeta          = []byte("meta")

	keyAppliedIndex = []byte("applied_index")
	keyFormat       = []byte("format")
)

// formatMagic and formatVersion identify the on-disk layout this version of
// the store writes to the meta bucket's "format" key. A mismatch means the
// file was created by an incompatible build and must not be opened, the same
// way raftcluster refuses to start over a foreign state directory.
const (
	formatMagic   = "CNRG"
	formatVersion = byte(1)
)

func encodeFormatHeader() []byte {
	return append([]byte(formatMagic), formatVersion)
}

// checkOrWriteFormatHeader writes the format header on a fresh database and
// verifies it on an existing one, refusing to open a store stamped by an
// incompatible version.
func checkOrWriteFormatHeader(tx *bolt.Tx) error {
	b := tx.Bucket(bucketMeta)
	existing := b.Get(keyFormat)
	if existing == nil {
		return b.Put(keyFormat, encodeFormatHeader())
	}
	want := encodeFormatHeader()
	if len(existing) != len(want) || string(existing[:len(formatMagic)]) != formatMagic {
		return fmt.Errorf("conreg-state.db: not a conreg store (bad magic)")
	}
	if existing[len(existing)-1] != formatVersion {
		return fmt.Errorf("conreg-state.db: unsupported format version %d, expected %d", existing[len(existing)-1], formatVersion)
	}
	return nil
}

// configKey renders a (namespace, config) pair as the bucket key used for
// both the configs and config_history buckets; history rows are additionally
// keyed by a big-endian history_seq suffix so ForEach/Seek visits them in
// monotonic order.
func configKey(namespaceID, configID string) []byte {
	return []byte(namespaceID + "\x00" + configID)
}

func historyKey(namespaceID, configID string, seq uint64) []byte {
	k := configKey(namespaceID, configID)
	k = append(k, 0)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(k, seqBuf[:]...)
}

// Store is the bbolt-backed AppliedStore. It is written only by the FSM's
// apply loop (single-writer, in log-index order); reads use bbolt's
// snapshot-isolated View transactions.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the applied-state database file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "conreg-state.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open applied store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNamespaces, bucketConfigs, bucketConfigHistory, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return checkOrWriteFormatHeader(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppliedIndex returns the last Raft log index fully applied to this store,
// or 0 if the store is fresh.
func (s *Store) AppliedIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyAppliedIndex)
		if v == nil {
			return nil
		}
		idx = binary.BigEndian.Uint64(v)
		return nil
	})
	return idx, err
}

func putAppliedIndex(tx *bolt.Tx, index uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return tx.Bucket(bucketMeta).Put(keyAppliedIndex, buf[:])
}

// --- Namespaces ---

// PutNamespace upserts a namespace and advances the applied index in the
// same transaction.
func (s *Store) PutNamespace(ns *types.Namespace, appliedIndex uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketNamespaces).Put([]byte(ns.ID), data); err != nil {
			return err
		}
		return putAppliedIndex(tx, appliedIndex)
	})
}

// GetNamespace returns the namespace with the given id, or nil if absent.
func (s *Store) GetNamespace(id string) (*types.Namespace, error) {
	var ns *types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNamespaces).Get([]byte(id))
		if v == nil {
			return nil
		}
		ns = &types.Namespace{}
		return json.Unmarshal(v, ns)
	})
	return ns, err
}

// ListNamespaces returns every namespace in the store.
func (s *Store) ListNamespaces() ([]*types.Namespace, error) {
	var out []*types.Namespace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			out = append(out, &ns)
			return nil
		})
	})
	return out, err
}

// DeleteNamespace removes a namespace and advances the applied index.
func (s *Store) DeleteNamespace(id string, appliedIndex uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNamespaces).Delete([]byte(id)); err != nil {
			return err
		}
		return putAppliedIndex(tx, appliedIndex)
	})
}

// HasConfigs reports whether any config entry still belongs to the given
// namespace. Used to enforce half of the DeleteNamespace invariant; the
// other half (no live service instances) is checked against the registry by
// the coordinator before a DeleteNamespace command is ever proposed.
func (s *Store) HasConfigs(namespaceID string) (bool, error) {
	found := false
	prefix := []byte(namespaceID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfigs).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			found = true
			return nil
		}
		return nil
	})
	return found, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Configs + history ---

// PutConfigAndHistory atomically upserts a ConfigEntry and appends its
// ConfigHistoryEntry, advancing the applied index. Both rows are written
// under the same bbolt transaction so a crash never leaves one without the
// other.
func (s *Store) PutConfigAndHistory(entry *types.ConfigEntry, hist *types.ConfigHistoryEntry, appliedIndex uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketConfigs).Put(configKey(entry.NamespaceID, entry.ConfigID), data); err != nil {
			return err
		}
		histData, err := json.Marshal(hist)
		if err != nil {
			return err
		}
		hk := historyKey(hist.NamespaceID, hist.ConfigID, hist.HistorySeq)
		if err := tx.Bucket(bucketConfigHistory).Put(hk, histData); err != nil {
			return err
		}
		return putAppliedIndex(tx, appliedIndex)
	})
}

// DeleteConfigAndAppendHistory removes the live ConfigEntry (if present) and
// appends a deletion marker history row, advancing the applied index.
func (s *Store) DeleteConfigAndAppendHistory(namespaceID, configID string, hist *types.ConfigHistoryEntry, appliedIndex uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConfigs).Delete(configKey(namespaceID, configID)); err != nil {
			return err
		}
		histData, err := json.Marshal(hist)
		if err != nil {
			return err
		}
		hk := historyKey(hist.NamespaceID, hist.ConfigID, hist.HistorySeq)
		if err := tx.Bucket(bucketConfigHistory).Put(hk, histData); err != nil {
			return err
		}
		return putAppliedIndex(tx, appliedIndex)
	})
}

// GetConfig returns the live entry for (namespaceID, configID), or nil if
// absent. Callers wanting a cache should go through fsm.ConfigFSM.GetConfig
// instead of calling this directly on every read.
func (s *Store) GetConfig(namespaceID, configID string) (*types.ConfigEntry, error) {
	var entry *types.ConfigEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfigs).Get(configKey(namespaceID, configID))
		if v == nil {
			return nil
		}
		entry = &types.ConfigEntry{}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// ListHistory returns every history row for (namespaceID, configID) in
// ascending history_seq order.
func (s *Store) ListHistory(namespaceID, configID string) ([]*types.ConfigHistoryEntry, error) {
	var out []*types.ConfigHistoryEntry
	prefix := append(configKey(namespaceID, configID), 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfigHistory).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var h types.ConfigHistoryEntry
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			out = append(out, &h)
		}
		return nil
	})
	return out, err
}

// GetHistoryEntry returns a single history row by sequence number, used by
// RestoreConfig.
func (s *Store) GetHistoryEntry(namespaceID, configID string, seq uint64) (*types.ConfigHistoryEntry, error) {
	var h *types.ConfigHistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfigHistory).Get(historyKey(namespaceID, configID, seq))
		if v == nil {
			return nil
		}
		h = &types.ConfigHistoryEntry{}
		return json.Unmarshal(v, h)
	})
	return h, err
}

// LastHistorySeq returns the highest history_seq recorded for
// (namespaceID, configID), or 0 if no history exists yet.
func (s *Store) LastHistorySeq(namespaceID, configID string) (uint64, error) {
	var seq uint64
	prefix := append(configKey(namespaceID, configID), 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketConfigHistory).Cursor()
		var lastKey, lastVal []byte
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			lastKey, lastVal = k, v
		}
		if lastKey == nil {
			return nil
		}
		var h types.ConfigHistoryEntry
		if err := json.Unmarshal(lastVal, &h); err != nil {
			return err
		}
		seq = h.HistorySeq
		return nil
	})
	return seq, err
}

// --- Snapshot support ---

// snapshotDoc is the opaque byte stream C3 hands to Raft for
// InstallSnapshot/FSMSnapshot: a consistent dump of every namespace, config,
// and history row at a given applied index.
type snapshotDoc struct {
	AppliedIndex uint64                       `json:"applied_index"`
	Namespaces   []*types.Namespace           `json:"namespaces"`
	Configs      []*types.ConfigEntry         `json:"configs"`
	History      []*types.ConfigHistoryEntry  `json:"history"`
}

// Dump serializes the entire store into a snapshot document.
func (s *Store) Dump() ([]byte, error) {
	doc := snapshotDoc{}
	err := s.db.View(func(tx *bolt.Tx) error {
		idxBuf := tx.Bucket(bucketMeta).Get(keyAppliedIndex)
		if idxBuf != nil {
			doc.AppliedIndex = binary.BigEndian.Uint64(idxBuf)
		}
		if err := tx.Bucket(bucketNamespaces).ForEach(func(k, v []byte) error {
			var ns types.Namespace
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			doc.Namespaces = append(doc.Namespaces, &ns)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConfigs).ForEach(func(k, v []byte) error {
			var c types.ConfigEntry
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			doc.Configs = append(doc.Configs, &c)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketConfigHistory).ForEach(func(k, v []byte) error {
			var h types.ConfigHistoryEntry
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			doc.History = append(doc.History, &h)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Restore atomically replaces the store's contents with the given snapshot
// document, as produced by Dump.
func (s *Store) Restore(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNamespaces, bucketConfigs, bucketConfigHistory} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		for _, ns := range doc.Namespaces {
			data, err := json.Marshal(ns)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketNamespaces).Put([]byte(ns.ID), data); err != nil {
				return err
			}
		}
		for _, c := range doc.Configs {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketConfigs).Put(configKey(c.NamespaceID, c.ConfigID), data); err != nil {
				return err
			}
		}
		for _, h := range doc.History {
			data, err := json.Marshal(h)
			if err != nil {
				return err
			}
			hk := historyKey(h.NamespaceID, h.ConfigID, h.HistorySeq)
			if err := tx.Bucket(bucketConfigHistory).Put(hk, data); err != nil {
				return err
			}
		}
		return putAppliedIndex(tx, doc.AppliedIndex)
	})
}
