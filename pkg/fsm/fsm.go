// Package fsm implements Conreg's Config FSM (spec C3): the Raft state
// machine that applies PutConfig, DeleteConfig, CreateNamespace,
// DeleteNamespace, and RestoreConfig commands to the applied store, fronted
// by a read-through LRU cache.
package fsm

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/events"
	"github.com/conreg/conreg/pkg/store"
	"github.com/conreg/conreg/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is the envelope written to the Raft log for every config/namespace
// mutation.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	OpPutConfig       = "put_config"
	OpDeleteConfig    = "delete_config"
	OpCreateNamespace = "create_namespace"
	OpDeleteNamespace = "delete_namespace"
	OpRestoreConfig   = "restore_config"
)

// PutConfigArgs is the payload for OpPutConfig. Timestamps are sourced from
// the leader at propose time so created_at/updated_at are identical across
// replicas (spec §4.3 determinism requirement).
type PutConfigArgs struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"config_id"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Now         int64  `json:"now"` // unix nanos, set by the leader
}

// DeleteConfigArgs is the payload for OpDeleteConfig.
type DeleteConfigArgs struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"config_id"`
	Now         int64  `json:"now"`
}

// CreateNamespaceArgs is the payload for OpCreateNamespace.
type CreateNamespaceArgs struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Now         int64  `json:"now"`
}

// DeleteNamespaceArgs is the payload for OpDeleteNamespace.
type DeleteNamespaceArgs struct {
	ID string `json:"id"`
}

// RestoreConfigArgs is the payload for OpRestoreConfig.
type RestoreConfigArgs struct {
	NamespaceID string `json:"namespace_id"`
	ConfigID    string `json:"config_id"`
	HistorySeq  uint64 `json:"history_seq"`
	Now         int64  `json:"now"`
}

// ConfigFSM implements raft.FSM over a store.Store, with a read-through LRU
// in front of GetConfig. Apply is always single-threaded (Raft never calls
// it concurrently with itself) but the cache is also read from HTTP handler
// goroutines, so it carries its own lock.
type ConfigFSM struct {
	mu     sync.Mutex // guards store + history-seq bookkeeping during Apply
	store  *store.Store
	cache  *lru
	broker *events.Broker // may be nil; publish becomes a no-op

	watchMu  sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
}

// New builds a ConfigFSM over the given store with a read cache of the
// given capacity (spec default 16384). broker may be nil, in which case
// applied commands publish no operator-visible events (used by tests that
// don't care about the event stream).
func New(s *store.Store, cacheSize int, broker *events.Broker) *ConfigFSM {
	return &ConfigFSM{
		store:    s,
		cache:    newLRU(cacheSize),
		broker:   broker,
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

// publish emits an operator-visible cluster event (spec §C8). Every FSM
// replica calls this identically from Apply, so the event stream itself is
// not part of consensus state — it is a local side effect of applying an
// already-agreed command, the same way cache invalidation and long-poll
// wakeups are.
func (f *ConfigFSM) publish(typ events.EventType, msg string, metadata map[string]string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{Type: typ, Message: msg, Metadata: metadata})
}

// SubscribeConfig registers a long-poll watcher on (namespaceID, configID).
// The returned channel is closed the next time a PutConfig, DeleteConfig,
// or RestoreConfig command changes that key's md5. The caller must call the
// returned cancel func once it stops waiting (fired or timed out).
func (f *ConfigFSM) SubscribeConfig(namespaceID, configID string) (<-chan struct{}, func()) {
	key := watchKey(namespaceID, configID)
	ch := make(chan struct{})

	f.watchMu.Lock()
	set, ok := f.watchers[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		f.watchers[key] = set
	}
	set[ch] = struct{}{}
	f.watchMu.Unlock()

	cancel := func() {
		f.watchMu.Lock()
		defer f.watchMu.Unlock()
		if set, ok := f.watchers[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(f.watchers, key)
			}
		}
	}
	return ch, cancel
}

func (f *ConfigFSM) notifyConfigChanged(namespaceID, configID string) {
	key := watchKey(namespaceID, configID)
	f.watchMu.Lock()
	set := f.watchers[key]
	delete(f.watchers, key)
	f.watchMu.Unlock()

	for ch := range set {
		close(ch)
	}
}

func watchKey(namespaceID, configID string) string {
	return namespaceID + "\x00" + configID
}

// Apply applies one committed Raft log entry. The return value is read back
// by the proposer via raft.ApplyFuture.Response(); it is either nil (OK) or
// an *apierr.Error describing why the command could not be applied.
func (f *ConfigFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return apierr.New(apierr.Internal, "decode command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPutConfig:
		var a PutConfigArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return apierr.New(apierr.Internal, "decode put_config: %v", err)
		}
		return f.applyPutConfig(l.Index, a)

	case OpDeleteConfig:
		var a DeleteConfigArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return apierr.New(apierr.Internal, "decode delete_config: %v", err)
		}
		return f.applyDeleteConfig(l.Index, a)

	case OpCreateNamespace:
		var a CreateNamespaceArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return apierr.New(apierr.Internal, "decode create_namespace: %v", err)
		}
		return f.applyCreateNamespace(l.Index, a)

	case OpDeleteNamespace:
		var a DeleteNamespaceArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return apierr.New(apierr.Internal, "decode delete_namespace: %v", err)
		}
		return f.applyDeleteNamespace(l.Index, a)

	case OpRestoreConfig:
		var a RestoreConfigArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return apierr.New(apierr.Internal, "decode restore_config: %v", err)
		}
		return f.applyRestoreConfig(l.Index, a)

	default:
		return apierr.New(apierr.Internal, "unknown command op: %s", cmd.Op)
	}
}

func (f *ConfigFSM) applyPutConfig(index uint64, a PutConfigArgs) error {
	if err := f.writeConfig(index, a); err != nil {
		return err
	}
	f.publish(events.EventConfigPut, "config updated", map[string]string{
		"namespace_id": a.NamespaceID, "config_id": a.ConfigID,
	})
	return nil
}

// writeConfig applies a PutConfigArgs without publishing a config.put event,
// so applyRestoreConfig (which reuses this to reapply historical content)
// can publish config.restored instead.
func (f *ConfigFSM) writeConfig(index uint64, a PutConfigArgs) error {
	sum := md5.Sum([]byte(a.Content))
	newMD5 := hex.EncodeToString(sum[:])

	existing, err := f.store.GetConfig(a.NamespaceID, a.ConfigID)
	if err != nil {
		return apierr.New(apierr.Internal, "read config: %v", err)
	}

	if existing != nil && existing.MD5 == newMD5 && existing.Description == a.Description {
		// Identical content and description: no-op. History is not
		// appended and updated_at is left untouched.
		return nil
	}

	now := nanosToTime(a.Now)
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}

	entry := &types.ConfigEntry{
		NamespaceID: a.NamespaceID,
		ConfigID:    a.ConfigID,
		Content:     a.Content,
		MD5:         newMD5,
		Description: a.Description,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}

	seq, err := f.store.LastHistorySeq(a.NamespaceID, a.ConfigID)
	if err != nil {
		return apierr.New(apierr.Internal, "read history seq: %v", err)
	}
	hist := &types.ConfigHistoryEntry{
		NamespaceID: a.NamespaceID,
		ConfigID:    a.ConfigID,
		HistorySeq:  seq + 1,
		Content:     a.Content,
		MD5:         newMD5,
		Description: a.Description,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}

	if err := f.store.PutConfigAndHistory(entry, hist, index); err != nil {
		return apierr.New(apierr.Internal, "write config: %v", err)
	}
	f.cache.invalidate(a.NamespaceID, a.ConfigID)
	f.notifyConfigChanged(a.NamespaceID, a.ConfigID)
	return nil
}

func (f *ConfigFSM) applyDeleteConfig(index uint64, a DeleteConfigArgs) error {
	seq, err := f.store.LastHistorySeq(a.NamespaceID, a.ConfigID)
	if err != nil {
		return apierr.New(apierr.Internal, "read history seq: %v", err)
	}
	hist := &types.ConfigHistoryEntry{
		NamespaceID: a.NamespaceID,
		ConfigID:    a.ConfigID,
		HistorySeq:  seq + 1,
		Content:     "",
		Description: types.DeletedMarker,
		UpdatedAt:   nanosToTime(a.Now),
		CreatedAt:   nanosToTime(a.Now),
	}
	if err := f.store.DeleteConfigAndAppendHistory(a.NamespaceID, a.ConfigID, hist, index); err != nil {
		return apierr.New(apierr.Internal, "delete config: %v", err)
	}
	f.cache.invalidate(a.NamespaceID, a.ConfigID)
	f.notifyConfigChanged(a.NamespaceID, a.ConfigID)
	f.publish(events.EventConfigDeleted, "config deleted", map[string]string{
		"namespace_id": a.NamespaceID, "config_id": a.ConfigID,
	})
	return nil
}

func (f *ConfigFSM) applyCreateNamespace(index uint64, a CreateNamespaceArgs) error {
	existing, err := f.store.GetNamespace(a.ID)
	if err != nil {
		return apierr.New(apierr.Internal, "read namespace: %v", err)
	}
	if existing != nil {
		return apierr.AlreadyExistsf("namespace %q already exists", a.ID)
	}
	now := nanosToTime(a.Now)
	ns := &types.Namespace{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := f.store.PutNamespace(ns, index); err != nil {
		return apierr.New(apierr.Internal, "write namespace: %v", err)
	}
	f.publish(events.EventNamespaceCreated, "namespace created", map[string]string{"namespace_id": a.ID})
	return nil
}

// applyDeleteNamespace rejects deletion when configs still exist in the
// namespace. It deliberately does NOT consult the service registry: registry
// membership is gossip-lite state that can legitimately differ between
// replicas at apply time (spec §4.4's Open Question (i)), and Apply must
// produce the same result on every replica. The "no live instances" half of
// the invariant is instead enforced as an admission check against the
// leader's own registry before the command is ever proposed (see
// coordinator.handleDeleteNamespace).
func (f *ConfigFSM) applyDeleteNamespace(index uint64, a DeleteNamespaceArgs) error {
	hasConfigs, err := f.store.HasConfigs(a.ID)
	if err != nil {
		return apierr.New(apierr.Internal, "check namespace refs: %v", err)
	}
	if hasConfigs {
		return apierr.New(apierr.Conflict, "namespace %q still has configs", a.ID)
	}
	if err := f.store.DeleteNamespace(a.ID, index); err != nil {
		return apierr.New(apierr.Internal, "delete namespace: %v", err)
	}
	f.publish(events.EventNamespaceDeleted, "namespace deleted", map[string]string{"namespace_id": a.ID})
	return nil
}

func (f *ConfigFSM) applyRestoreConfig(index uint64, a RestoreConfigArgs) error {
	hist, err := f.store.GetHistoryEntry(a.NamespaceID, a.ConfigID, a.HistorySeq)
	if err != nil {
		return apierr.New(apierr.Internal, "read history entry: %v", err)
	}
	if hist == nil {
		return apierr.NotFoundf("history entry %d not found for %s/%s", a.HistorySeq, a.NamespaceID, a.ConfigID)
	}
	if err := f.writeConfig(index, PutConfigArgs{
		NamespaceID: a.NamespaceID,
		ConfigID:    a.ConfigID,
		Content:     hist.Content,
		Description: hist.Description,
		Now:         a.Now,
	}); err != nil {
		return err
	}
	f.publish(events.EventConfigRestored, "config restored", map[string]string{
		"namespace_id": a.NamespaceID, "config_id": a.ConfigID,
		"history_seq": fmt.Sprintf("%d", a.HistorySeq),
	})
	return nil
}

// GetConfig serves a config read through the LRU cache, falling back to the
// store on a miss.
func (f *ConfigFSM) GetConfig(namespaceID, configID string) (*types.ConfigEntry, error) {
	if entry, ok := f.cache.get(namespaceID, configID); ok {
		return entry, nil
	}
	entry, err := f.store.GetConfig(namespaceID, configID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		f.cache.put(namespaceID, configID, entry)
	}
	return entry, nil
}

// Snapshot returns a raft.FSMSnapshot over the current store contents, used
// by Raft to compact the log.
func (f *ConfigFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.store.Dump()
	if err != nil {
		return nil, fmt.Errorf("dump store: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the FSM's store contents from a snapshot, as installed
// by Raft on startup or after a lagging follower catches up via
// InstallSnapshot.
func (f *ConfigFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Restore(data); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	f.cache.clear()
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func nanosToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
