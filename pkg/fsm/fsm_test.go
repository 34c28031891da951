package fsm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/events"
	"github.com/conreg/conreg/pkg/store"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSM(t *testing.T) *ConfigFSM {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, 16, nil)
}

func applyCmd(t *testing.T, f *ConfigFSM, index uint64, op string, args any) interface{} {
	t.Helper()
	data, err := json.Marshal(args)
	require.NoError(t, err)
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Index: index, Data: cmdData})
}

func TestPutConfigCreatesEntryAndHistory(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()

	res := applyCmd(t, f, 1, OpPutConfig, PutConfigArgs{
		NamespaceID: "public", ConfigID: "app.yaml", Content: "a: 1", Now: now,
	})
	assert.Nil(t, res)

	entry, err := f.GetConfig("public", "app.yaml")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "a: 1", entry.Content)
	assert.Len(t, entry.MD5, 32)
}

func TestPutConfigIdenticalContentIsNoOp(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()

	applyCmd(t, f, 1, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v", Description: "d", Now: now})
	before, err := f.GetConfig("public", "k")
	require.NoError(t, err)

	later := now + int64(time.Hour)
	applyCmd(t, f, 2, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v", Description: "d", Now: later})

	after, err := f.GetConfig("public", "k")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "identical put must not bump updated_at")

	hist, err := f.store.ListHistory("public", "k")
	require.NoError(t, err)
	assert.Len(t, hist, 1, "no-op put must not append a history row")
}

func TestDeleteConfigAppendsMarkerAndClearsLive(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()
	applyCmd(t, f, 1, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v", Now: now})

	res := applyCmd(t, f, 2, OpDeleteConfig, DeleteConfigArgs{NamespaceID: "public", ConfigID: "k", Now: now})
	assert.Nil(t, res)

	entry, err := f.GetConfig("public", "k")
	require.NoError(t, err)
	assert.Nil(t, entry)

	hist, err := f.store.ListHistory("public", "k")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "__DELETED__", hist[1].Description)
}

func TestCreateNamespaceAlreadyExists(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()
	res := applyCmd(t, f, 1, OpCreateNamespace, CreateNamespaceArgs{ID: "public", Now: now})
	assert.Nil(t, res)

	res2 := applyCmd(t, f, 2, OpCreateNamespace, CreateNamespaceArgs{ID: "public", Now: now})
	err, ok := res2.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.AlreadyExists, err.Code)
}

func TestDeleteNamespaceRejectedWhenConfigsExist(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()
	applyCmd(t, f, 1, OpCreateNamespace, CreateNamespaceArgs{ID: "ns1", Now: now})
	applyCmd(t, f, 2, OpPutConfig, PutConfigArgs{NamespaceID: "ns1", ConfigID: "k", Content: "v", Now: now})

	res := applyCmd(t, f, 3, OpDeleteNamespace, DeleteNamespaceArgs{ID: "ns1"})
	err, ok := res.(*apierr.Error)
	require.True(t, ok)
	assert.Equal(t, apierr.Conflict, err.Code)
}

func TestRestoreConfigReappliesHistoryContent(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()
	applyCmd(t, f, 1, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v1", Now: now})
	applyCmd(t, f, 2, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v2", Now: now + 1})

	res := applyCmd(t, f, 3, OpRestoreConfig, RestoreConfigArgs{NamespaceID: "public", ConfigID: "k", HistorySeq: 1, Now: now + 2})
	assert.Nil(t, res)

	entry, err := f.GetConfig("public", "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", entry.Content)

	hist, err := f.store.ListHistory("public", "k")
	require.NoError(t, err)
	assert.Len(t, hist, 3, "restore must append a new history row, not rewrite the old one")
}

func TestSubscribeConfigFiresOnPut(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()
	applyCmd(t, f, 1, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v1", Now: now})

	changed, cancel := f.SubscribeConfig("public", "k")
	defer cancel()

	applyCmd(t, f, 2, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v2", Now: now + 1})

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watcher was not notified of config change")
	}
}

func TestApplyPublishesOperatorVisibleEvents(t *testing.T) {
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()
	t.Cleanup(func() { broker.Unsubscribe(sub) })

	f := New(s, 16, broker)
	now := time.Now().UnixNano()

	applyCmd(t, f, 1, OpCreateNamespace, CreateNamespaceArgs{ID: "ns1", Now: now})
	applyCmd(t, f, 2, OpPutConfig, PutConfigArgs{NamespaceID: "ns1", ConfigID: "k", Content: "v1", Now: now})
	applyCmd(t, f, 3, OpPutConfig, PutConfigArgs{NamespaceID: "ns1", ConfigID: "k", Content: "v2", Now: now + 1})
	applyCmd(t, f, 4, OpRestoreConfig, RestoreConfigArgs{NamespaceID: "ns1", ConfigID: "k", HistorySeq: 1, Now: now + 2})
	applyCmd(t, f, 5, OpDeleteConfig, DeleteConfigArgs{NamespaceID: "ns1", ConfigID: "k", Now: now + 3})
	applyCmd(t, f, 6, OpDeleteNamespace, DeleteNamespaceArgs{ID: "ns1"})

	wantTypes := []events.EventType{
		events.EventNamespaceCreated,
		events.EventConfigPut,
		events.EventConfigPut,
		events.EventConfigRestored,
		events.EventConfigDeleted,
		events.EventNamespaceDeleted,
	}
	for i, want := range wantTypes {
		select {
		case ev := <-sub:
			assert.Equal(t, want, ev.Type, "event %d", i)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, want)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := newTestFSM(t)
	now := time.Now().UnixNano()
	applyCmd(t, f, 1, OpPutConfig, PutConfigArgs{NamespaceID: "public", ConfigID: "k", Content: "v1", Now: now})

	snap, err := f.Snapshot()
	require.NoError(t, err)

	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))

	f2 := newTestFSM(t)
	require.NoError(t, f2.Restore(sink.toReadCloser()))

	entry, err := f2.GetConfig("public", "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "v1", entry.Content)
}
