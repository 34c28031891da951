package store

import (
	"testing"

	"github.com/conreg/conreg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNamespaceRoundTrip(t *testing.T) {
	s := openTestStore(t)

	ns := &types.Namespace{ID: "public", Name: "public"}
	require.NoError(t, s.PutNamespace(ns, 1))

	got, err := s.GetNamespace("public")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "public", got.ID)

	idx, err := s.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)

	missing, err := s.GetNamespace("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPutConfigAndHistoryIsAtomicAndOrdered(t *testing.T) {
	s := openTestStore(t)

	entry := &types.ConfigEntry{NamespaceID: "public", ConfigID: "app.yaml", Content: "a", MD5: "m1"}
	hist1 := &types.ConfigHistoryEntry{NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: 1, Content: "a", MD5: "m1"}
	require.NoError(t, s.PutConfigAndHistory(entry, hist1, 1))

	entry2 := &types.ConfigEntry{NamespaceID: "public", ConfigID: "app.yaml", Content: "b", MD5: "m2"}
	hist2 := &types.ConfigHistoryEntry{NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: 2, Content: "b", MD5: "m2"}
	require.NoError(t, s.PutConfigAndHistory(entry2, hist2, 2))

	got, err := s.GetConfig("public", "app.yaml")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Content)

	hist, err := s.ListHistory("public", "app.yaml")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(1), hist[0].HistorySeq)
	assert.Equal(t, uint64(2), hist[1].HistorySeq)

	last, err := s.LastHistorySeq("public", "app.yaml")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestDeleteConfigAppendsDeletionHistory(t *testing.T) {
	s := openTestStore(t)

	entry := &types.ConfigEntry{NamespaceID: "public", ConfigID: "app.yaml", Content: "a", MD5: "m1"}
	hist1 := &types.ConfigHistoryEntry{NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: 1, Content: "a", MD5: "m1"}
	require.NoError(t, s.PutConfigAndHistory(entry, hist1, 1))

	delHist := &types.ConfigHistoryEntry{
		NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: 2,
		Content: "", Description: types.DeletedMarker,
	}
	require.NoError(t, s.DeleteConfigAndAppendHistory("public", "app.yaml", delHist, 2))

	got, err := s.GetConfig("public", "app.yaml")
	require.NoError(t, err)
	assert.Nil(t, got)

	hist, err := s.ListHistory("public", "app.yaml")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, types.DeletedMarker, hist[1].Description)
}

func TestDumpAndRestoreRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.PutNamespace(&types.Namespace{ID: "public"}, 1))
	entry := &types.ConfigEntry{NamespaceID: "public", ConfigID: "app.yaml", Content: "a", MD5: "m1"}
	hist := &types.ConfigHistoryEntry{NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: 1, Content: "a", MD5: "m1"}
	require.NoError(t, s.PutConfigAndHistory(entry, hist, 2))

	data, err := s.Dump()
	require.NoError(t, err)

	s2 := openTestStore(t)
	require.NoError(t, s2.Restore(data))

	got, err := s2.GetConfig("public", "app.yaml")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Content)

	idx, err := s2.AppliedIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)
}

func TestHasConfigsReflectsNamespaceContents(t *testing.T) {
	s := openTestStore(t)

	has, err := s.HasConfigs("public")
	require.NoError(t, err)
	assert.False(t, has)

	entry := &types.ConfigEntry{NamespaceID: "public", ConfigID: "app.yaml", Content: "a", MD5: "m1"}
	hist := &types.ConfigHistoryEntry{NamespaceID: "public", ConfigID: "app.yaml", HistorySeq: 1, Content: "a", MD5: "m1"}
	require.NoError(t, s.PutConfigAndHistory(entry, hist, 1))

	has, err = s.HasConfigs("public")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOpenWritesFormatHeaderAndReopenSucceeds(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenRejectsMismatchedFormatHeader(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyFormat, []byte("BAD\x00\x00"))
	}))
	require.NoError(t, s.Close())

	_, err = Open(dir)
	require.Error(t, err)
}
