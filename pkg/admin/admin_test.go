package admin

import (
	"testing"
	"time"

	"github.com/conreg/conreg/pkg/events"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/raftcluster"
	"github.com/conreg/conreg/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T) *Admin {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := events.NewBroker()
	f := fsm.New(s, 16, broker)

	c, err := raftcluster.New(raftcluster.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: dir}, f)
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap(nil))
	t.Cleanup(func() { c.Shutdown() })

	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond, "single node must elect itself leader")
	return New(c)
}

func TestStatusReportsLeaderAndMembers(t *testing.T) {
	a := newTestAdmin(t)

	st, err := a.Status()
	require.NoError(t, err)
	assert.Equal(t, "n1", st.NodeID)
	assert.Equal(t, "n1", st.Leader)
	require.Len(t, st.Members, 1)
}

func TestAddLearnerRequiresIDAndAddr(t *testing.T) {
	a := newTestAdmin(t)

	err := a.AddLearner("", "")
	require.Error(t, err)
}

func TestPromoteUnknownLearnerFails(t *testing.T) {
	a := newTestAdmin(t)

	err := a.Promote("ghost", 0)
	require.Error(t, err)
}

func TestRemoveNodeRefusesLastVoter(t *testing.T) {
	a := newTestAdmin(t)

	err := a.RemoveNode("n1")
	require.Error(t, err)
}
