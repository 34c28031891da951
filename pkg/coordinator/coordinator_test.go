package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/conreg/conreg/pkg/admin"
	"github.com/conreg/conreg/pkg/events"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/raftcluster"
	"github.com/conreg/conreg/pkg/registry"
	"github.com/conreg/conreg/pkg/store"
	"github.com/conreg/conreg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	f := fsm.New(st, 16, broker)

	c, err := raftcluster.New(raftcluster.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: dir}, f)
	require.NoError(t, err)
	require.NoError(t, c.Bootstrap(nil))
	t.Cleanup(func() { c.Shutdown() })
	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)

	reg := registry.New(broker)
	reg.Start()
	t.Cleanup(reg.Stop)

	a := admin.New(c)

	s := New(Config{
		Cluster:           c,
		FSM:               f,
		Store:             st,
		Registry:          reg,
		Admin:             a,
		MaxLongPollsPerIP: 2,
	})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestCreateAndListNamespaces(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/ns", namespaceRequest{ID: "ns1", Name: "NS One"})
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "OK", string(env.Code))

	rec = doJSON(t, s, http.MethodGet, "/api/ns", nil)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "OK", string(env.Code))
}

func TestPutAndGetConfigImmediateOnMismatch(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/api/ns", namespaceRequest{ID: "ns1"})

	rec := doJSON(t, s, http.MethodPost, "/api/config", putConfigRequest{Namespace: "ns1", ID: "app.yaml", Content: "k: 1"})
	env := decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))

	rec = doJSON(t, s, http.MethodGet, "/api/config?ns=ns1&id=app.yaml&md5=stale", nil)
	env = decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))

	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var entry struct {
		Content string `json:"Content"`
	}
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "k: 1", entry.Content)
}

func TestGetConfigLongPollFiresOnChange(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/api/ns", namespaceRequest{ID: "ns1"})
	doJSON(t, s, http.MethodPost, "/api/config", putConfigRequest{Namespace: "ns1", ID: "x", Content: "A"})

	rec0 := doJSON(t, s, http.MethodGet, "/api/config?ns=ns1&id=x", nil)
	env0 := decodeEnvelope(t, rec0)
	data0, _ := json.Marshal(env0.Data)
	var entry0 struct {
		MD5 string `json:"MD5"`
	}
	require.NoError(t, json.Unmarshal(data0, &entry0))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/config?ns=ns1&id=x&md5="+entry0.MD5, nil)
		req.Header.Set("X-Long-Poll-Timeout", "5000")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		done <- rec
	}()

	time.Sleep(100 * time.Millisecond)
	doJSON(t, s, http.MethodPost, "/api/config", putConfigRequest{Namespace: "ns1", ID: "x", Content: "B"})

	select {
	case rec := <-done:
		env := decodeEnvelope(t, rec)
		assert.Equal(t, "OK", string(env.Code))
		data, _ := json.Marshal(env.Data)
		var entry struct {
			Content string `json:"Content"`
		}
		require.NoError(t, json.Unmarshal(data, &entry))
		assert.Equal(t, "B", entry.Content)
	case <-time.After(4 * time.Second):
		t.Fatal("long-poll did not return after config change")
	}
}

func TestServiceRegisterHeartbeatAndQuery(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/service/register", registerRequest{
		Namespace: "ns1", Service: "web", Address: "10.0.0.1", Port: 8080,
	})
	env := decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))

	rec = doJSON(t, s, http.MethodPost, "/api/service/heartbeat", heartbeatRequest{
		Namespace: "ns1", Service: "web", Address: "10.0.0.1", Port: 8080,
	})
	env = decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))

	rec = doJSON(t, s, http.MethodGet, "/api/service/instances?ns=ns1&service=web", nil)
	env = decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))
}

func TestLongPollCapReturnsTooMany(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/api/ns", namespaceRequest{ID: "ns1"})
	doJSON(t, s, http.MethodPost, "/api/config", putConfigRequest{Namespace: "ns1", ID: "x", Content: "A"})

	rec0 := doJSON(t, s, http.MethodGet, "/api/config?ns=ns1&id=x", nil)
	env0 := decodeEnvelope(t, rec0)
	data0, _ := json.Marshal(env0.Data)
	var entry0 struct {
		MD5 string `json:"MD5"`
	}
	require.NoError(t, json.Unmarshal(data0, &entry0))

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	for i := 0; i < 2; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/api/config?ns=ns1&id=x&md5="+entry0.MD5, nil)
			req.Header.Set("X-Long-Poll-Timeout", "60000")
			rec := httptest.NewRecorder()
			started <- struct{}{}
			s.Handler().ServeHTTP(rec, req)
			release <- struct{}{}
		}()
	}
	<-started
	<-started
	time.Sleep(50 * time.Millisecond)

	rec := doJSON(t, s, http.MethodGet, "/api/config?ns=ns1&id=x&md5="+entry0.MD5, nil)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "TOO_MANY", string(env.Code))

	doJSON(t, s, http.MethodPost, "/api/config", putConfigRequest{Namespace: "ns1", ID: "x", Content: "B"})
	<-release
	<-release
}

func TestPeerRegistryDigestAndDelta(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/api/service/register", registerRequest{
		Namespace: "ns1", Service: "web", Address: "10.0.0.1", Port: 8080,
	})

	rec := doJSON(t, s, http.MethodGet, "/peer/registry-digest", nil)
	env := decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))

	digestBytes, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var digest registry.Digest
	require.NoError(t, json.Unmarshal(digestBytes, &digest))
	assert.Len(t, digest.Entries, 1)

	deltaBody, err := json.Marshal([]registryDeltaEntry{
		{Namespace: "ns1", Service: "web", Instance: types.ServiceInstance{Address: "10.0.0.2", Port: 9090}},
	})
	require.NoError(t, err)
	env2 := peerEnvelope{Term: 1, FromID: "n2", Body: deltaBody}

	rec = doJSON(t, s, http.MethodPost, "/peer/registry-delta", env2)
	env = decodeEnvelope(t, rec)
	require.Equal(t, "OK", string(env.Code))

	rec = doJSON(t, s, http.MethodGet, "/api/service/instances?ns=ns1&service=web", nil)
	env = decodeEnvelope(t, rec)
	data, _ := json.Marshal(env.Data)
	var instances []types.ServiceInstance
	require.NoError(t, json.Unmarshal(data, &instances))
	assert.Len(t, instances, 2)
}

func TestClusterStatusReportsLeader(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/cluster/status", nil)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "OK", string(env.Code))
}
