package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringDefault(t *testing.T) {
	m := map[string]interface{}{"a": "x"}
	assert.Equal(t, "x", getString(m, "a", "fallback"))
	assert.Equal(t, "fallback", getString(m, "missing", "fallback"))
}

func TestApplyNamespaceRequiresName(t *testing.T) {
	err := applyNamespace(newAPIClient("unused"), &resource{Metadata: resourceMetadata{}})
	require.Error(t, err)
	var ue *usageError
	require.ErrorAs(t, err, &ue)
}

func TestApplyConfigRequiresNamespaceAndName(t *testing.T) {
	err := applyConfig(newAPIClient("unused"), &resource{Metadata: resourceMetadata{Name: "x"}})
	require.Error(t, err)
	var ue *usageError
	require.ErrorAs(t, err, &ue)
}

func TestApplyConfigPostsContent(t *testing.T) {
	var posted map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		json.NewEncoder(w).Encode(envelope{Code: "OK"})
	}))
	defer srv.Close()

	res := &resource{
		Metadata: resourceMetadata{Name: "app.yaml", Namespace: "ns1"},
		Spec:     map[string]interface{}{"content": "k: 1"},
	}
	err := applyConfig(newAPIClient(strings.TrimPrefix(srv.URL, "http://")), res)
	require.NoError(t, err)
	assert.Equal(t, "ns1", posted["ns"])
	assert.Equal(t, "app.yaml", posted["id"])
	assert.Equal(t, "k: 1", posted["content"])
}
