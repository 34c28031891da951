package main

import (
	"testing"

	"github.com/conreg/conreg/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJoinMembersValid(t *testing.T) {
	members, err := parseJoinMembers([]string{"n1=127.0.0.1:7450", "n2=127.0.0.1:7451"})
	require.NoError(t, err)
	assert.Equal(t, []types.Member{
		{ID: "n1", Address: "127.0.0.1:7450", Role: types.RoleVoter},
		{ID: "n2", Address: "127.0.0.1:7451", Role: types.RoleVoter},
	}, members)
}

func TestParseJoinMembersRejectsMalformedEntry(t *testing.T) {
	_, err := parseJoinMembers([]string{"missing-equals"})
	require.Error(t, err)

	_, err = parseJoinMembers([]string{"n1="})
	require.Error(t, err)

	_, err = parseJoinMembers([]string{"=addr"})
	require.Error(t, err)
}

func TestParseJoinMembersEmpty(t *testing.T) {
	members, err := parseJoinMembers(nil)
	require.NoError(t, err)
	assert.Empty(t, members)
}
