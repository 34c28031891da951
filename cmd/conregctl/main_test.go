package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeForUsageError(t *testing.T) {
	assert.Equal(t, exitUsage, exitCodeFor(newUsageError("missing flag %s", "-f")))
}

func TestExitCodeForClusterError(t *testing.T) {
	assert.Equal(t, exitCluster, exitCodeFor(&clusterError{Code: "NOT_FOUND", Msg: "nope"}))
}

func TestExitCodeForTimeoutClusterError(t *testing.T) {
	assert.Equal(t, exitTimeout, exitCodeFor(&clusterError{Code: "TIMEOUT", Msg: "deadline exceeded"}))
}

func TestExitCodeForGenericError(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("boom")))
}
