package syncengine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckProcessOwnPID(t *testing.T) {
	alive, err := checkProcess(os.Getpid())
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestCheckProcessGonePID(t *testing.T) {
	// PID 0 never has a /proc entry; a kernel-reserved id stands in for a
	// process that exited.
	alive, err := checkProcess(0)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestProcessAliveMatchesCheck(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
}
