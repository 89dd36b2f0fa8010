package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExposesComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n  console: true\n"), 0o644))

	a, err := New(path)
	require.NoError(t, err)

	require.NotNil(t, a.Scheduler())
	require.NotNil(t, a.Breakers())
	require.NotNil(t, a.Bus())

	// Workers poll memory through the exposed resource manager.
	require.NotNil(t, a.Resources())
	assert.True(t, a.Resources().CheckMemory("w1"))
}
