package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesAndReplaces(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	require.NoError(t, AtomicWrite(path, []byte(`{"v":1}`), 0o600))
	require.NoError(t, AtomicWrite(path, []byte(`{"v":2}`), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp files must not be left behind")
	}
}

func TestReadIfExistsMissing(t *testing.T) {
	t.Parallel()

	data, err := ReadIfExists(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	first := NewLock(path)
	second := NewLock(path)

	require.NoError(t, first.Lock())
	acquired, err := second.flock.TryLock()
	require.NoError(t, err)
	assert.False(t, acquired, "second holder must not acquire a held lock")

	require.NoError(t, first.Unlock())
	ran := false
	require.NoError(t, second.WithLock(func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}
