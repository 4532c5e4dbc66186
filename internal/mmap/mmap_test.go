package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenAndRead(t *testing.T) {
	content := []byte("hello mapped world")
	m, err := Open(writeTemp(t, content))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, len(content), m.Size())
	assert.Equal(t, content, m.Bytes())
}

func TestOpenEmptyFile(t *testing.T) {
	m, err := Open(writeTemp(t, nil))
	require.NoError(t, err)
	defer m.Close()

	assert.Zero(t, m.Size())
	assert.Nil(t, m.Bytes())
}

func TestCloseIsIdempotent(t *testing.T) {
	m, err := Open(writeTemp(t, []byte("x")))
	require.NoError(t, err)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.Nil(t, m.Bytes())
}

func TestAdviseAfterCloseFails(t *testing.T) {
	m, err := Open(writeTemp(t, []byte("abc")))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Advise(AccessWillNeed), ErrClosed)
	assert.ErrorIs(t, m.AdviseHugePages(), ErrClosed)
}

func TestAdviseHints(t *testing.T) {
	m, err := Open(writeTemp(t, make([]byte, 8192)))
	require.NoError(t, err)
	defer m.Close()

	assert.NoError(t, m.Advise(AccessWillNeed))
	assert.NoError(t, m.Advise(AccessRandom))
	assert.NoError(t, m.AdviseHugePages())
}

func TestReadAt(t *testing.T) {
	m, err := Open(writeTemp(t, []byte("0123456789")))
	require.NoError(t, err)
	defer m.Close()

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "3456", string(buf))

	_, err = m.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrInvalidOffset)
}
