package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "obj")

	out, err := Create(path)
	require.NoError(t, err)
	_, err = out.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = out.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	in, size, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, in.Close()) }()
	assert.Equal(t, int64(11), size)

	rc, err := in.OpenRange(ctx, 6, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "world", string(got))
}

func TestFileAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	out, err := Create(path)
	require.NoError(t, err)
	_, err = out.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, out.Abort())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestMemObject(t *testing.T) {
	ctx := context.Background()
	m := NewMemObject()
	_, err := m.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.True(t, m.Closed())
	assert.Equal(t, int64(10), m.Size())

	_, err = m.Write([]byte("more"))
	assert.Error(t, err)

	rc, err := m.OpenRange(ctx, 2, 3)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "234", string(got))
	assert.Equal(t, 1, m.RangeReads())

	_, err = m.OpenRange(ctx, 8, 5)
	assert.Error(t, err)
}

func TestMemObjectAbort(t *testing.T) {
	m := NewMemObject()
	_, err := m.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, m.Abort())
	assert.True(t, m.Aborted())
	assert.Equal(t, int64(0), m.Size())
}
