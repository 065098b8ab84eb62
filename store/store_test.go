package store_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/entwine-go/ept/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ep, err := store.NewLocal(dir)
	require.NoError(t, err)

	require.NoError(t, ep.Put("ept-data/0-0-0-0.bin", []byte("hello")))
	data, err := ep.Get("ept-data/0-0-0-0.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	size, ok, err := ep.TryGetSize("ept-data/0-0-0-0.bin")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), size)

	assert.FileExists(t, filepath.Join(dir, "ept-data", "0-0-0-0.bin"))
}

func TestLocalGetMissingReturnsErrNotFound(t *testing.T) {
	ep, err := store.NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = ep.Get("missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, ok, err := ep.TryGetSize("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryPutGetRoundTrip(t *testing.T) {
	ep := store.NewMemory()
	require.NoError(t, ep.Put("a", []byte("x")))
	data, err := ep.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, err = ep.Get("b")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

type flakyEndpoint struct {
	store.Endpoint
	failuresLeft int
}

func (f *flakyEndpoint) Get(path string) ([]byte, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, errors.New("transient")
	}
	return f.Endpoint.Get(path)
}

func TestEnsureGetRetriesThenSucceeds(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Put("a", []byte("x")))
	flaky := &flakyEndpoint{Endpoint: mem, failuresLeft: 2}

	data, err := store.EnsureGet(flaky, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
	assert.Equal(t, 0, flaky.failuresLeft)
}

func TestEnsureGetDoesNotRetryNotFound(t *testing.T) {
	mem := store.NewMemory()
	_, err := store.EnsureGet(mem, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
