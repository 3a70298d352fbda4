package redisstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	s := miniredis.RunT(t)
	return New(s.Addr(), "", 0)
}

func TestLoadOnEmptyDatabaseReturnsEmptyMap(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()

	m, err := b.Load()
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestPersistThenLoadRoundTrips(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()

	in := map[string][]byte{
		"GET:https://o/a": []byte(`{"statusCode":200}`),
		"GET:https://o/b": []byte(`{"statusCode":200}`),
	}
	require.NoError(t, b.Persist(in))

	out, err := b.Load()
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestPersistOverwritesPreviousDocument(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()

	require.NoError(t, b.Persist(map[string][]byte{"a": []byte("1")}))
	require.NoError(t, b.Persist(map[string][]byte{"b": []byte("2")}))

	out, err := b.Load()
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"b": []byte("2")}, out)
}
