package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory cache.Backend for tests, avoiding disk
// I/O the way the teacher's engines tests stub file access.
type memBackend struct {
	saved map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{saved: map[string][]byte{}} }

func (m *memBackend) Load() (map[string][]byte, error) { return m.saved, nil }
func (m *memBackend) Persist(all map[string][]byte) error {
	m.saved = all
	return nil
}
func (m *memBackend) Close() error { return nil }

func mustEntry(t *testing.T, body string, lastAccess int64) *Entry {
	t.Helper()
	return &Entry{
		StatusCode:     200,
		Headers:        map[string]string{"content-type": "text/plain"},
		Body:           []byte(body),
		Compression:    CompressionNone,
		CachedAt:       lastAccess,
		ExpiresAt:      lastAccess + 60000,
		LastAccessTime: lastAccess,
		Version:        "1",
	}
}

func TestEvictionKeepsMostRecentlyAccessed(t *testing.T) {
	c, err := New(newMemBackend(), 3, 1<<20)
	require.NoError(t, err)

	require.NoError(t, c.Put("A", mustEntry(t, "a", 1)))
	require.NoError(t, c.Put("B", mustEntry(t, "b", 2)))
	require.NoError(t, c.Put("C", mustEntry(t, "c", 3)))

	// access A between C and D, bumping its lastAccessTime forward
	_, ok := c.Get("A", 10)
	require.True(t, ok)

	require.NoError(t, c.Put("D", mustEntry(t, "d", 4)))

	_, hasA := c.Peek("A")
	_, hasB := c.Peek("B")
	_, hasC := c.Peek("C")
	_, hasD := c.Peek("D")
	assert.True(t, hasA, "A should survive: it was the most recently accessed")
	assert.False(t, hasB, "B should be evicted: least recently accessed")
	assert.True(t, hasC)
	assert.True(t, hasD)
}

func TestCompressionRoundTrip(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")
	for _, codec := range []string{CompressionNone, CompressionGzip, CompressionBrotli} {
		compressed, err := Compress(codec, plain)
		require.NoError(t, err)
		out, err := Decompress(codec, compressed)
		require.NoError(t, err)
		assert.Equal(t, plain, out, "codec %s must round-trip", codec)
	}
}

func TestDeleteMatchingIsIdempotent(t *testing.T) {
	c, err := New(newMemBackend(), 10, 1<<20)
	require.NoError(t, err)
	require.NoError(t, c.Put("GET:https://o/a", mustEntry(t, "a", 1)))
	require.NoError(t, c.Put("GET:https://o/b", mustEntry(t, "b", 2)))

	pred := func(key string, e *Entry) bool { return key == "GET:https://o/a" }
	n1, err := c.DeleteMatching(pred)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := c.DeleteMatching(pred)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
}

func TestPersistenceFailureKeepsServingFromMemory(t *testing.T) {
	c, err := New(newMemBackend(), 10, 1<<20)
	require.NoError(t, err)
	c.backend = failingBackend{}
	err = c.Put("k", mustEntry(t, "v", 1))
	assert.Error(t, err, "persist failures must be surfaced to the caller to log")
	_, ok := c.Peek("k")
	assert.True(t, ok, "the in-memory map stays authoritative even if persistence fails")
}

type failingBackend struct{}

func (failingBackend) Load() (map[string][]byte, error) { return map[string][]byte{}, nil }
func (failingBackend) Persist(map[string][]byte) error  { return assertErr }
func (failingBackend) Close() error                     { return nil }

var assertErr = errAlways{}

type errAlways struct{}

func (errAlways) Error() string { return "always fails" }
