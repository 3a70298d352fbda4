package pipeline

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepcache/keepcached/internal/cache"
	"github.com/keepcache/keepcached/internal/originclient"
	"github.com/keepcache/keepcached/internal/plugin"
	"github.com/keepcache/keepcached/internal/router"
)

// memBackend is a trivial in-memory cache.Backend, avoiding disk I/O
// the same way the Cache Store's own tests do.
type memBackend struct{ saved map[string][]byte }

func newMemBackend() *memBackend { return &memBackend{saved: map[string][]byte{}} }

func (m *memBackend) Load() (map[string][]byte, error) { return m.saved, nil }
func (m *memBackend) Persist(all map[string][]byte) error {
	m.saved = all
	return nil
}
func (m *memBackend) Close() error { return nil }

func newPipeline(t *testing.T, originURL string) *Pipeline {
	t.Helper()
	c, err := cache.New(newMemBackend(), 100, 1<<20)
	require.NoError(t, err)

	r := router.New(map[string]string{"default": originURL})
	oc := originclient.New(5*time.Second, 10, 1<<20, log.NewNopLogger(), originclient.Metrics{}, 0)
	host, errs := plugin.Build(nil, nil)
	require.Empty(t, errs)

	return &Pipeline{
		Cfg: Config{
			DefaultTTLMillis: 60000,
			Compression:      cache.CompressionNone,
			MaxResponseBytes: 1 << 20,
			HealthEndpoint:   "/__health",
			CacheVersion:     "1",
		},
		Cache:   c,
		Router:  r,
		Origin:  oc,
		Plugins: host,
		BootTime: time.Now(),
	}
}

// TestMissThenHit covers scenarios 1 and 2: a first request misses and
// stores, a second identical request is served from the cache without
// touching the origin again.
func TestMissThenHit(t *testing.T) {
	var hits int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer origin.Close()

	p := newPipeline(t, origin.URL)

	req1 := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, StatusMiss, rec1.Header().Get("X-Cache"))
	assert.Equal(t, "hello", rec1.Body.String())
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits))

	req2 := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, StatusHit, rec2.Header().Get("X-Cache"))
	assert.Equal(t, "hello", rec2.Body.String())
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits), "second request must be served from cache, not the origin")
}

// TestRevalidation covers scenario 3: once an entry has expired the
// pipeline issues a conditional GET, and a 304 response refreshes the
// entry's expiry instead of re-fetching the body.
func TestRevalidation(t *testing.T) {
	var calls int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			w.Header().Set("Cache-Control", "max-age=0")
			w.Header().Set("ETag", `"v1"`)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("body"))
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		t.Fatalf("expected conditional GET with If-None-Match on call %d", n)
	}))
	defer origin.Close()

	p := newPipeline(t, origin.URL)
	p.Cfg.DefaultTTLMillis = 0 // only the 304's TTL uses this, falling back to cachekey.DefaultTTLMillis; the origin's max-age=0 is what expires the first response at once

	req1 := httptest.NewRequest(http.MethodGet, "/r", nil)
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, StatusMiss, rec1.Header().Get("X-Cache"))

	req2 := httptest.NewRequest(http.MethodGet, "/r", nil)
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code, "a 304 upstream must still be answered with the cached 200 body")
	assert.Equal(t, StatusRevalidated, rec2.Header().Get("X-Cache"))
	assert.Equal(t, "body", rec2.Body.String())
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

// TestVaryDifferentiation covers scenario 4: two requests differing
// only in a header named by the origin's Vary response get distinct
// cache entries and both reach the origin.
func TestVaryDifferentiation(t *testing.T) {
	var calls int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Cache-Control", "max-age=60")
		w.Header().Set("Vary", "Accept-Language")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("lang:" + r.Header.Get("Accept-Language")))
	}))
	defer origin.Close()

	p := newPipeline(t, origin.URL)

	reqEN := httptest.NewRequest(http.MethodGet, "/v", nil)
	reqEN.Header.Set("Accept-Language", "en")
	recEN := httptest.NewRecorder()
	p.ServeHTTP(recEN, reqEN)
	assert.Equal(t, "lang:en", recEN.Body.String())

	reqFR := httptest.NewRequest(http.MethodGet, "/v", nil)
	reqFR.Header.Set("Accept-Language", "fr")
	recFR := httptest.NewRecorder()
	p.ServeHTTP(recFR, reqFR)
	assert.Equal(t, "lang:fr", recFR.Body.String())
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls), "distinct Vary values must both reach the origin")

	// repeating the English request now hits the cache without a third origin call.
	reqEN2 := httptest.NewRequest(http.MethodGet, "/v", nil)
	reqEN2.Header.Set("Accept-Language", "en")
	recEN2 := httptest.NewRecorder()
	p.ServeHTTP(recEN2, reqEN2)
	assert.Equal(t, StatusHit, recEN2.Header().Get("X-Cache"))
	assert.Equal(t, "lang:en", recEN2.Body.String())
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

// TestNonCacheableNeverStored covers scenario 5: a response carrying
// Cache-Control: no-store is served but never admitted, so every
// subsequent identical request reaches the origin again.
func TestNonCacheableNeverStored(t *testing.T) {
	var calls int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("private"))
	}))
	defer origin.Close()

	p := newPipeline(t, origin.URL)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/n", nil)
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, StatusMiss, rec.Header().Get("X-Cache"))
	}
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls), "no-store responses must never be served from cache")
}

// TestHealthEndpoint exercises the /__health short-circuit the
// pipeline serves before any routing or rate-limit stage runs.
func TestHealthEndpoint(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	p := newPipeline(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/__health", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
