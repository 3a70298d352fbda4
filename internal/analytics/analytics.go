// Package analytics implements the Stats/Analytics component (C10):
// persistent counters for hits, misses, revalidations, bandwidth, and
// compression ratios, mirrored live into prometheus collectors and
// persisted to analytics.json after each update.
package analytics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is one of the four terminal outcomes every request records
// exactly one of.
type Outcome string

const (
	OutcomeHit         Outcome = "HIT"
	OutcomeMiss        Outcome = "MISS"
	OutcomeRevalidated Outcome = "REVALIDATED"
	OutcomeError       Outcome = "ERROR"
)

// Totals is the persisted snapshot written to analytics.json.
type Totals struct {
	Requests            int64            `json:"requests"`
	Hits                int64            `json:"hits"`
	Misses              int64            `json:"misses"`
	Revalidations       int64            `json:"revalidations"`
	Errors              int64            `json:"errors"`
	PerURL              map[string]int64 `json:"perURL"`
	BytesFromOrigin      int64            `json:"bytesFromOrigin"`
	BytesServed          int64            `json:"bytesServed"`
	BytesSavedByHits     int64            `json:"bytesSavedByHits"`
	BytesSavedBy304s     int64            `json:"bytesSavedBy304s"`
	CompressionTotals    map[string]int64 `json:"compressionTotals"`
	ResponseTimesMillis  []float64        `json:"responseTimesMillis"`
}

const maxResponseTimeSamples = 1000

// Recorder accumulates counters under a mutex and persists after
// every update, matching the Cache Store's own single-writer
// discipline.
type Recorder struct {
	mu   sync.Mutex
	data Totals
	path string

	requestsTotal   *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
}

// New builds a Recorder persisting to path ("<cacheDir>/analytics.json"),
// seeding from any previously persisted file.
func New(path string, reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		path: path,
		data: Totals{PerURL: map[string]int64{}, CompressionTotals: map[string]int64{}},
	}
	if b, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(b, &r.data)
	}
	if r.data.PerURL == nil {
		r.data.PerURL = map[string]int64{}
	}
	if r.data.CompressionTotals == nil {
		r.data.CompressionTotals = map[string]int64{}
	}
	if reg != nil {
		r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keepcached",
			Name:      "requests_total",
			Help:      "Count of proxied requests by outcome.",
		}, []string{"outcome"})
		r.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keepcached",
			Name:      "bytes_total",
			Help:      "Bytes moved, by direction.",
		}, []string{"direction"})
		reg.MustRegister(r.requestsTotal, r.bytesTotal)
	}
	return r
}

// Record accumulates one request's outcome, URL, response time, and
// byte counters, then persists.
func (r *Recorder) Record(outcome Outcome, url string, responseTimeMillis float64, originBytes, servedBytes int64, compressionCodec string) {
	r.mu.Lock()
	r.data.Requests++
	switch outcome {
	case OutcomeHit:
		r.data.Hits++
		r.data.BytesSavedByHits += servedBytes
	case OutcomeMiss:
		r.data.Misses++
	case OutcomeRevalidated:
		r.data.Revalidations++
		r.data.BytesSavedBy304s += servedBytes
	case OutcomeError:
		r.data.Errors++
	}
	r.data.PerURL[url]++
	r.data.BytesFromOrigin += originBytes
	r.data.BytesServed += servedBytes
	if compressionCodec != "" {
		r.data.CompressionTotals[compressionCodec]++
	}
	r.data.ResponseTimesMillis = append(r.data.ResponseTimesMillis, responseTimeMillis)
	if len(r.data.ResponseTimesMillis) > maxResponseTimeSamples {
		r.data.ResponseTimesMillis = r.data.ResponseTimesMillis[len(r.data.ResponseTimesMillis)-maxResponseTimeSamples:]
	}
	snapshot := r.data
	r.mu.Unlock()

	if r.requestsTotal != nil {
		r.requestsTotal.WithLabelValues(string(outcome)).Inc()
		r.bytesTotal.WithLabelValues("fromOrigin").Add(float64(originBytes))
		r.bytesTotal.WithLabelValues("served").Add(float64(servedBytes))
	}
	_ = r.persist(snapshot)
}

func (r *Recorder) persist(data Totals) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("analytics: marshal: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("analytics: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".analytics-*.tmp")
	if err != nil {
		return fmt.Errorf("analytics: create temp: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("analytics: write: %w", err)
	}
	tmp.Close()
	return os.Rename(tmp.Name(), r.path)
}

// Snapshot returns a copy of the current totals.
func (r *Recorder) Snapshot() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// HitRate returns (hits+revalidations) / (hits+misses+revalidations),
// counting a revalidation as served from cache, or 0 if there have
// been no lookups yet.
func (t Totals) HitRate() float64 {
	lookups := t.Hits + t.Misses + t.Revalidations
	if lookups == 0 {
		return 0
	}
	return float64(t.Hits+t.Revalidations) / float64(lookups)
}
