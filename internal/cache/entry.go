// Package cache implements the Cache Store (C1): content-addressed
// storage, compression, LRU eviction, and size accounting, backed by
// a pluggable Store implementation (document/bbolt/redis).
//
// The entry encode/decode path and the eviction bookkeeping live here,
// above the backend interface, so every backend enforces the same
// invariants; backends themselves are just byte-blob stores.
package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// Compression codec identifiers, exactly the three named in the data
// model: the teacher's own codec (snappy) is not in this set.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionBrotli = "brotli"
)

// Entry is the value side of the cache map (CacheEntry in the data
// model).
type Entry struct {
	StatusCode     int               `json:"statusCode"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body"`
	Compression    string            `json:"compression"`
	VaryHeaders    []string          `json:"varyHeaders"`
	ETag           string            `json:"etag,omitempty"`
	LastModified   string            `json:"lastModified,omitempty"`
	CachedAt       int64             `json:"cachedAt"`
	ExpiresAt      int64             `json:"expiresAt"`
	LastAccessTime int64             `json:"lastAccessTime"`
	Version        string            `json:"version"`
}

// Size implements the size-accounting rule from the data model: byte
// length of the key plus the stored body plus serialized headers.
func (e *Entry) Size(key string) int64 {
	n := int64(len(key)) + int64(len(e.Body))
	for k, v := range e.Headers {
		n += int64(len(k) + len(v) + 2)
	}
	return n
}

// Compress returns plain in its compressed form under codec. The
// caller records codec in the entry's Compression field, so a later
// config change cannot corrupt an already-stored entry (it just keeps
// decoding with the codec the entry says it used).
func Compress(codec string, plain []byte) ([]byte, error) {
	switch codec {
	case CompressionNone, "":
		return plain, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(plain); err != nil {
			return nil, fmt.Errorf("cache: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("cache: gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(plain); err != nil {
			return nil, fmt.Errorf("cache: brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("cache: brotli compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("cache: unknown compression codec %q", codec)
	}
}

// Decompress is the inverse of Compress, dispatched on the codec an
// entry recorded at store time rather than on current config.
func Decompress(codec string, stored []byte) ([]byte, error) {
	switch codec {
	case CompressionNone, "":
		return stored, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("cache: gzip decompress: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionBrotli:
		r := brotli.NewReader(bytes.NewReader(stored))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("cache: unknown compression codec %q", codec)
	}
}
