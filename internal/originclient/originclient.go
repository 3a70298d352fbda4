// Package originclient implements the Origin Client (C6): it issues
// outgoing requests, supports conditional GET via If-None-Match /
// If-Modified-Since, and returns status + headers + buffered body.
//
// The httptrace DNS instrumentation, the single ErrOriginUnavailable
// returned when the origin can't be reached at all (which the pipeline
// answers with a 502), the clock-skew-between-
// proxy-and-origin warning, and the prometheus request/duration
// metrics are all carried over from this proxy's fetch path, adapted
// from a timeseries-origin-specific client into a single generic one
// (this proxy has no timeseries/Prometheus-origin concept).
package originclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrOriginUnavailable is returned for connect failures, DNS
// failures, and deadline exceeded.
var ErrOriginUnavailable = errors.New("originclient: origin unavailable")

// ErrResponseTooLarge is returned when the origin's body exceeds the
// configured cap; the body is not forwarded past the cap.
var ErrResponseTooLarge = errors.New("originclient: response too large")

// Validators carry the conditional-GET inputs for a revalidation
// fetch.
type Validators struct {
	ETag         string
	LastModified string
}

// Result is what Fetch returns to the pipeline.
type Result struct {
	StatusCode   int
	Headers      http.Header
	Body         []byte
	ResponseTime time.Duration
}

// Client fetches from one or more origins over a shared transport.
type Client struct {
	httpClient        *http.Client
	maxResponseBytes  int64
	logger            log.Logger
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// Metrics bundles the two prometheus collectors the client emits
// into, matching the ProxyRequestStatus/ProxyRequestDuration pattern.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the client's collectors on reg; it panics if
// they are already registered there.
func NewMetrics(reg prometheus.Registerer) Metrics {
	m := Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keepcached",
			Name:      "origin_requests_total",
			Help:      "Count of requests issued to origins, by origin and result status.",
		}, []string{"origin", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keepcached",
			Name:      "origin_request_duration_seconds",
			Help:      "Duration of origin fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"origin", "method"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration)
	return m
}

// New builds a Client with a shared transport. timeout is the
// per-request deadline; maxIdleConns/keepAliveTimeout configure
// connection reuse, matching the teacher's per-origin MaxIdleConns/
// KeepAliveTimeoutSecs knobs; maxResponseBytes caps buffered bodies.
func New(timeout time.Duration, maxIdleConns int, maxResponseBytes int64, logger log.Logger, m Metrics, keepAliveTimeout time.Duration) *Client {
	if keepAliveTimeout <= 0 {
		keepAliveTimeout = 90 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     keepAliveTimeout,
	}
	return &Client{
		httpClient:       &http.Client{Transport: transport, Timeout: timeout},
		maxResponseBytes: maxResponseBytes,
		logger:           logger,
		requestsTotal:    m.RequestsTotal,
		requestDuration:  m.RequestDuration,
	}
}

// Fetch issues method to url with headers and body, optionally as a
// conditional GET when validators is non-nil.
func (c *Client) Fetch(ctx context.Context, originName, method, url string, headers http.Header, body io.Reader, validators *Validators) (*Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("originclient: build request: %w", err)
	}
	req.Header = headers.Clone()
	if validators != nil {
		if validators.ETag != "" {
			req.Header.Set("If-None-Match", validators.ETag)
		}
		if validators.LastModified != "" {
			req.Header.Set("If-Modified-Since", validators.LastModified)
		}
	}

	trace := &httptrace.ClientTrace{
		DNSStart: func(info httptrace.DNSStartInfo) {
			level.Debug(c.logger).Log("msg", "dns start", "origin", originName, "host", info.Host)
		},
		DNSDone: func(info httptrace.DNSDoneInfo) {
			if info.Err != nil {
				level.Debug(c.logger).Log("msg", "dns done", "origin", originName, "err", info.Err)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.record(originName, method, "unavailable", elapsed)
		level.Error(c.logger).Log("msg", "origin fetch failed", "origin", originName, "url", url, "err", err)
		return nil, ErrOriginUnavailable
	}
	defer resp.Body.Close()

	c.warnOnClockSkew(originName, resp.Header)

	limited := io.LimitReader(resp.Body, c.maxResponseBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		c.record(originName, method, "readerror", elapsed)
		return nil, fmt.Errorf("originclient: read body: %w", err)
	}
	if int64(len(buf)) > c.maxResponseBytes {
		c.record(originName, method, "toolarge", elapsed)
		return nil, ErrResponseTooLarge
	}

	c.record(originName, method, strconv.Itoa(resp.StatusCode), elapsed)
	return &Result{
		StatusCode:   resp.StatusCode,
		Headers:      resp.Header,
		Body:         buf,
		ResponseTime: elapsed,
	}, nil
}

func (c *Client) record(originName, method, status string, elapsed time.Duration) {
	if c.requestsTotal != nil {
		c.requestsTotal.WithLabelValues(originName, method, status).Inc()
	}
	if c.requestDuration != nil {
		c.requestDuration.WithLabelValues(originName, method).Observe(elapsed.Seconds())
	}
}

// warnOnClockSkew logs a warning for every response whose Date header
// disagrees with the proxy clock by more than a minute, matching this
// proxy's clock-offset warning.
func (c *Client) warnOnClockSkew(originName string, h http.Header) {
	date := h.Get("Date")
	if date == "" {
		return
	}
	d, err := http.ParseTime(date)
	if err != nil {
		return
	}
	offset := time.Since(d)
	if math.Abs(offset.Seconds()) > 60 {
		level.Warn(c.logger).Log("msg", "clock offset between proxy and origin is high", "origin", originName, "offsetSeconds", offset.Seconds())
	}
}
