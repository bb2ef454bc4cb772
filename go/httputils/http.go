// Package httputils provides the HTTP client and server plumbing shared by
// the buildmaster and the agent: timeout clients, retrying transports,
// request logging and error reporting.
package httputils

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.doozer.org/infra/go/dlog"
	"go.doozer.org/infra/go/metrics"
	"go.doozer.org/infra/go/timer"
	"go.doozer.org/infra/go/util"
)

const (
	DIAL_TIMEOUT    = time.Minute
	REQUEST_TIMEOUT = 5 * time.Minute

	// Exponential backoff defaults for BackOffTransport.
	INITIAL_INTERVAL     = 500 * time.Millisecond
	RANDOMIZATION_FACTOR = 0.5
	BACKOFF_MULTIPLIER   = 1.5
	MAX_INTERVAL         = 60 * time.Second
	MAX_ELAPSED_TIME     = 5 * time.Minute

	// How much of an error response body to quote in log lines.
	MAX_BYTES_IN_RESPONSE_BODY = 10 * 1024
)

// errServerStatus marks a 5xx response inside the retry loop.
var errServerStatus = errors.New("server error status")

// HealthCheckHandler returns 200 OK with an empty body, appropriate
// for a healthcheck endpoint.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

// ClientConfig describes the http.Client a component wants. Zero fields keep
// the http package defaults.
//
// Example:
//
//	client := DefaultClientConfig().WithoutRetries().Client()
type ClientConfig struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds the whole request including reading the body;
	// zero means no limit, which long-poll clients rely on.
	RequestTimeout time.Duration

	// Retries, if non-nil, wraps the transport in a BackOffTransport that
	// retries transport errors and 5xx responses.
	Retries *BackOffConfig

	// Metrics counts requests per destination host.
	Metrics bool
}

// DefaultClientConfig returns a ClientConfig with the package timeouts,
// retries enabled and per-host request metrics.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:    DIAL_TIMEOUT,
		RequestTimeout: REQUEST_TIMEOUT,
		Retries:        DefaultBackOffConfig(),
		Metrics:        true,
	}
}

// WithoutRetries returns a new ClientConfig where requests are not retried.
func (c ClientConfig) WithoutRetries() ClientConfig {
	c.Retries = nil
	return c
}

// Client builds the configured http.Client.
func (c ClientConfig) Client() *http.Client {
	var t http.RoundTripper = http.DefaultTransport
	if c.DialTimeout != 0 {
		dialTimeout := c.DialTimeout
		t = &http.Transport{
			Dial: func(network, addr string) (net.Conn, error) {
				return net.DialTimeout(network, addr, dialTimeout)
			},
		}
	}
	if c.Retries != nil {
		if c.RequestTimeout != 0 && c.Retries.maxElapsedTime > c.RequestTimeout {
			c.Retries.maxElapsedTime = c.RequestTimeout
		}
		t = NewConfiguredBackOffTransport(c.Retries, t)
	}
	if c.Metrics {
		t = NewMetricsTransport(t)
	}
	return &http.Client{
		Transport: t,
		Timeout:   c.RequestTimeout,
	}
}

// NewTimeoutClient returns an http.Client with the package dial and request
// timeouts and no retries.
func NewTimeoutClient() *http.Client {
	return NewConfiguredTimeoutClient(DIAL_TIMEOUT, REQUEST_TIMEOUT)
}

// NewConfiguredTimeoutClient returns an http.Client with the given dial and
// request timeouts and no retries. A zero reqTimeout means no request limit.
func NewConfiguredTimeoutClient(dialTimeout, reqTimeout time.Duration) *http.Client {
	return ClientConfig{
		DialTimeout:    dialTimeout,
		RequestTimeout: reqTimeout,
		Metrics:        true,
	}.Client()
}

// BackOffConfig holds the retry schedule for a BackOffTransport.
type BackOffConfig struct {
	initialInterval     time.Duration
	maxInterval         time.Duration
	maxElapsedTime      time.Duration
	randomizationFactor float64
	backOffMultiplier   float64
}

// DefaultBackOffConfig returns the package retry schedule: 500 ms initial,
// x1.5 per attempt with 50% jitter, 60 s cap, giving up after 5 minutes.
func DefaultBackOffConfig() *BackOffConfig {
	return &BackOffConfig{
		initialInterval:     INITIAL_INTERVAL,
		maxInterval:         MAX_INTERVAL,
		maxElapsedTime:      MAX_ELAPSED_TIME,
		randomizationFactor: RANDOMIZATION_FACTOR,
		backOffMultiplier:   BACKOFF_MULTIPLIER,
	}
}

// BackOffTransport retries transport errors and 5xx responses on the
// schedule of its BackOffConfig. Other statuses, including 4xx, go back to
// the caller untouched; they mean the request arrived and was refused.
type BackOffTransport struct {
	base http.RoundTripper
	cfg  *BackOffConfig
}

// NewConfiguredBackOffTransport returns a BackOffTransport with the given
// schedule wrapping base.
func NewConfiguredBackOffTransport(cfg *BackOffConfig, base http.RoundTripper) http.RoundTripper {
	return &BackOffTransport{
		base: base,
		cfg:  cfg,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *BackOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     t.cfg.initialInterval,
		RandomizationFactor: t.cfg.randomizationFactor,
		Multiplier:          t.cfg.backOffMultiplier,
		MaxInterval:         t.cfg.maxInterval,
		MaxElapsedTime:      t.cfg.maxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, req.Context())

	// Requests with a body need the body replayed on every attempt.
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("Failed to read request body: %s", err)
		}
		util.Close(req.Body)
		body = b
	}

	var resp *http.Response
	op := func() error {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		r, err := t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= 500 && r.StatusCode <= 599 {
			return errServerStatus
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if err == errServerStatus {
			dlog.Warningf("Got status %q from %s %s, retrying in %s. Response: %s", resp.Status, req.Method, req.URL, wait, ReadAndClose(resp.Body))
			resp = nil
		} else {
			dlog.Warningf("Request %s %s failed -- %s. Retrying in %s", req.Method, req.URL, err, wait)
		}
	}

	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		if err == errServerStatus && resp != nil {
			// Out of retries. The last response is still more useful to the
			// caller than a generic error.
			dlog.Warningf("Giving up on %s %s, last status %q", req.Method, req.URL, resp.Status)
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

// Response2xxOnlyTransport turns non-2xx responses into errors. Delegates all
// requests to the wrapped RoundTripper, which must be non-nil.
type Response2xxOnlyTransport struct {
	http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t Response2xxOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(req)
	if err == nil && resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, fmt.Errorf("Got status code %d from %s %s. Response: %s", resp.StatusCode, req.Method, req.URL, ReadAndClose(resp.Body))
	}
	return resp, err
}

// Response2xxOnly modifies client so that non-2xx responses cause a non-nil
// error return value.
func Response2xxOnly(client *http.Client) *http.Client {
	wrap := client.Transport
	if wrap == nil {
		wrap = http.DefaultTransport
	}
	client.Transport = Response2xxOnlyTransport{wrap}
	return client
}

// ReadAndClose reads up to MAX_BYTES_IN_RESPONSE_BODY from r, closes it and
// returns the content quoted for logging. Nil readers and read errors yield
// the empty string.
func ReadAndClose(r io.ReadCloser) string {
	if r == nil {
		return ""
	}
	defer util.Close(r)
	b, err := io.ReadAll(io.LimitReader(r, MAX_BYTES_IN_RESPONSE_BODY))
	if err != nil {
		dlog.Warningf("Problem reading response body: %s", err)
		return ""
	}
	return fmt.Sprintf("%q", string(b))
}

// ReportError logs the detailed error and writes message with the given
// status code to the response. An empty message becomes "Unknown error";
// the error itself never reaches the client.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	dlog.Error(message, err)
	if err != io.ErrClosedPipe {
		httpErrMsg := message
		if message == "" {
			httpErrMsg = "Unknown error"
		}
		http.Error(w, httpErrMsg, code)
	}
}

// responseProxy records the response status in logs and metrics. A handler
// that never calls WriteHeader records nothing.
type responseProxy struct {
	http.ResponseWriter
	wroteHeader bool
}

func (rp *responseProxy) WriteHeader(code int) {
	if !rp.wroteHeader {
		dlog.Infof("Response Code: %d", code)
		metrics.GetCounter("http_response", map[string]string{"statuscode": strconv.Itoa(code)}).Inc(1)
		rp.ResponseWriter.WriteHeader(code)
		rp.wroteHeader = true
	}
}

// LoggingRequestResponse logs every request with its latency and response
// code, and converts handler panics into a 500 instead of taking the whole
// server down.
func LoggingRequestResponse(h http.Handler) http.Handler {
	f := func(w http.ResponseWriter, r *http.Request) {
		dlog.Infof("Incoming request: %s %s %#v ", r.URL.Path, r.Method, *(r.URL))
		defer func() {
			if err := recover(); err != nil {
				const size = 64 << 10
				buf := make([]byte, size)
				buf = buf[:runtime.Stack(buf, false)]
				dlog.Errorf("panic serving %v: %v\n%s", r.URL.Path, err, buf)

				// Only effective if the handler has not written a header yet,
				// which is the common case for handlers that compute first
				// and serialize at the end.
				http.Error(w, "Error Handling request", http.StatusInternalServerError)
			}
		}()
		defer timer.New(fmt.Sprintf("Request: %s Latency:", r.URL.Path)).Stop()
		h.ServeHTTP(&responseProxy{ResponseWriter: w}, r)
	}
	return http.HandlerFunc(f)
}

// PaginationParams extracts 'offset' and 'limit' from a query string,
// falling back to the given defaults when absent or negative and clamping
// limit to maxLimit. Non-integer values are an error.
func PaginationParams(query url.Values, defaultOffset, defaultLimit, maxLimit int) (int, int, error) {
	limit, err := getPositiveInt(query, "limit", defaultLimit)
	if err != nil {
		return 0, 0, err
	}
	offset, err := getPositiveInt(query, "offset", defaultOffset)
	if err != nil {
		return 0, 0, err
	}
	return offset, util.MinInt(limit, maxLimit), nil
}

func getPositiveInt(query url.Values, param string, defaultVal int) (int, error) {
	valStr := query.Get(param)
	if valStr == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("Not a valid integer value.")
	}
	if val < 0 {
		return defaultVal, nil
	}
	return val, nil
}

// MetricsTransport counts requests per destination host.
type MetricsTransport struct {
	counters    map[string]metrics.Counter
	countersMtx sync.Mutex
	rt          http.RoundTripper
}

func (mt *MetricsTransport) getCounter(host string) metrics.Counter {
	mt.countersMtx.Lock()
	defer mt.countersMtx.Unlock()
	c, ok := mt.counters[host]
	if !ok {
		c = metrics.GetCounter("http_request_metrics", map[string]string{
			"host": host,
		})
		mt.counters[host] = c
	}
	return c
}

// RoundTrip implements http.RoundTripper.
func (mt *MetricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	mt.getCounter(req.URL.Host).Inc(1)
	return mt.rt.RoundTrip(req)
}

// NewMetricsTransport returns a MetricsTransport wrapping rt, or rt itself
// when it already is one, so requests are not double counted.
func NewMetricsTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	} else if _, ok := rt.(*MetricsTransport); ok {
		return rt
	}
	return &MetricsTransport{
		counters: map[string]metrics.Counter{},
		rt:       rt,
	}
}
