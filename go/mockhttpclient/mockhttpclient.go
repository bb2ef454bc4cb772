// Package mockhttpclient provides a canned-response http.Client for tests
// that talk to external object stores and notification endpoints.
package mockhttpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// URLMock is an http.RoundTripper that replays canned responses. Tests queue
// bodies per URL with MockOnce and hand Client() to the code under test.
// Each queued response is consumed by exactly one request; a request for a
// URL with nothing queued fails the round trip, which surfaces as a client
// error in the code under test.
type URLMock struct {
	mtx    sync.Mutex
	queued map[string][][]byte
}

// NewURLMock returns a URLMock with no queued responses.
func NewURLMock() *URLMock {
	return &URLMock{
		queued: map[string][][]byte{},
	}
}

// MockOnce queues one 200 response with the given body for the given URL.
// Calling it again for the same URL appends; queued bodies are served in
// FIFO order, so multiple requests to one URL each need their own MockOnce
// in request order.
func (m *URLMock) MockOnce(url string, body []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.queued[url] = append(m.queued[url], body)
}

// Client returns an http.Client that resolves all requests against the mock.
func (m *URLMock) Client() *http.Client {
	return &http.Client{
		Transport: m,
	}
}

// RoundTrip implements http.RoundTripper.
func (m *URLMock) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Body != nil {
		// Uploads send bodies; consume them like a real server would.
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	url := r.URL.String()
	q := m.queued[url]
	if len(q) == 0 {
		return nil, fmt.Errorf("no response queued for %s %s", r.Method, url)
	}
	m.queued[url] = q[1:]
	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Body:       io.NopCloser(bytes.NewReader(q[0])),
		Request:    r,
	}, nil
}

// Empty reports whether every queued response has been consumed. Tests
// assert it to prove the code under test made all the expected requests.
func (m *URLMock) Empty() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, q := range m.queued {
		if len(q) > 0 {
			return false
		}
	}
	return true
}
