// Package httputil carries the HTTP plumbing shared by the API handlers
// and the command line tools: JSON response writers and a client seam the
// upload tools can fake in tests.
package httputil

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPClient is the transport seam the upload tools depend on. Production
// code wraps *http.Client via NewStandardClient; tests inject a
// MockHTTPClient.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	Post(url, contentType string, body io.Reader) (*http.Response, error)
}

// StandardClient adapts *http.Client to HTTPClient.
type StandardClient struct {
	*http.Client
}

var _ HTTPClient = (*StandardClient)(nil)

// NewStandardClient wraps c; a nil c falls back to http.DefaultClient.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// mockReply is one canned answer in a MockHTTPClient queue.
type mockReply struct {
	status int
	body   string
	err    error
}

// MockHTTPClient records every request and replays canned responses in
// FIFO order. An exhausted queue answers 200 with an empty body, so tests
// only queue what they assert on.
type MockHTTPClient struct {
	mu    sync.Mutex
	queue []mockReply
	seen  []*http.Request

	// DoFunc, when set, handles every request instead of the queue.
	DoFunc func(req *http.Request) (*http.Response, error)
}

var _ HTTPClient = (*MockHTTPClient)(nil)

// NewMockHTTPClient creates an empty mock.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a canned response.
func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{status: status, body: body})
	return m
}

// AddErrorResponse queues a transport failure.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockReply{err: err})
	return m
}

// Do records the request and answers from DoFunc or the queue.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, req)

	if m.DoFunc != nil {
		return m.DoFunc(req)
	}

	reply := mockReply{status: http.StatusOK}
	if len(m.queue) > 0 {
		reply = m.queue[0]
		m.queue = m.queue[1:]
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &http.Response{
		StatusCode: reply.status,
		Body:       io.NopCloser(strings.NewReader(reply.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Post builds a POST request with the content type and hands it to Do.
func (m *MockHTTPClient) Post(url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return m.Do(req)
}

// RequestCount reports how many requests the mock has seen.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// GetRequest returns the nth recorded request, nil when out of range.
func (m *MockHTTPClient) GetRequest(n int) *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.seen) {
		return nil
	}
	return m.seen[n]
}
