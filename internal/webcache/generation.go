package webcache

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// cachedResponse is one stored request→response pair. Bodies are held in
// memory; a generation lives only as long as its version is active.
type cachedResponse struct {
	statusCode int
	header     http.Header
	body       []byte
	storedAt   time.Time
}

// Generation is a named, versioned bucket of cached responses.
type Generation struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*cachedResponse
}

func newGeneration(name string) *Generation {
	return &Generation{
		name:    name,
		entries: make(map[string]*cachedResponse),
	}
}

func (g *Generation) Name() string { return g.name }

func (g *Generation) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

func (g *Generation) get(key string) *cachedResponse {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entries[key]
}

func (g *Generation) put(key string, resp *cachedResponse) {
	g.mu.Lock()
	g.entries[key] = resp
	g.mu.Unlock()
}

// store consumes resp's body and caches a copy under key. The returned
// response is readable again by the caller.
func (g *Generation) store(key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	g.put(key, &cachedResponse{
		statusCode: resp.StatusCode,
		header:     resp.Header.Clone(),
		body:       body,
		storedAt:   time.Now(),
	})

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// response materializes a fresh http.Response from the cached copy.
func (c *cachedResponse) response(req *http.Request) *http.Response {
	header := c.header.Clone()
	header.Set("X-Served-From-Cache", "1")
	return &http.Response{
		StatusCode:    c.statusCode,
		Status:        http.StatusText(c.statusCode),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}
}

func cacheKey(req *http.Request) string {
	return req.URL.String()
}
