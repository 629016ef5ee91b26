package webcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"sogara/internal/metrics"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".svg": true, ".ico": true,
}

var staticExtensions = map[string]bool{
	".js": true, ".css": true, ".woff": true, ".woff2": true,
	".ttf": true, ".eot": true,
}

func isImageRequest(req *http.Request) bool {
	return imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]
}

func isAPIRequest(req *http.Request) bool {
	if strings.HasPrefix(req.URL.Path, "/api/") || strings.HasPrefix(req.URL.Path, "/functions/") {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

func isStaticAsset(req *http.Request) bool {
	return staticExtensions[strings.ToLower(path.Ext(req.URL.Path))]
}

func isDocumentRequest(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// RoundTrip applies the caching strategy matching the request type.
// Only same-scheme GET requests are intercepted; everything else passes
// straight to the upstream transport.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || (req.URL.Scheme != "http" && req.URL.Scheme != "https" && req.URL.Scheme != "") {
		return m.transport.RoundTrip(req)
	}

	switch {
	case isImageRequest(req):
		return m.cacheFirst(req, m.generation(bucketStatic))
	case isAPIRequest(req):
		return m.networkFirst(req, m.generation(bucketDynamic))
	case isStaticAsset(req):
		return m.cacheFirst(req, m.generation(bucketStatic))
	case isDocumentRequest(req):
		return m.networkFirstWithFallback(req)
	default:
		return m.networkFirst(req, m.generation(bucketDynamic))
	}
}

// cacheFirst serves from cache when present, refreshing the stored copy
// in the background regardless, and falls through to the network on a
// miss.
func (m *Manager) cacheFirst(req *http.Request, gen *Generation) (*http.Response, error) {
	key := cacheKey(req)

	if cached := m.lookup(key); cached != nil {
		metrics.IncCacheLookup("cache_first", "hit")
		go m.refresh(req, gen, key)
		return cached.response(req), nil
	}
	metrics.IncCacheLookup("cache_first", "miss")

	resp, err := m.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return gen.store(key, resp)
	}
	return resp, nil
}

// refresh re-fetches a cached resource outside the request path.
// Failures are ignored; the cached copy stays.
func (m *Manager) refresh(req *http.Request, gen *Generation, key string) {
	clone := req.Clone(context.Background())
	clone.Body = nil
	resp, err := m.transport.RoundTrip(clone)
	if err != nil {
		return
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if _, err := gen.store(key, resp); err == nil {
			return
		}
	}
	resp.Body.Close()
}

// networkFirst tries the network and caches successes; on a transport
// failure it serves the cached copy when one exists.
func (m *Manager) networkFirst(req *http.Request, gen *Generation) (*http.Response, error) {
	key := cacheKey(req)

	resp, err := m.transport.RoundTrip(req)
	if err == nil {
		metrics.IncCacheLookup("network_first", "network")
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return gen.store(key, resp)
		}
		return resp, nil
	}

	if cached := m.lookup(key); cached != nil {
		metrics.IncCacheLookup("network_first", "fallback_hit")
		m.logger.Debug().Str("url", key).Msg("network failed, serving cached copy")
		return cached.response(req), nil
	}
	metrics.IncCacheLookup("network_first", "fallback_miss")
	return nil, err
}

// networkFirstWithFallback handles document requests: network, then
// cache, then the cached home page, then a synthetic offline response.
func (m *Manager) networkFirstWithFallback(req *http.Request) (*http.Response, error) {
	key := cacheKey(req)

	resp, err := m.transport.RoundTrip(req)
	if err == nil {
		metrics.IncCacheLookup("network_first_fallback", "network")
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return m.generation(bucketPages).store(key, resp)
		}
		return resp, nil
	}
	m.logger.Debug().Str("url", key).Msg("network failed for document, trying cache")

	if cached := m.lookup(key); cached != nil {
		metrics.IncCacheLookup("network_first_fallback", "fallback_hit")
		return cached.response(req), nil
	}

	if home := m.lookup(m.absoluteURL(m.home)); home != nil {
		metrics.IncCacheLookup("network_first_fallback", "home_fallback")
		return home.response(req), nil
	}

	metrics.IncCacheLookup("network_first_fallback", "offline")
	return offlineResponse(req), nil
}

// offlineResponse is the synthetic answer when the network, the cache
// and the home page fallback are all unavailable.
func offlineResponse(req *http.Request) *http.Response {
	body := []byte(`{"error":"application offline","message":"feature unavailable without a connection"}`)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		Status:        http.StatusText(http.StatusServiceUnavailable),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// Handler exposes the caching layer as a reverse proxy so foreground
// traffic can actually be served through it.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outReq, err := http.NewRequestWithContext(r.Context(), r.Method, m.absoluteURL(r.URL.RequestURI()), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		outReq.Header = r.Header.Clone()

		resp, err := m.RoundTrip(outReq)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, vv := range resp.Header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}
