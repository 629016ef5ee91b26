// Package webcache is the resource caching layer the background context
// applies to network requests: install-time precache, per-request
// strategy selection and cache generation garbage collection across
// versions.
package webcache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Bucket categories; each carries at most one active generation.
const (
	bucketPages   = "sogara-access"
	bucketStatic  = "sogara-static"
	bucketDynamic = "sogara-dynamic"
)

// Options configure a cache Manager.
type Options struct {
	Version       string
	Upstream      string // base URL requests are proxied to
	StaticAssets  []string
	CriticalPages []string
	HomePage      string
	Transport     http.RoundTripper
}

// Manager owns the cache generations for one version and applies the
// request interception strategies.
type Manager struct {
	version   string
	upstream  string
	home      string
	static    []string
	pages     []string
	transport http.RoundTripper
	logger    zerolog.Logger

	mu          sync.RWMutex
	generations map[string]*Generation
}

func NewManager(opts Options, logger *zerolog.Logger) *Manager {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.HomePage == "" {
		opts.HomePage = "/"
	}

	m := &Manager{
		version:     opts.Version,
		upstream:    strings.TrimSuffix(opts.Upstream, "/"),
		home:        opts.HomePage,
		static:      opts.StaticAssets,
		pages:       opts.CriticalPages,
		transport:   opts.Transport,
		logger:      logger.With().Str("component", "webcache").Logger(),
		generations: make(map[string]*Generation),
	}
	for _, name := range m.expectedNames() {
		m.generations[name] = newGeneration(name)
	}
	return m
}

func (m *Manager) generationName(bucket string) string {
	return fmt.Sprintf("%s-%s", bucket, m.version)
}

// expectedNames lists the generation names belonging to this version.
func (m *Manager) expectedNames() []string {
	return []string{
		m.generationName(bucketPages),
		m.generationName(bucketStatic),
		m.generationName(bucketDynamic),
	}
}

func (m *Manager) generation(bucket string) *Generation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generations[m.generationName(bucket)]
}

// AdoptGeneration registers a generation from a previous version, as
// found at startup. Activate garbage-collects the stale ones.
func (m *Manager) AdoptGeneration(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[name]; !ok {
		m.generations[name] = newGeneration(name)
	}
}

// Install eagerly precaches the static asset manifest and the critical
// entry pages into their generations, so activation never waits on a
// first request. Individual fetch failures are logged, not fatal.
func (m *Manager) Install(ctx context.Context) error {
	m.logger.Info().Str("version", m.version).Msg("precaching static assets and critical pages")

	if err := m.precache(ctx, m.generation(bucketStatic), m.static); err != nil {
		return fmt.Errorf("precache static assets: %w", err)
	}
	if err := m.precache(ctx, m.generation(bucketPages), m.pages); err != nil {
		return fmt.Errorf("precache critical pages: %w", err)
	}
	return nil
}

func (m *Manager) precache(ctx context.Context, gen *Generation, paths []string) error {
	for _, path := range paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.absoluteURL(path), nil)
		if err != nil {
			return err
		}
		resp, err := m.transport.RoundTrip(req)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("precache fetch failed")
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			m.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("precache fetch rejected")
			continue
		}
		if _, err := gen.store(cacheKey(req), resp); err != nil {
			m.logger.Warn().Err(err).Str("path", path).Msg("precache store failed")
		}
	}
	return nil
}

// Activate garbage-collects every generation whose name is not expected
// for the current version and returns the deleted names.
func (m *Manager) Activate(ctx context.Context) []string {
	expected := make(map[string]bool)
	for _, name := range m.expectedNames() {
		expected[name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []string
	for name := range m.generations {
		if !expected[name] {
			delete(m.generations, name)
			deleted = append(deleted, name)
		}
	}
	for _, name := range deleted {
		m.logger.Info().Str("cache", name).Msg("deleted stale cache generation")
	}
	return deleted
}

// CacheURLs fetches the given paths into the dynamic generation.
func (m *Manager) CacheURLs(ctx context.Context, urls []string) {
	if err := m.precache(ctx, m.generation(bucketDynamic), urls); err != nil {
		m.logger.Error().Err(err).Msg("cache urls failed")
	}
}

// ClearAll empties every generation.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.generations {
		m.generations[name] = newGeneration(name)
	}
	m.logger.Info().Msg("all cache generations cleared")
}

// Status reports entry counts per generation name.
func (m *Manager) Status() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]int, len(m.generations))
	for name, gen := range m.generations {
		status[name] = gen.Len()
	}
	return status
}

// GenerationNames lists the currently held generation names.
func (m *Manager) GenerationNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	return names
}

// lookup searches every generation for a cached response, newest
// versions implicitly first since stale generations are collected on
// activate.
func (m *Manager) lookup(key string) *cachedResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, gen := range m.generations {
		if c := gen.get(key); c != nil {
			return c
		}
	}
	return nil
}

func (m *Manager) absoluteURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return m.upstream + path
}
