// Package lifecycle manages the background context's install → activate
// transitions and the control messages foreground contexts send it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"sogara/internal/events"
	"sogara/internal/webcache"

	"github.com/rs/zerolog"
)

// State of the background context.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Control message types accepted from foreground contexts.
const (
	MsgSkipWaiting    = "SKIP_WAITING"
	MsgClaimClients   = "CLAIM_CLIENTS"
	MsgCacheURLs      = "CACHE_URLS"
	MsgClearCache     = "CLEAR_CACHE"
	MsgGetCacheStatus = "GET_CACHE_STATUS"
)

// ControlMessage is a foreground → background instruction.
type ControlMessage struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

// UpdatePayload notifies clients that a new version took over.
type UpdatePayload struct {
	Version string `json:"version"`
}

// Controller drives the background context through its lifecycle and
// owns the contract with foreground clients.
type Controller struct {
	cache   *webcache.Manager
	bus     *events.EventBus
	version string
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func NewController(cache *webcache.Manager, bus *events.EventBus, version string, logger *zerolog.Logger) *Controller {
	return &Controller{
		cache:   cache,
		bus:     bus,
		version: version,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
		state:   StateNew,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Info().Str("state", string(s)).Msg("lifecycle transition")
}

// Install precaches eagerly, then either waits for the previous version
// to release its clients or activates immediately when skip-waiting was
// requested.
func (c *Controller) Install(ctx context.Context) error {
	c.setState(StateInstalling)

	if err := c.cache.Install(ctx); err != nil {
		return fmt.Errorf("install precache: %w", err)
	}

	c.mu.Lock()
	skip := c.skipWaiting
	c.mu.Unlock()

	if skip {
		return c.Activate(ctx)
	}
	c.setState(StateWaiting)
	return nil
}

// Activate garbage-collects stale cache generations, takes control of
// all foreground clients and announces the new version.
func (c *Controller) Activate(ctx context.Context) error {
	c.setState(StateActivating)

	deleted := c.cache.Activate(ctx)
	if len(deleted) > 0 {
		c.logger.Info().Strs("deleted", deleted).Msg("stale cache generations collected")
	}

	c.setState(StateActivated)
	c.ClaimClients()
	return nil
}

// SkipWaiting activates the pending version immediately.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	c.skipWaiting = true
	waiting := c.state == StateWaiting
	c.mu.Unlock()

	if waiting {
		return c.Activate(ctx)
	}
	return nil
}

// ClaimClients tells every connected foreground context that this
// version now controls it.
func (c *Controller) ClaimClients() {
	_ = c.bus.PublishJSON(events.EventUpdateAvailable, UpdatePayload{Version: c.version})
}

// Handle services one control message and returns its reply payload,
// when the message type has one.
func (c *Controller) Handle(ctx context.Context, msg ControlMessage) (any, error) {
	switch msg.Type {
	case MsgSkipWaiting:
		return nil, c.SkipWaiting(ctx)
	case MsgClaimClients:
		c.ClaimClients()
		return nil, nil
	case MsgCacheURLs:
		c.cache.CacheURLs(ctx, msg.URLs)
		return nil, nil
	case MsgClearCache:
		c.cache.ClearAll()
		_ = c.bus.PublishJSON(events.EventCacheCleared, nil)
		return nil, nil
	case MsgGetCacheStatus:
		return c.cache.Status(), nil
	default:
		return nil, fmt.Errorf("unknown control message: %s", msg.Type)
	}
}
