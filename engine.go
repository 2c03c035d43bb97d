package chatrelay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Engine is the top-level session relay. It wires the transport registry
// behind the cross-context bus, manages credentials, and exposes one
// resumable conversation.
type Engine struct {
	cfg engineConfig

	bus      *Bus
	registry *Registry
	tokens   *TokenManager
	conv     *Conversation

	closeOnce sync.Once
}

type engineConfig struct {
	url      string
	origin   string
	provider string
	dial     Dialer
	creds    CredentialStore
	store    SnapshotStore
	logger   *slog.Logger

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	openAttempts int

	rateMax    int
	rateWindow time.Duration
	rateDelay  time.Duration

	keepaliveInterval time.Duration
	idleThreshold     time.Duration
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		origin:            "controller",
		provider:          "default",
		dial:              DialWebSocket,
		maxRetries:        3,
		backoffBase:       time.Second,
		backoffCap:        30 * time.Second,
		openAttempts:      3,
		rateMax:           10,
		rateWindow:        time.Minute,
		rateDelay:         2 * time.Second,
		keepaliveInterval: 15 * time.Second,
		idleThreshold:     30 * time.Second,
	}
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

// WithLogger sets a structured logger for all components.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = logger }
}

// WithDialer replaces the production WebSocket dialer.
func WithDialer(dial Dialer) EngineOption {
	return func(c *engineConfig) { c.dial = dial }
}

// WithOrigin sets the controller origin validated by the transport
// endpoint.
func WithOrigin(origin string) EngineOption {
	return func(c *engineConfig) { c.origin = origin }
}

// WithProvider sets the auth provider key used by the token cache.
func WithProvider(provider string) EngineOption {
	return func(c *engineConfig) { c.provider = provider }
}

// WithSnapshotStore sets the durable store for session snapshots.
func WithSnapshotStore(store SnapshotStore) EngineOption {
	return func(c *engineConfig) { c.store = store }
}

// WithRetryPolicy sets the per-turn reconnect budget and the backoff base
// and cap.
func WithRetryPolicy(maxRetries int, base, cap time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.maxRetries = maxRetries
		c.backoffBase = base
		c.backoffCap = cap
	}
}

// WithRateLimit bounds socket creation to maxRequests per window, with a
// fixed delay between denied attempts.
func WithRateLimit(maxRequests int, window, retryDelay time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.rateMax = maxRequests
		c.rateWindow = window
		c.rateDelay = retryDelay
	}
}

// WithKeepalivePolicy sets the ping interval and idle force-close
// threshold on sockets.
func WithKeepalivePolicy(interval, idleThreshold time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.keepaliveInterval = interval
		c.idleThreshold = idleThreshold
	}
}

// New creates an engine for the chat backend at url, authenticating
// through creds. A persisted session within its TTL is restored so the
// first send resumes the previous conversation.
func New(ctx context.Context, url string, creds CredentialStore, opts ...EngineOption) *Engine {
	cfg := defaultEngineConfig()
	cfg.url = url
	cfg.creds = creds
	for _, opt := range opts {
		opt(&cfg)
	}

	limiter := NewRateLimiter(cfg.rateMax, cfg.rateWindow, cfg.rateDelay)
	registry := NewRegistry(cfg.dial, limiter,
		WithRegistryLogger(cfg.logger),
		WithOpenAttempts(cfg.openAttempts),
		WithOpenBackoff(cfg.backoffBase, cfg.backoffCap),
		WithKeepalive(cfg.keepaliveInterval, cfg.idleThreshold),
	)

	tokens := NewTokenManager(cfg.provider, NewAuthCache(), cfg.creds, cfg.store, cfg.logger)

	bus := NewBus(cfg.origin, cfg.logger)
	bus.Endpoint.Handle(ActionSocket, SocketHandler(registry))
	bus.Endpoint.Handle(ActionAuth, AuthHandler(tokens))

	conv := NewConversation(NewRegistryClient(bus.Controller), tokens, url,
		WithConvLogger(cfg.logger),
		WithMaxRetries(cfg.maxRetries),
		WithReconnectBackoff(cfg.backoffBase, cfg.backoffCap),
	)

	if session := tokens.Restore(ctx); session != nil {
		conv.RestoreSession(session)
	}

	return &Engine{
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		tokens:   tokens,
		conv:     conv,
	}
}

// Send submits a prompt on the engine's conversation.
func (e *Engine) Send(ctx context.Context, prompt string) (*TurnStream, error) {
	return e.conv.Send(ctx, prompt)
}

// State returns the conversation's lifecycle state.
func (e *Engine) State() ConvState {
	return e.conv.State()
}

// Session returns the active session, or nil.
func (e *Engine) Session() *Session {
	return e.conv.Session()
}

// CompleteLogin signals that the interactive login finished, re-enabling
// token acquisition.
func (e *Engine) CompleteLogin() {
	e.tokens.CompleteLogin()
}

// Close shuts down the bus and destroys all live sockets.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.bus.Close()
		e.registry.CloseAll()
	})
}
