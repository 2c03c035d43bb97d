package chatrelay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// TokenTTL bounds how long a cached token or persisted session snapshot is
// trusted.
const TokenTTL = time.Hour

// Session is the authenticated, continuable conversational context.
type Session struct {
	AccessToken    string    `json:"accessToken"`
	ConversationID string    `json:"conversationId,omitempty"`
	ParentID       string    `json:"parentId,omitempty"`
	IsStart        bool      `json:"isStartOfSession"`
	AcquiredAt     time.Time `json:"timestamp"`
}

// Expired reports whether the session's token is past the TTL at now.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.AcquiredAt) > TokenTTL
}

// Advance records the continuation point after a completed turn, so the
// next send resumes the same conversation.
func (s *Session) Advance(parentID string) {
	s.IsStart = false
	if parentID != "" {
		s.ParentID = parentID
	}
}

// AuthCache holds acquired tokens keyed by provider, shared across all
// conversations using the same manager. Entries older than the TTL are
// never returned.
type AuthCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	token     string
	timestamp time.Time
}

// NewAuthCache creates an empty token cache.
func NewAuthCache() *AuthCache {
	return &AuthCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached token for provider, or "" if absent or expired.
// Expired entries are purged.
func (c *AuthCache) Get(provider string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[provider]
	if !ok {
		return ""
	}
	if c.now().Sub(e.timestamp) > TokenTTL {
		delete(c.entries, provider)
		return ""
	}
	return e.token
}

// Put stores a token for provider with the current timestamp.
func (c *AuthCache) Put(provider, token string) {
	c.mu.Lock()
	c.entries[provider] = cacheEntry{token: token, timestamp: c.now()}
	c.mu.Unlock()
}

// Invalidate removes the entry for provider.
func (c *AuthCache) Invalidate(provider string) {
	c.mu.Lock()
	delete(c.entries, provider)
	c.mu.Unlock()
}

// CredentialStore abstracts the credential surfaces the token manager
// relies on: the companion credential that must accompany a cached token,
// silent token refresh from stored credentials, and the interactive login
// surface of last resort.
type CredentialStore interface {
	// HasCompanion reports whether the companion credential (e.g. the auth
	// cookie) is still present for provider.
	HasCompanion(ctx context.Context, provider string) bool

	// Refresh attempts a silent token refresh from stored credentials.
	Refresh(ctx context.Context, provider string) (string, error)

	// OpenLogin opens an interactive login surface. The manager will not
	// call this again until CompleteLogin is signaled.
	OpenLogin(ctx context.Context, provider string) error
}

// TokenManager acquires, caches, and refreshes bearer tokens, and
// persists/restores session snapshots. Concurrent Acquire calls
// single-flight onto one attempt; callers arriving while an interactive
// login surface is open get an in-progress error instead of a second
// surface.
type TokenManager struct {
	provider string
	cache    *AuthCache
	creds    CredentialStore
	store    SnapshotStore
	logger   *slog.Logger
	now      func() time.Time

	sf singleflight.Group

	mu        sync.Mutex
	loginOpen bool
}

// NewTokenManager creates a manager for one provider. store may be nil, in
// which case Persist and Restore are no-ops.
func NewTokenManager(provider string, cache *AuthCache, creds CredentialStore, store SnapshotStore, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		provider: provider,
		cache:    cache,
		creds:    creds,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Acquire returns a fresh session. The cache is consulted first; a cached
// token is only trusted if the companion credential is still present. With
// no usable cache entry, a silent refresh is attempted; if that fails, an
// interactive login surface is opened and an auth-required error returned.
// The caller must wait for the completion signal before retrying.
func (m *TokenManager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.loginOpen {
		m.mu.Unlock()
		return nil, &AuthError{InProgress: true}
	}
	m.mu.Unlock()

	v, err, _ := m.sf.Do("acquire", func() (any, error) {
		return m.acquire(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *TokenManager) acquire(ctx context.Context) (*Session, error) {
	if token := m.cache.Get(m.provider); token != "" {
		if m.creds.HasCompanion(ctx, m.provider) {
			return m.newSession(token), nil
		}
		// Fresh cache entry but the companion credential is gone; the
		// token can no longer be trusted.
		m.log("companion credential missing, invalidating cached token")
		m.cache.Invalidate(m.provider)
	}

	token, err := m.creds.Refresh(ctx, m.provider)
	if err == nil && token != "" {
		m.cache.Put(m.provider, token)
		return m.newSession(token), nil
	}

	m.mu.Lock()
	m.loginOpen = true
	m.mu.Unlock()

	if err := m.creds.OpenLogin(ctx, m.provider); err != nil {
		m.mu.Lock()
		m.loginOpen = false
		m.mu.Unlock()
		return nil, &AuthError{Err: err}
	}

	return nil, &AuthError{Required: true}
}

// CompleteLogin is the out-of-band signal that the interactive login
// finished. It re-enables Acquire.
func (m *TokenManager) CompleteLogin() {
	m.mu.Lock()
	m.loginOpen = false
	m.mu.Unlock()
}

// LoginOpen reports whether an interactive login surface is currently open.
func (m *TokenManager) LoginOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginOpen
}

// Invalidate drops the cached token for this provider. Called on
// token-related protocol errors.
func (m *TokenManager) Invalidate() {
	m.cache.Invalidate(m.provider)
}

// Persist snapshots the session to durable storage.
func (m *TokenManager) Persist(session *Session) {
	if m.store == nil || session == nil {
		return
	}
	if err := m.store.Save(session); err != nil {
		m.log("failed to persist session snapshot", slog.String("error", err.Error()))
	}
}

// Restore loads a persisted session snapshot if one exists, is within the
// TTL, and the companion credential is still present. Expired or orphaned
// snapshots are purged and nil is returned.
func (m *TokenManager) Restore(ctx context.Context) *Session {
	if m.store == nil {
		return nil
	}
	session, err := m.store.Load()
	if err != nil || session == nil {
		return nil
	}
	if session.Expired(m.now()) || !m.creds.HasCompanion(ctx, m.provider) {
		_ = m.store.Clear()
		return nil
	}
	return session
}

func (m *TokenManager) newSession(token string) *Session {
	return &Session{
		AccessToken:    token,
		ConversationID: uuid.New().String(),
		IsStart:        true,
		AcquiredAt:     m.now(),
	}
}

func (m *TokenManager) log(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
