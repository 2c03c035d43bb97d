package chatrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeCreds implements CredentialStore for testing.
type fakeCreds struct {
	mu         sync.Mutex
	companion  bool
	token      string
	refreshErr error
	refreshes  int
	logins     int
	loginErr   error

	// blockRefresh, when set, holds Refresh until released.
	blockRefresh chan struct{}
}

func (c *fakeCreds) HasCompanion(ctx context.Context, provider string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.companion
}

func (c *fakeCreds) Refresh(ctx context.Context, provider string) (string, error) {
	c.mu.Lock()
	c.refreshes++
	block := c.blockRefresh
	token, err := c.token, c.refreshErr
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	return token, err
}

func (c *fakeCreds) OpenLogin(ctx context.Context, provider string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logins++
	return c.loginErr
}

func (c *fakeCreds) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func newTestManager(creds *fakeCreds) (*TokenManager, *AuthCache) {
	cache := NewAuthCache()
	return NewTokenManager("copilot", cache, creds, nil, nil), cache
}

func TestTokenManager_AcquireRefreshesAndCaches(t *testing.T) {
	creds := &fakeCreds{companion: true, token: "tok-1"}
	m, cache := newTestManager(creds)

	session, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if session.AccessToken != "tok-1" {
		t.Errorf("AccessToken = %q, want tok-1", session.AccessToken)
	}
	if !session.IsStart || session.ConversationID == "" {
		t.Errorf("session not initialized: %+v", session)
	}
	if cache.Get("copilot") != "tok-1" {
		t.Error("token not cached")
	}

	// Second acquire hits the cache, no further refresh.
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if creds.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", creds.refreshCount())
	}
}

func TestTokenManager_ExpiredCacheNeverReturned(t *testing.T) {
	creds := &fakeCreds{companion: true, token: "fresh"}
	m, cache := newTestManager(creds)

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Put("copilot", "stale")

	now = now.Add(TokenTTL + time.Minute)

	session, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if session.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, stale token must never be returned", session.AccessToken)
	}
	if creds.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1 (cache miss)", creds.refreshCount())
	}
}

func TestTokenManager_MissingCompanionInvalidatesCache(t *testing.T) {
	creds := &fakeCreds{companion: false, token: "renewed"}
	m, cache := newTestManager(creds)

	cache.Put("copilot", "cached")

	session, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	// The cached token was fresh but the companion credential is gone, so
	// the cache entry must be discarded and the token re-acquired.
	if session.AccessToken != "renewed" {
		t.Errorf("AccessToken = %q, want renewed", session.AccessToken)
	}
	if creds.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", creds.refreshCount())
	}
}

func TestTokenManager_AuthRequired(t *testing.T) {
	creds := &fakeCreds{refreshErr: errors.New("no stored credentials")}
	m, _ := newTestManager(creds)

	_, err := m.Acquire(context.Background())
	if !IsAuthRequired(err) {
		t.Fatalf("err = %v, want auth-required", err)
	}
	if creds.logins != 1 {
		t.Errorf("logins = %d, want 1", creds.logins)
	}

	// While the login surface is open, further acquires report
	// in-progress instead of opening a second surface.
	_, err = m.Acquire(context.Background())
	var ae *AuthError
	if !errors.As(err, &ae) || !ae.InProgress {
		t.Fatalf("err = %v, want in-progress", err)
	}
	if creds.logins != 1 {
		t.Errorf("logins = %d, want still 1", creds.logins)
	}

	// The out-of-band completion signal re-enables acquisition.
	creds.mu.Lock()
	creds.refreshErr = nil
	creds.token = "after-login"
	creds.companion = true
	creds.mu.Unlock()
	m.CompleteLogin()

	session, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after login error: %v", err)
	}
	if session.AccessToken != "after-login" {
		t.Errorf("AccessToken = %q, want after-login", session.AccessToken)
	}
}

func TestTokenManager_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	creds := &fakeCreds{companion: true, token: "tok", blockRefresh: release}
	m, _ := newTestManager(creds)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Acquire(context.Background())
		}()
	}

	// Let the goroutines pile up on the in-flight refresh, then release.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := creds.refreshCount(); got != 1 {
		t.Errorf("refreshes = %d, want 1 (single-flight)", got)
	}
}

func TestTokenManager_PersistRestore(t *testing.T) {
	creds := &fakeCreds{companion: true}
	store := NewMemoryStore()
	m := NewTokenManager("copilot", NewAuthCache(), creds, store, nil)

	session := &Session{
		AccessToken:    "tok",
		ConversationID: "conv-1",
		ParentID:       "turn-3",
		AcquiredAt:     time.Now(),
	}
	m.Persist(session)

	restored := m.Restore(context.Background())
	if restored == nil {
		t.Fatal("Restore returned nil for a fresh snapshot")
	}
	if restored.ConversationID != "conv-1" || restored.ParentID != "turn-3" {
		t.Errorf("restored = %+v", restored)
	}
}

func TestTokenManager_RestoreExpiredPurges(t *testing.T) {
	creds := &fakeCreds{companion: true}
	store := NewMemoryStore()
	m := NewTokenManager("copilot", NewAuthCache(), creds, store, nil)

	m.Persist(&Session{AccessToken: "tok", AcquiredAt: time.Now().Add(-TokenTTL - time.Minute)})

	if restored := m.Restore(context.Background()); restored != nil {
		t.Fatalf("Restore = %+v, want nil for expired snapshot", restored)
	}
	if stored, _ := store.Load(); stored != nil {
		t.Error("expired snapshot was not purged")
	}
}

func TestTokenManager_RestoreWithoutCompanion(t *testing.T) {
	creds := &fakeCreds{companion: false}
	store := NewMemoryStore()
	m := NewTokenManager("copilot", NewAuthCache(), creds, store, nil)

	m.Persist(&Session{AccessToken: "tok", AcquiredAt: time.Now()})

	if restored := m.Restore(context.Background()); restored != nil {
		t.Fatalf("Restore = %+v, want nil without companion credential", restored)
	}
}
