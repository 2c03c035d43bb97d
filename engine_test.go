package chatrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(dialer *fakeDialer, creds *fakeCreds, opts ...EngineOption) *Engine {
	base := []EngineOption{
		WithDialer(dialer.dial),
		WithRetryPolicy(2, time.Millisecond, 4*time.Millisecond),
		WithKeepalivePolicy(time.Minute, 2*time.Minute),
		WithProvider("copilot"),
	}
	return New(context.Background(), "wss://example.com/chat", creds, append(base, opts...)...)
}

func TestEngine_SendStreamsOverBus(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	creds := &fakeCreds{companion: true, token: "tok-1"}
	eng := newTestEngine(dialer, creds)
	defer eng.Close()

	stream, err := eng.Send(context.Background(), "what is Go?")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	conn.waitWrite(t, time.Second) // protocol negotiation
	frames := conn.waitWrite(t, time.Second)
	if len(frames) != 1 || frames[0].Text != "what is Go?" {
		t.Fatalf("content frame = %+v, want the prompt", frames)
	}

	conn.push(&Frame{Event: EventAppendText, Text: "A language "})
	conn.push(&Frame{Event: EventAppendText, Text: "from Google."})
	conn.push(&Frame{Event: EventDone, ParentID: "msg-1"})

	text, err := collect(t, stream)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}
	if text != "A language from Google." {
		t.Errorf("text = %q", text)
	}
	if eng.State() != ConvIdle {
		t.Errorf("state = %v, want idle after done", eng.State())
	}
	sess := eng.Session()
	if sess == nil || sess.ParentID != "msg-1" {
		t.Errorf("session = %+v, want parent msg-1", sess)
	}
}

func TestEngine_LoginFlow(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	creds := &fakeCreds{companion: true, refreshErr: errors.New("no credentials")}
	eng := newTestEngine(dialer, creds)
	defer eng.Close()

	stream, err := eng.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	_, err = collect(t, stream)
	if !IsAuthRequired(err) {
		t.Fatalf("turn error = %v, want auth required", err)
	}
	if eng.State() != ConvAuthenticating {
		t.Fatalf("state = %v, want authenticating while login is open", eng.State())
	}

	// The user completes the interactive login; the next send succeeds.
	creds.mu.Lock()
	creds.refreshErr = nil
	creds.token = "tok-2"
	creds.mu.Unlock()
	eng.CompleteLogin()

	stream, err = eng.Send(context.Background(), "hello again")
	if err != nil {
		t.Fatalf("Send after login error: %v", err)
	}
	conn.waitWrite(t, time.Second)
	conn.waitWrite(t, time.Second)
	conn.push(&Frame{Event: EventAppendText, Text: "welcome back"})
	conn.push(&Frame{Event: EventDone})

	text, err := collect(t, stream)
	if err != nil {
		t.Fatalf("turn error: %v", err)
	}
	if text != "welcome back" {
		t.Errorf("text = %q", text)
	}
}

func TestEngine_RestoresPersistedSession(t *testing.T) {
	store := NewMemoryStore()
	creds := &fakeCreds{companion: true, token: "tok-1"}

	conn := newFakeConn()
	eng := newTestEngine(&fakeDialer{conns: []*fakeConn{conn}}, creds, WithSnapshotStore(store))

	stream, err := eng.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	conn.waitWrite(t, time.Second)
	conn.waitWrite(t, time.Second)
	conn.push(&Frame{Event: EventAppendText, Text: "hi"})
	conn.push(&Frame{Event: EventDone, ConversationID: "conv-persisted", ParentID: "msg-7"})
	if _, err := collect(t, stream); err != nil {
		t.Fatalf("turn error: %v", err)
	}
	eng.Close()

	// A fresh engine over the same store resumes the conversation.
	eng2 := newTestEngine(&fakeDialer{}, creds, WithSnapshotStore(store))
	defer eng2.Close()

	sess := eng2.Session()
	if sess == nil {
		t.Fatal("no session restored")
	}
	if sess.ConversationID != "conv-persisted" || sess.ParentID != "msg-7" {
		t.Errorf("restored session = %+v", sess)
	}
	if sess.IsStart {
		t.Error("restored session still marked as conversation start")
	}
}

func TestEngine_SkipsExpiredSnapshot(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save(&Session{
		AccessToken:    "tok-old",
		ConversationID: "conv-old",
		AcquiredAt:     time.Now().Add(-2 * TokenTTL),
	}); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	creds := &fakeCreds{companion: true, token: "tok-1"}
	eng := newTestEngine(&fakeDialer{}, creds, WithSnapshotStore(store))
	defer eng.Close()

	if eng.Session() != nil {
		t.Error("expired snapshot restored")
	}
	if sess, err := store.Load(); err != nil || sess != nil {
		t.Errorf("expired snapshot not purged: %+v, %v", sess, err)
	}
}

func TestEngine_CloseDestroysSockets(t *testing.T) {
	conn := newFakeConn()
	creds := &fakeCreds{companion: true, token: "tok-1"}
	eng := newTestEngine(&fakeDialer{conns: []*fakeConn{conn}}, creds)

	stream, err := eng.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	conn.waitWrite(t, time.Second)
	conn.waitWrite(t, time.Second)

	eng.Close()

	deadline := time.Now().Add(time.Second)
	for !conn.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("socket not destroyed on engine close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = stream
}

func TestEngine_Defaults(t *testing.T) {
	cfg := defaultEngineConfig()
	if cfg.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", cfg.maxRetries)
	}
	if cfg.rateMax != 10 || cfg.rateWindow != time.Minute {
		t.Errorf("rate limit = %d per %v, want 10 per minute", cfg.rateMax, cfg.rateWindow)
	}
	if cfg.keepaliveInterval != 15*time.Second || cfg.idleThreshold != 30*time.Second {
		t.Errorf("keepalive = %v/%v", cfg.keepaliveInterval, cfg.idleThreshold)
	}
}
