package chatrelay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Registry owns every live socket. Sockets are referenced by integer id,
// assigned by slot position; an id is never reused while its slot holds a
// live socket. The registry demultiplexes inbound wire data into per-socket
// frame buffers and intercepts protocol control frames before they reach
// the caller.
type Registry struct {
	dial    Dialer
	limiter *RateLimiter
	logger  *slog.Logger
	cfg     registryConfig

	onSend    func(*Frame)
	onReceive func(*Frame)

	mu    sync.Mutex
	slots []*socket
	now   func() time.Time
}

type registryConfig struct {
	backoffBase       time.Duration
	backoffCap        time.Duration
	openAttempts      int
	frameBuffer       int
	closePoll         time.Duration
	closeWait         time.Duration
	keepaliveInterval time.Duration
	idleThreshold     time.Duration
}

func defaultRegistryConfig() registryConfig {
	return registryConfig{
		backoffBase:       500 * time.Millisecond,
		backoffCap:        10 * time.Second,
		openAttempts:      3,
		frameBuffer:       64,
		closePoll:         50 * time.Millisecond,
		closeWait:         2 * time.Second,
		keepaliveInterval: 15 * time.Second,
		idleThreshold:     30 * time.Second,
	}
}

// socket is one registry slot. Owned exclusively by the Registry; callers
// only ever hold its id.
type socket struct {
	id   int
	conn Conn

	mu       sync.Mutex
	state    ReadyState
	lastRecv time.Time

	frames    chan recvItem
	closeOnce sync.Once

	cancelRead context.CancelFunc
	keepalive  *keepalive
}

// recvItem is one buffered receive result. A token-error frame travels as
// an error so callers can distinguish it without inspecting frame text.
type recvItem struct {
	frame *Frame
	err   error
}

// Received is the result of one blocking receive.
type Received struct {
	Frame *Frame
	State ReadyState
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a structured logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithOpenAttempts bounds internal creation attempts per Open call.
func WithOpenAttempts(n int) RegistryOption {
	return func(r *Registry) { r.cfg.openAttempts = n }
}

// WithOpenBackoff sets the exponential backoff base and cap for creation
// retries.
func WithOpenBackoff(base, cap time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cfg.backoffBase = base
		r.cfg.backoffCap = cap
	}
}

// WithKeepalive sets the ping interval and the idle threshold after which a
// silent socket is force-closed.
func WithKeepalive(interval, idleThreshold time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cfg.keepaliveInterval = interval
		r.cfg.idleThreshold = idleThreshold
	}
}

// WithOnSend registers a hook invoked for each outbound frame.
func WithOnSend(fn func(*Frame)) RegistryOption {
	return func(r *Registry) { r.onSend = fn }
}

// WithOnReceive registers a hook invoked for each inbound frame, before any
// control-frame interception.
func WithOnReceive(fn func(*Frame)) RegistryOption {
	return func(r *Registry) { r.onReceive = fn }
}

// WithCloseWait sets the graceful-close poll interval and bound.
func WithCloseWait(poll, max time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cfg.closePoll = poll
		r.cfg.closeWait = max
	}
}

// NewRegistry creates a Registry using dial for connection establishment and
// limiter for admission control on creation attempts. limiter may be nil.
func NewRegistry(dial Dialer, limiter *RateLimiter, opts ...RegistryOption) *Registry {
	r := &Registry{
		dial:    dial,
		limiter: limiter,
		cfg:     defaultRegistryConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backoff returns min(base * 2^attempt, cap).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Open establishes a new connection, optionally sending one initial frame
// once open, and returns the socket id. Creation is retried with
// exponential backoff up to the configured attempt budget; the final
// failure is returned as a creation-failed TransportError.
func (r *Registry) Open(ctx context.Context, url string, headers map[string]string, initial []byte) (int, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.openAttempts; attempt++ {
		if attempt > 0 {
			delay := Backoff(r.cfg.backoffBase, r.cfg.backoffCap, attempt-1)
			r.log("retrying socket open", slog.Int("attempt", attempt), slog.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			case <-timer.C:
			}
		}

		id, err := r.openOnce(ctx, url, headers, initial)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			return 0, err
		}
		lastErr = err
	}

	return 0, &TransportError{Kind: KindCreationFailed, Op: "open", URL: url, Err: lastErr}
}

func (r *Registry) openOnce(ctx context.Context, url string, headers map[string]string, initial []byte) (int, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	conn, err := r.dial(ctx, url, headers)
	if err != nil {
		return 0, err
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	s := &socket{
		conn:       conn,
		state:      StateOpen,
		lastRecv:   r.now(),
		frames:     make(chan recvItem, r.cfg.frameBuffer),
		cancelRead: cancelRead,
	}

	r.mu.Lock()
	s.id = r.allocSlotLocked(s)
	r.mu.Unlock()

	if initial != nil {
		if err := conn.Write(ctx, initial); err != nil {
			r.destroy(s)
			return 0, err
		}
	}

	s.keepalive = newKeepalive(r.cfg.keepaliveInterval, r.cfg.idleThreshold, keepaliveHooks{
		lastActivity: s.lastActivity,
		ping: func(ctx context.Context) error {
			return conn.Write(ctx, NewPingFrame())
		},
		idle: func() {
			r.log("keepalive idle threshold exceeded, force-closing", slog.Int("socket_id", s.id))
			r.destroy(s)
		},
	})

	go r.readLoop(readCtx, s)

	r.log("socket opened", slog.Int("socket_id", s.id), slog.String("url", url))
	return s.id, nil
}

// allocSlotLocked places s in the first free slot and returns its index.
func (r *Registry) allocSlotLocked(s *socket) int {
	for i, slot := range r.slots {
		if slot == nil {
			r.slots[i] = s
			return i
		}
	}
	r.slots = append(r.slots, s)
	return len(r.slots) - 1
}

// Send writes one encoded payload on an open socket. A payload carrying a
// close directive closes the socket instead.
func (r *Registry) Send(ctx context.Context, id int, payload []byte) error {
	s := r.lookup(id)
	if s == nil {
		return ErrSocketNotFound
	}

	frames, _ := SplitFrames(payload)
	if len(frames) == 1 && frames[0].IsClose() {
		return r.Close(ctx, id)
	}
	if r.onSend != nil {
		for _, f := range frames {
			r.onSend(f)
		}
	}

	s.mu.Lock()
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open {
		return &TransportError{Kind: KindNotOpen, Op: "send"}
	}

	return s.conn.Write(ctx, payload)
}

// Receive suspends until a frame is buffered on the socket, or returns
// immediately if one is already queued. The socket's connection state is
// returned alongside so callers can observe a transition out of open
// without a separate poll. A buffered token error is returned as an
// AuthError.
func (r *Registry) Receive(ctx context.Context, id int) (*Received, error) {
	s := r.lookup(id)
	if s == nil {
		return nil, ErrSocketNotFound
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-s.frames:
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if !ok {
			return &Received{State: StateClosed}, nil
		}
		if item.err != nil {
			return nil, item.err
		}
		return &Received{Frame: item.frame, State: state}, nil
	}
}

// Close gracefully closes a socket. The registry slot is cleared
// immediately (the id becomes free), then the underlying connection is
// polled at a short interval until it reports fully closed, bounded by the
// configured wait. Exceeding the bound is logged, not fatal.
func (r *Registry) Close(ctx context.Context, id int) error {
	s := r.lookup(id)
	if s == nil {
		return ErrSocketNotFound
	}

	r.destroy(s)

	deadline := time.Now().Add(r.cfg.closeWait)
	for !s.conn.Closed() {
		if time.Now().After(deadline) {
			r.log("socket did not close within bound", slog.Int("socket_id", id))
			break
		}
		timer := time.NewTimer(r.cfg.closePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// CloseAll destroys every live socket. Used on engine shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	live := make([]*socket, 0, len(r.slots))
	for _, s := range r.slots {
		if s != nil {
			live = append(live, s)
		}
	}
	r.mu.Unlock()

	for _, s := range live {
		r.destroy(s)
	}
}

// State returns the connection state for a socket id, or StateClosed if the
// slot is free.
func (r *Registry) State(id int) ReadyState {
	s := r.lookup(id)
	if s == nil {
		return StateClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (r *Registry) lookup(id int) *socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// destroy clears the slot (if s still owns it), stops the keepalive timer
// and read loop, and begins closing the connection. Safe to call more than
// once.
func (r *Registry) destroy(s *socket) {
	r.mu.Lock()
	if s.id >= 0 && s.id < len(r.slots) && r.slots[s.id] == s {
		r.slots[s.id] = nil
	}
	r.mu.Unlock()

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		if s.keepalive != nil {
			s.keepalive.stop()
		}
		s.cancelRead()

		go func() {
			_ = s.conn.Close()
			s.mu.Lock()
			s.state = StateClosed
			s.mu.Unlock()
		}()
	})
}

// readLoop reads wire payloads, splits them into frames, intercepts control
// frames, and buffers the rest for Receive. Exits when the connection
// errors or the socket is destroyed; the frame channel is closed on exit so
// pending receives observe the closed state.
func (r *Registry) readLoop(ctx context.Context, s *socket) {
	defer close(s.frames)

	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			wasOpen := s.state == StateOpen
			s.mu.Unlock()
			if wasOpen {
				r.log("socket read failed", slog.Int("socket_id", s.id), slog.String("error", err.Error()))
				r.destroy(s)
			}
			return
		}

		s.mu.Lock()
		s.lastRecv = r.now()
		s.mu.Unlock()

		frames, malformed := SplitFrames(data)
		if malformed > 0 {
			r.log("dropped malformed frame fragments", slog.Int("socket_id", s.id), slog.Int("count", malformed))
		}

		for _, f := range frames {
			if r.onReceive != nil {
				r.onReceive(f)
			}
			switch {
			case f.IsPong():
				// keepalive reply, swallow
			case f.IsPing():
				_ = s.conn.Write(ctx, EncodeFrame(&Frame{Event: EventPong}))
			case f.IsTokenError():
				s.deliver(ctx, recvItem{err: &AuthError{Err: errors.New(f.Error)}})
			case f.IsDisconnect():
				s.deliver(ctx, recvItem{frame: f})
				r.destroy(s)
				return
			default:
				s.deliver(ctx, recvItem{frame: f})
			}
		}
	}
}

// deliver buffers one item, blocking for backpressure if the buffer is
// full.
func (s *socket) deliver(ctx context.Context, item recvItem) {
	select {
	case s.frames <- item:
	case <-ctx.Done():
	}
}

// lastActivity returns the time of the last inbound payload.
func (s *socket) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecv
}

func (r *Registry) log(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}
