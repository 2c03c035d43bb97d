package chatrelay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConvState is the conversation lifecycle state.
type ConvState string

const (
	ConvIdle           ConvState = "idle"
	ConvAuthenticating ConvState = "authenticating"
	ConvConnecting     ConvState = "connecting"
	ConvStreaming      ConvState = "streaming"
	ConvReconnecting   ConvState = "reconnecting"
	ConvDone           ConvState = "done"
	ConvFatal          ConvState = "fatal"
)

// SocketService is what the conversation needs from the transport layer.
// Registry implements it directly; RegistryClient implements it across the
// relay bus; PullService implements it over a pull-based event stream.
type SocketService interface {
	Open(ctx context.Context, url string, headers map[string]string, initial []byte) (int, error)
	Send(ctx context.Context, id int, payload []byte) error
	Receive(ctx context.Context, id int) (*Received, error)
	Close(ctx context.Context, id int) error
}

// HeaderFunc builds per-connection headers from the active session.
type HeaderFunc func(session *Session) map[string]string

// BearerHeaders is the default HeaderFunc, sending the session token as a
// bearer credential.
func BearerHeaders(session *Session) map[string]string {
	if session == nil || session.AccessToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + session.AccessToken}
}

type convConfig struct {
	url         string
	headers     HeaderFunc
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func defaultConvConfig() convConfig {
	return convConfig{
		headers:     BearerHeaders,
		maxRetries:  3,
		backoffBase: time.Second,
		backoffCap:  30 * time.Second,
	}
}

// ConvOption configures a Conversation.
type ConvOption func(*Conversation)

// WithMaxRetries sets the reconnect budget per turn.
func WithMaxRetries(n int) ConvOption {
	return func(c *Conversation) { c.cfg.maxRetries = n }
}

// WithReconnectBackoff sets the base and cap of the reconnect delay
// min(base * 2^retryCount, cap).
func WithReconnectBackoff(base, cap time.Duration) ConvOption {
	return func(c *Conversation) {
		c.cfg.backoffBase = base
		c.cfg.backoffCap = cap
	}
}

// WithHeaders overrides the per-connection header builder.
func WithHeaders(fn HeaderFunc) ConvOption {
	return func(c *Conversation) { c.cfg.headers = fn }
}

// WithConvLogger sets a structured logger for the conversation.
func WithConvLogger(logger *slog.Logger) ConvOption {
	return func(c *Conversation) { c.logger = logger }
}

// Conversation drives the send/receive lifecycle of one conversational
// session: authentication, connection, streaming, reconnection with
// exponential backoff, and terminal handling. One turn is in flight at a
// time; sending re-enables when the turn reaches a terminal state.
type Conversation struct {
	sockets SocketService
	tokens  *TokenManager
	cfg     convConfig
	logger  *slog.Logger

	mu         sync.Mutex
	state      ConvState
	session    *Session
	socketID   int
	hasSocket  bool
	retryCount int
	inFlight   bool
	fatalErr   error
}

// NewConversation creates a conversation engine over the given transport
// and token manager, connecting to url.
func NewConversation(sockets SocketService, tokens *TokenManager, url string, opts ...ConvOption) *Conversation {
	c := &Conversation{
		sockets: sockets,
		tokens:  tokens,
		cfg:     defaultConvConfig(),
		state:   ConvIdle,
	}
	c.cfg.url = url
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Conversation) State() ConvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the active session, or nil.
func (c *Conversation) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// RestoreSession installs a previously persisted session, so the next send
// resumes the conversation it belongs to.
func (c *Conversation) RestoreSession(session *Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

// Send submits a prompt and returns a stream over the turn. A turn may be
// started from an idle conversation, or from one parked in the
// authenticating state after an auth-required failure. Exactly one turn
// can be in flight.
func (c *Conversation) Send(ctx context.Context, prompt string) (*TurnStream, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrBusyStreaming
	}
	if c.state != ConvIdle && c.state != ConvAuthenticating {
		c.mu.Unlock()
		return nil, ErrBusyStreaming
	}
	c.inFlight = true
	c.retryCount = 0
	if c.session == nil || c.session.AccessToken == "" {
		c.state = ConvAuthenticating
	} else {
		c.state = ConvConnecting
	}
	c.mu.Unlock()

	stream := newTurnStream()
	go c.run(ctx, prompt, stream)
	return stream, nil
}

// run is the state machine loop for one turn. Every transition is explicit;
// there is no recursive retry.
func (c *Conversation) run(ctx context.Context, prompt string, stream *TurnStream) {
	for {
		switch c.State() {
		case ConvAuthenticating:
			if done := c.stepAuthenticate(ctx, stream); done {
				return
			}
		case ConvConnecting:
			c.stepConnect(ctx, prompt)
		case ConvStreaming:
			c.stepStream(ctx, stream)
		case ConvReconnecting:
			if done := c.stepReconnect(ctx, stream); done {
				return
			}
		case ConvDone:
			c.finishTurn(ctx, stream, nil)
			return
		case ConvFatal:
			c.mu.Lock()
			err := c.fatalErr
			c.mu.Unlock()
			c.finishTurn(ctx, stream, err)
			return
		default:
			c.finishTurn(ctx, stream, errors.New("chatrelay: invalid conversation state"))
			return
		}
	}
}

// stepAuthenticate acquires a session. On auth-required the conversation
// stays parked in the authenticating state; the turn fails with the
// recoverable error and the caller retries after the out-of-band login
// completion signal.
func (c *Conversation) stepAuthenticate(ctx context.Context, stream *TurnStream) (done bool) {
	session, err := c.tokens.Acquire(ctx)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) && (ae.Required || ae.InProgress) {
			c.log("authentication pending, parking", slog.Bool("in_progress", ae.InProgress))
			c.mu.Lock()
			c.inFlight = false
			c.mu.Unlock()
			stream.finish(err)
			return true
		}
		c.toFatal(err)
		return false
	}

	c.mu.Lock()
	// A restored conversation keeps its continuation ids; only the token
	// is refreshed.
	if c.session != nil && c.session.ConversationID != "" && !c.session.IsStart {
		c.session.AccessToken = session.AccessToken
		c.session.AcquiredAt = session.AcquiredAt
	} else {
		c.session = session
	}
	c.state = ConvConnecting
	c.mu.Unlock()

	c.tokens.Persist(c.Session())
	return false
}

// stepConnect opens a fresh socket, negotiates the protocol, and sends the
// prompt. Creation retries happen inside the transport layer; a final
// failure is fatal.
func (c *Conversation) stepConnect(ctx context.Context, prompt string) {
	session := c.Session()

	id, err := c.sockets.Open(ctx, c.cfg.url, c.cfg.headers(session), NewNegotiateFrame())
	if err != nil {
		c.toFatal(err)
		return
	}

	if err := c.sockets.Send(ctx, id, NewSendFrame(prompt, session)); err != nil {
		_ = c.sockets.Close(ctx, id)
		c.toFatal(err)
		return
	}

	c.mu.Lock()
	c.socketID = id
	c.hasSocket = true
	c.state = ConvStreaming
	c.mu.Unlock()
	c.log("streaming", slog.Int("socket_id", id))
}

// stepStream consumes one frame and dispatches on its event type.
func (c *Conversation) stepStream(ctx context.Context, stream *TurnStream) {
	c.mu.Lock()
	id := c.socketID
	c.mu.Unlock()

	rcv, err := c.sockets.Receive(ctx, id)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			// Token rejected mid-stream: drop the cached token and the
			// session, release the socket, and reacquire. The retry
			// counter is left alone for the next connect attempt.
			c.log("token error, reauthenticating")
			c.tokens.Invalidate()
			c.releaseSocket(ctx)
			c.mu.Lock()
			c.session = nil
			c.state = ConvAuthenticating
			c.mu.Unlock()
			return
		}
		if errors.Is(err, ErrSocketNotFound) || IsRetryable(err) {
			c.onDisconnect(ctx)
			return
		}
		// Context cancellation and unrecognized receive errors both end
		// the turn with the error surfaced on the stream.
		c.releaseSocket(ctx)
		c.toFatal(err)
		return
	}

	if rcv.Frame == nil {
		// Socket left the open state with nothing buffered; same handling
		// as an explicit disconnect.
		c.onDisconnect(ctx)
		return
	}

	f := rcv.Frame
	switch f.Event {
	case EventAppendText:
		c.markDelivering()
		stream.emitText(f.Text)
	case EventSuggestions:
		c.markDelivering()
		stream.emitSuggestions(f.Suggestions)
	case EventDisconnect:
		c.onDisconnect(ctx)
		return
	case EventDone:
		c.mu.Lock()
		if c.session != nil {
			c.session.Advance(f.ParentID)
			if f.ConversationID != "" {
				c.session.ConversationID = f.ConversationID
			}
		}
		c.state = ConvDone
		c.mu.Unlock()
		c.tokens.Persist(c.Session())
	case EventError:
		if f.IsTokenError() {
			c.log("token error frame, reauthenticating")
			c.tokens.Invalidate()
			c.releaseSocket(ctx)
			c.mu.Lock()
			c.session = nil
			c.state = ConvAuthenticating
			c.mu.Unlock()
			return
		}
		// Unrecognized protocol error: surfaced verbatim, never retried.
		c.toFatal(&SessionError{Text: f.Error})
	default:
		c.log("ignoring unrecognized frame", slog.String("event", f.Event))
	}

	if rcv.State != StateOpen && c.State() == ConvStreaming {
		c.onDisconnect(ctx)
	}
}

// markDelivering resets the retry budget once a fresh socket proves itself
// by delivering content.
func (c *Conversation) markDelivering() {
	c.mu.Lock()
	c.retryCount = 0
	c.mu.Unlock()
}

// onDisconnect applies the reconnect policy: within budget the conversation
// backs off and reconnects with the same session; past it the turn is
// fatal with a connection-lost error.
func (c *Conversation) onDisconnect(ctx context.Context) {
	c.releaseSocket(ctx)

	c.mu.Lock()
	if c.retryCount < c.cfg.maxRetries {
		c.retryCount++
		c.state = ConvReconnecting
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.toFatal(&TransportError{Kind: KindConnectionLost, Op: "stream", Err: errors.New("retry budget exhausted")})
}

// stepReconnect delays min(base * 2^retryCount, cap), then reconnects with
// the existing session and a fresh socket.
func (c *Conversation) stepReconnect(ctx context.Context, stream *TurnStream) (done bool) {
	c.mu.Lock()
	attempt := c.retryCount
	c.mu.Unlock()

	delay := Backoff(c.cfg.backoffBase, c.cfg.backoffCap, attempt)
	c.log("reconnecting", slog.Int("retry", attempt), slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		c.finishTurn(ctx, stream, ctx.Err())
		return true
	case <-timer.C:
	}

	c.mu.Lock()
	c.state = ConvConnecting
	c.mu.Unlock()
	return false
}

// releaseSocket closes and forgets the current socket, if any.
func (c *Conversation) releaseSocket(ctx context.Context) {
	c.mu.Lock()
	id, has := c.socketID, c.hasSocket
	c.hasSocket = false
	c.mu.Unlock()
	if has {
		_ = c.sockets.Close(ctx, id)
	}
}

// fatalErr is stored when entering the fatal state so the run loop can
// surface it verbatim.
func (c *Conversation) toFatal(err error) {
	c.mu.Lock()
	c.state = ConvFatal
	c.fatalErr = err
	c.mu.Unlock()
}

// finishTurn closes out the turn, releases any socket, and re-enables
// sending by returning to the idle state.
func (c *Conversation) finishTurn(ctx context.Context, stream *TurnStream, err error) {
	c.releaseSocket(ctx)

	c.mu.Lock()
	c.state = ConvIdle
	c.inFlight = false
	c.fatalErr = nil
	c.mu.Unlock()

	stream.finish(err)
}

func (c *Conversation) log(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
