package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// The bus models communication across three isolated execution contexts:
// the Controller (where the conversation engine runs), a Relay Host that
// forwards traffic, and the Transport Endpoint that owns network access.
// No context can call into another directly; all state transfer happens
// through request/response messages.

// Bus message types.
const (
	msgRelayReady    = "relayReady"
	msgLoadModules   = "loadModules"
	msgEndpointReady = "endpointReady"
	msgCall          = "call"
	msgReply         = "reply"
)

// BusMessage is one unit of cross-context traffic.
type BusMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Port is one end of a cross-context link.
type Port struct {
	send chan<- *BusMessage
	recv <-chan *BusMessage
}

// Pipe creates a connected pair of ports.
func Pipe(buffer int) (*Port, *Port) {
	a := make(chan *BusMessage, buffer)
	b := make(chan *BusMessage, buffer)
	return &Port{send: a, recv: b}, &Port{send: b, recv: a}
}

func (p *Port) post(ctx context.Context, msg *BusMessage) {
	select {
	case p.send <- msg:
	case <-ctx.Done():
	}
}

// Controller is the caller-side bus participant. Calls are tagged with a
// fresh correlation id, queued until the transport endpoint announces
// readiness, then forwarded; the reply is matched by correlation id and the
// pending entry removed after exactly one match.
type Controller struct {
	port   *Port
	origin string
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	queue   []*BusMessage
	pending map[string]chan json.RawMessage

	done     chan struct{}
	stopOnce sync.Once
}

// NewController creates the caller-side participant on port, stamping every
// outbound message with origin.
func NewController(port *Port, origin string, logger *slog.Logger) *Controller {
	c := &Controller{
		port:    port,
		origin:  origin,
		logger:  logger,
		pending: make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.port.recv:
			if !ok {
				return
			}
			switch msg.Type {
			case msgRelayReady:
				// Relay host loaded; instruct it to bring up the endpoint's
				// capability modules.
				c.port.post(ctx, &BusMessage{Type: msgLoadModules, Origin: c.origin})
			case msgEndpointReady:
				c.flushQueue(ctx)
			case msgReply:
				c.resolve(msg)
			}
		}
	}
}

func (c *Controller) flushQueue(ctx context.Context) {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, msg := range queued {
		c.port.post(ctx, msg)
	}
}

// resolve delivers a reply to its pending correlation entry. Single-shot:
// the entry is removed before delivery, so a duplicate reply on the same id
// is dropped.
func (c *Controller) resolve(msg *BusMessage) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg.Payload
	}
}

// Call performs one cross-context round trip. The payload is marshaled,
// tagged with a fresh correlation id, and sent (or queued until the
// endpoint is ready). Exactly one matched reply resolves the call; if none
// arrives, the call blocks until ctx is done.
func (c *Controller) Call(ctx context.Context, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ch := make(chan json.RawMessage, 1)

	msg := &BusMessage{ID: id, Type: msgCall, Origin: c.origin, Payload: data}

	c.mu.Lock()
	c.pending[id] = ch
	ready := c.ready
	if !ready {
		c.queue = append(c.queue, msg)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if ready {
		c.port.post(ctx, msg)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		ready = c.ready
		c.mu.Unlock()
		if !ready {
			// Keep the caller's cancellation cause visible alongside the
			// readiness failure.
			return nil, errors.Join(ErrEndpointTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case reply := <-ch:
		return reply, nil
	}
}

// Close stops the controller's run loop.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// RelayHost forwards traffic between the controller and the transport
// endpoint. On start it announces its own readiness to the controller; the
// controller answers with a load-modules instruction, which the relay host
// passes on to the endpoint.
type RelayHost struct {
	toController *Port
	toEndpoint   *Port

	done     chan struct{}
	stopOnce sync.Once
}

// NewRelayHost wires a relay host between the two ports and announces
// readiness.
func NewRelayHost(toController, toEndpoint *Port) *RelayHost {
	h := &RelayHost{
		toController: toController,
		toEndpoint:   toEndpoint,
		done:         make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *RelayHost) run() {
	ctx := context.Background()

	h.toController.post(ctx, &BusMessage{Type: msgRelayReady})

	for {
		select {
		case <-h.done:
			return
		case msg, ok := <-h.toController.recv:
			if !ok {
				return
			}
			h.toEndpoint.post(ctx, msg)
		case msg, ok := <-h.toEndpoint.recv:
			if !ok {
				return
			}
			h.toController.post(ctx, msg)
		}
	}
}

// Close stops the relay host's run loop.
func (h *RelayHost) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

// EndpointHandler services one action on the transport endpoint.
type EndpointHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// Endpoint is the network-side bus participant. It validates the origin of
// every inbound message against the expected controller origin, silently
// dropping mismatches, and announces its readiness exactly once after its
// capability modules load.
type Endpoint struct {
	port           *Port
	expectedOrigin string
	origin         string
	logger         *slog.Logger

	mu       sync.Mutex
	handlers map[string]EndpointHandler

	announceOnce sync.Once
	done         chan struct{}
	stopOnce     sync.Once
}

// NewEndpoint creates the network-side participant. Inbound messages whose
// origin does not match expectedOrigin are dropped.
func NewEndpoint(port *Port, expectedOrigin, origin string, logger *slog.Logger) *Endpoint {
	e := &Endpoint{
		port:           port,
		expectedOrigin: expectedOrigin,
		origin:         origin,
		logger:         logger,
		handlers:       make(map[string]EndpointHandler),
		done:           make(chan struct{}),
	}
	go e.run()
	return e
}

// Handle registers a handler for one action. Must be called before traffic
// arrives for that action.
func (e *Endpoint) Handle(action string, h EndpointHandler) {
	e.mu.Lock()
	e.handlers[action] = h
	e.mu.Unlock()
}

func (e *Endpoint) run() {
	ctx := context.Background()
	for {
		select {
		case <-e.done:
			return
		case msg, ok := <-e.port.recv:
			if !ok {
				return
			}
			if msg.Origin != e.expectedOrigin {
				// Fail closed: never answer an unexpected origin.
				if e.logger != nil {
					e.logger.Debug("dropped message from unexpected origin",
						slog.String("origin", msg.Origin))
				}
				continue
			}
			switch msg.Type {
			case msgLoadModules:
				e.announceOnce.Do(func() {
					e.port.post(ctx, &BusMessage{Type: msgEndpointReady, Origin: e.origin})
				})
			case msgCall:
				go e.dispatch(ctx, msg)
			}
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, msg *BusMessage) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(msg.Payload, &head); err != nil {
		if e.logger != nil {
			e.logger.Debug("dropped unparseable call", slog.String("id", msg.ID))
		}
		return
	}

	e.mu.Lock()
	h, ok := e.handlers[head.Action]
	e.mu.Unlock()
	if !ok {
		e.reply(ctx, msg.ID, map[string]string{"error": "unknown action: " + head.Action})
		return
	}

	result, err := h(ctx, msg.Payload)
	if err != nil {
		e.reply(ctx, msg.ID, map[string]string{"error": err.Error()})
		return
	}
	e.reply(ctx, msg.ID, result)
}

func (e *Endpoint) reply(ctx context.Context, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	e.port.post(ctx, &BusMessage{ID: id, Type: msgReply, Origin: e.origin, Payload: data})
}

// Close stops the endpoint's run loop.
func (e *Endpoint) Close() {
	e.stopOnce.Do(func() { close(e.done) })
}

// Bus bundles a fully wired three-hop path.
type Bus struct {
	Controller *Controller
	Relay      *RelayHost
	Endpoint   *Endpoint
}

// NewBus wires Controller -> Relay Host -> Transport Endpoint with the
// given controller origin and returns all three participants.
func NewBus(controllerOrigin string, logger *slog.Logger) *Bus {
	ctrlPort, relayCtrlPort := Pipe(16)
	relayEndPort, endPort := Pipe(16)

	endpoint := NewEndpoint(endPort, controllerOrigin, "endpoint", logger)
	relay := NewRelayHost(relayCtrlPort, relayEndPort)
	controller := NewController(ctrlPort, controllerOrigin, logger)

	return &Bus{Controller: controller, Relay: relay, Endpoint: endpoint}
}

// Close shuts down all three participants.
func (b *Bus) Close() {
	b.Controller.Close()
	b.Relay.Close()
	b.Endpoint.Close()
}
