package chatrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
)

// The pull variant serves backends that expose a chunked event stream to
// poll instead of a socket to hold open. Raw chunks are accumulated and
// decoded incrementally; an incomplete tail is simply "not enough data
// yet", never an error.

// EndSentinel marks explicit end-of-stream on pull backends.
const EndSentinel = "[DONE]"

// ChunkSource is one pull-based response stream.
type ChunkSource interface {
	// Next returns the next raw chunk, or io.EOF at end of stream.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// PullDialer starts a pull-based exchange. The payload is the encoded
// content frame that a socket transport would have sent after connecting.
type PullDialer func(ctx context.Context, url string, headers map[string]string, payload []byte) (ChunkSource, error)

// pullRecord is one decoded record from the pull stream.
type pullRecord struct {
	Event          string   `json:"event,omitempty"`
	Text           string   `json:"text,omitempty"`
	Error          string   `json:"error,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	ParentID       string   `json:"parentId,omitempty"`
}

// Accumulator buffers raw chunks and extracts complete JSON records with a
// streaming decoder. A failed decode leaves the buffer intact for the next
// chunk.
type Accumulator struct {
	buf []byte
}

// Feed appends a chunk and attempts to extract one record. The second
// result is false while the buffered data does not yet form a complete
// record. On success the consumed bytes are dropped from the buffer.
func (a *Accumulator) Feed(chunk []byte) (*pullRecord, bool) {
	a.buf = append(a.buf, chunk...)

	dec := json.NewDecoder(bytes.NewReader(a.buf))
	var rec pullRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, false
	}
	a.buf = a.buf[dec.InputOffset():]
	return &rec, true
}

// PullService implements SocketService over pull-based streams, so the
// conversation state machine runs unchanged on either transport. Slots
// mirror the registry's id discipline.
type PullService struct {
	dial PullDialer

	mu    sync.Mutex
	slots []*pullConn
}

type pullConn struct {
	id      int
	url     string
	headers map[string]string

	mu     sync.Mutex
	source ChunkSource
	acc    Accumulator
	state  ReadyState

	lastConvID   string
	lastParentID string
}

// NewPullService creates a pull-based transport using dial.
func NewPullService(dial PullDialer) *PullService {
	return &PullService{dial: dial}
}

// Open allocates a slot. The actual exchange starts on the first content
// send, which carries the request payload.
func (p *PullService) Open(ctx context.Context, url string, headers map[string]string, initial []byte) (int, error) {
	c := &pullConn{url: url, headers: headers, state: StateOpen}

	p.mu.Lock()
	for i, slot := range p.slots {
		if slot == nil {
			c.id = i
			p.slots[i] = c
			p.mu.Unlock()
			return i, nil
		}
	}
	c.id = len(p.slots)
	p.slots = append(p.slots, c)
	p.mu.Unlock()
	return c.id, nil
}

// Send starts the exchange for a content frame. Negotiation frames have no
// pull equivalent and are swallowed; a close directive closes the slot.
func (p *PullService) Send(ctx context.Context, id int, payload []byte) error {
	c := p.lookup(id)
	if c == nil {
		return ErrSocketNotFound
	}

	frames, _ := SplitFrames(payload)
	if len(frames) == 1 && frames[0].IsClose() {
		return p.Close(ctx, id)
	}
	if len(frames) == 0 || frames[0].Event != EventSend {
		return nil
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return &TransportError{Kind: KindNotOpen, Op: "send"}
	}
	c.mu.Unlock()

	source, err := p.dial(ctx, c.url, c.headers, payload)
	if err != nil {
		return &TransportError{Kind: KindCreationFailed, Op: "pull", URL: c.url, Err: err}
	}

	c.mu.Lock()
	c.source = source
	c.acc = Accumulator{}
	c.mu.Unlock()
	return nil
}

// Receive pulls chunks until a complete record decodes, mapping it onto
// the frame event model. An empty chunk, the end sentinel, or end of
// stream yields a done frame carrying the continuation ids seen so far.
func (p *PullService) Receive(ctx context.Context, id int) (*Received, error) {
	c := p.lookup(id)
	if c == nil {
		return nil, ErrSocketNotFound
	}

	c.mu.Lock()
	source := c.source
	state := c.state
	c.mu.Unlock()
	if source == nil || state != StateOpen {
		return &Received{State: StateClosed}, nil
	}

	for {
		// A chunk can carry more than one complete record; drain what is
		// already buffered before pulling again, and before end-of-stream
		// can discard it.
		c.mu.Lock()
		rec, ok := c.acc.Feed(nil)
		c.mu.Unlock()
		if ok {
			if f := c.toFrame(rec); f != nil {
				return &Received{Frame: f, State: StateOpen}, nil
			}
			continue
		}

		chunk, err := source.Next(ctx)
		if err == io.EOF {
			return c.finish(), nil
		}
		if err != nil {
			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			return nil, &TransportError{Kind: KindConnectionLost, Op: "pull", Err: err}
		}

		trimmed := bytes.TrimSpace(chunk)
		if len(trimmed) == 0 || string(trimmed) == EndSentinel {
			return c.finish(), nil
		}

		c.mu.Lock()
		rec, ok = c.acc.Feed(chunk)
		c.mu.Unlock()
		if ok {
			if f := c.toFrame(rec); f != nil {
				return &Received{Frame: f, State: StateOpen}, nil
			}
		}
	}
}

// toFrame maps a decoded record onto the frame model, tracking continuation
// ids for the terminal frame.
func (c *pullConn) toFrame(rec *pullRecord) *Frame {
	c.mu.Lock()
	if rec.ConversationID != "" {
		c.lastConvID = rec.ConversationID
	}
	if rec.ParentID != "" {
		c.lastParentID = rec.ParentID
	}
	c.mu.Unlock()

	switch {
	case rec.Error != "":
		return &Frame{Event: EventError, Error: rec.Error}
	case rec.Event == EventDone:
		f := c.finishFrame()
		return f
	case len(rec.Suggestions) > 0:
		return &Frame{Event: EventSuggestions, Suggestions: rec.Suggestions}
	case rec.Text != "":
		return &Frame{Event: EventAppendText, Text: rec.Text}
	default:
		return nil
	}
}

func (c *pullConn) finishFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Frame{
		Event:          EventDone,
		ConversationID: c.lastConvID,
		ParentID:       c.lastParentID,
	}
}

// finish ends the exchange, returning the terminal frame.
func (c *pullConn) finish() *Received {
	f := c.finishFrame()

	c.mu.Lock()
	if c.source != nil {
		_ = c.source.Close()
		c.source = nil
	}
	c.mu.Unlock()

	return &Received{Frame: f, State: StateOpen}
}

// Close releases the slot and any live source.
func (p *PullService) Close(ctx context.Context, id int) error {
	p.mu.Lock()
	var c *pullConn
	if id >= 0 && id < len(p.slots) {
		c = p.slots[id]
		p.slots[id] = nil
	}
	p.mu.Unlock()

	if c == nil {
		return ErrSocketNotFound
	}

	c.mu.Lock()
	c.state = StateClosed
	if c.source != nil {
		_ = c.source.Close()
		c.source = nil
	}
	c.mu.Unlock()
	return nil
}

func (p *PullService) lookup(id int) *pullConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.slots) {
		return nil
	}
	return p.slots[id]
}
