package chatrelay

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RecordSeparator delimits JSON frames on the wire. A single read may carry
// one or more frames joined by this byte.
const RecordSeparator byte = 0x1E

// ReadyState mirrors the connection state of a socket slot.
type ReadyState int

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase name of the state.
func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Recognized frame events.
const (
	EventAppendText  = "appendText"
	EventError       = "error"
	EventDisconnect  = "disconnect"
	EventSuggestions = "suggestedFollowups"
	EventDone        = "done"
	EventPing        = "ping"
	EventPong        = "pong"
	EventSend        = "send"
	EventClose       = "close"
)

// Frame is one JSON-encoded protocol unit.
type Frame struct {
	Event          string   `json:"event"`
	Text           string   `json:"text,omitempty"`
	Error          string   `json:"error,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
	ParentID       string   `json:"parentId,omitempty"`
	IsStart        bool     `json:"isStartOfSession,omitempty"`
}

// IsPing returns true for keepalive ping frames.
func (f *Frame) IsPing() bool { return f.Event == EventPing }

// IsPong returns true for keepalive pong frames.
func (f *Frame) IsPong() bool { return f.Event == EventPong }

// IsDisconnect returns true for server-initiated disconnect frames.
func (f *Frame) IsDisconnect() bool { return f.Event == EventDisconnect }

// IsDone returns true for terminal frames.
func (f *Frame) IsDone() bool { return f.Event == EventDone }

// IsError returns true for error frames.
func (f *Frame) IsError() bool { return f.Event == EventError }

// IsTokenError returns true for error frames that indicate an invalid or
// expired access token.
func (f *Frame) IsTokenError() bool {
	return f.IsError() && strings.Contains(strings.ToLower(f.Error), "token")
}

// IsClose returns true for the close directive recognized by Registry.Send.
func (f *Frame) IsClose() bool { return f.Event == EventClose }

// negotiateFrame is the protocol negotiation sent first on every connection.
type negotiateFrame struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// NewNegotiateFrame returns the encoded protocol negotiation frame.
func NewNegotiateFrame() []byte {
	data, _ := json.Marshal(negotiateFrame{Protocol: "json", Version: 1})
	return append(data, RecordSeparator)
}

// NewPingFrame returns an encoded keepalive ping.
func NewPingFrame() []byte {
	return EncodeFrame(&Frame{Event: EventPing})
}

// NewSendFrame returns the encoded initial content frame for a prompt.
func NewSendFrame(prompt string, session *Session) []byte {
	f := &Frame{
		Event: EventSend,
		Text:  prompt,
	}
	if session != nil {
		f.ConversationID = session.ConversationID
		f.ParentID = session.ParentID
		f.IsStart = session.IsStart
	}
	return EncodeFrame(f)
}

// EncodeFrame marshals a frame and appends the record separator.
func EncodeFrame(f *Frame) []byte {
	data, _ := json.Marshal(f)
	return append(data, RecordSeparator)
}

// SplitFrames splits raw wire data on the record separator and parses each
// fragment. Whitespace-only fragments are dropped silently; malformed
// fragments are counted in the second result so callers can log and drop
// them without failing the read.
func SplitFrames(data []byte) ([]*Frame, int) {
	var frames []*Frame
	var malformed int
	for _, part := range bytes.Split(data, []byte{RecordSeparator}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(part, &f); err != nil {
			malformed++
			continue
		}
		frames = append(frames, &f)
	}
	return frames, malformed
}

// --- Relay RPC surface (Controller -> Transport Endpoint) ---

// Actions understood by the transport endpoint.
const (
	ActionSocket = "socket"
	ActionAuth   = "acquireToken"
)

// SocketCall is the registry RPC envelope. The operation is implied by which
// fields are set: URL means create, ToSend means send (or close, when the
// encoded frame carries a close directive), a bare SocketID means receive.
type SocketCall struct {
	Action   string            `json:"action"`
	SocketID *int              `json:"socketID,omitempty"`
	URL      string            `json:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	ToSend   string            `json:"toSend,omitempty"`
}

// SocketReply is the registry RPC response.
type SocketReply struct {
	SocketID   *int       `json:"socketID,omitempty"`
	Status     string     `json:"status,omitempty"`
	Packet     string     `json:"packet,omitempty"`
	ReadyState ReadyState `json:"readyState,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Socket RPC status values.
const (
	StatusSuccess = "Success"
	StatusClosed  = "Closed"
)

// AuthCall is the auth RPC envelope.
type AuthCall struct {
	Action string `json:"action"`
}

// AuthReply is the auth RPC response.
type AuthReply struct {
	Success bool      `json:"success"`
	Data    *AuthData `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// AuthData carries the acquired credentials.
type AuthData struct {
	AccessToken string `json:"accessToken"`
}
