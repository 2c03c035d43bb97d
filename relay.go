package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// RegistryClient implements SocketService by relaying socket RPCs across
// the bus to a Registry hosted on the transport endpoint. The conversation
// engine never holds a socket handle, only ids minted on the far side.
type RegistryClient struct {
	controller *Controller
}

// NewRegistryClient creates a client on the controller side of the bus.
func NewRegistryClient(controller *Controller) *RegistryClient {
	return &RegistryClient{controller: controller}
}

func (c *RegistryClient) call(ctx context.Context, req *SocketCall) (*SocketReply, error) {
	req.Action = ActionSocket
	raw, err := c.controller.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	var reply SocketReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// replyError maps an RPC error string back onto the transport taxonomy.
func replyError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "token"):
		return &AuthError{Err: errors.New(msg)}
	case strings.Contains(lower, "not found"):
		return ErrSocketNotFound
	case strings.Contains(lower, "not-open"):
		return &TransportError{Kind: KindNotOpen, Op: "relay"}
	default:
		return &TransportError{Kind: KindCreationFailed, Op: "relay", Err: errors.New(msg)}
	}
}

func (c *RegistryClient) Open(ctx context.Context, url string, headers map[string]string, initial []byte) (int, error) {
	reply, err := c.call(ctx, &SocketCall{URL: url, Headers: headers, ToSend: string(initial)})
	if err != nil {
		return 0, err
	}
	if reply.Error != "" {
		return 0, replyError(reply.Error)
	}
	if reply.SocketID == nil {
		return 0, &TransportError{Kind: KindCreationFailed, Op: "relay", Err: errors.New("no socket id in reply")}
	}
	return *reply.SocketID, nil
}

func (c *RegistryClient) Send(ctx context.Context, id int, payload []byte) error {
	reply, err := c.call(ctx, &SocketCall{SocketID: &id, ToSend: string(payload)})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return replyError(reply.Error)
	}
	return nil
}

func (c *RegistryClient) Receive(ctx context.Context, id int) (*Received, error) {
	reply, err := c.call(ctx, &SocketCall{SocketID: &id})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, replyError(reply.Error)
	}
	rcv := &Received{State: reply.ReadyState}
	if reply.Packet != "" {
		var f Frame
		if err := json.Unmarshal([]byte(reply.Packet), &f); err != nil {
			return nil, err
		}
		rcv.Frame = &f
	}
	return rcv, nil
}

func (c *RegistryClient) Close(ctx context.Context, id int) error {
	reply, err := c.call(ctx, &SocketCall{SocketID: &id, ToSend: string(EncodeFrame(&Frame{Event: EventClose}))})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return replyError(reply.Error)
	}
	return nil
}

// SocketHandler adapts a Registry into the endpoint's socket RPC surface.
// The operation is inferred from the populated fields of the call.
func SocketHandler(reg *Registry) EndpointHandler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var call SocketCall
		if err := json.Unmarshal(payload, &call); err != nil {
			return &SocketReply{Error: err.Error()}, nil
		}

		switch {
		case call.URL != "":
			id, err := reg.Open(ctx, call.URL, call.Headers, []byte(call.ToSend))
			if err != nil {
				return &SocketReply{Error: err.Error()}, nil
			}
			return &SocketReply{SocketID: &id}, nil

		case call.ToSend != "":
			if call.SocketID == nil {
				return &SocketReply{Error: "missing socket id"}, nil
			}
			isClose := false
			if frames, _ := SplitFrames([]byte(call.ToSend)); len(frames) == 1 && frames[0].IsClose() {
				isClose = true
			}
			if err := reg.Send(ctx, *call.SocketID, []byte(call.ToSend)); err != nil {
				return &SocketReply{Error: err.Error()}, nil
			}
			if isClose {
				return &SocketReply{Status: StatusClosed}, nil
			}
			return &SocketReply{Status: StatusSuccess}, nil

		default:
			if call.SocketID == nil {
				return &SocketReply{Error: "missing socket id"}, nil
			}
			rcv, err := reg.Receive(ctx, *call.SocketID)
			if err != nil {
				return &SocketReply{Error: err.Error()}, nil
			}
			reply := &SocketReply{ReadyState: rcv.State}
			if rcv.Frame != nil {
				packet, err := json.Marshal(rcv.Frame)
				if err != nil {
					return &SocketReply{Error: err.Error()}, nil
				}
				reply.Packet = string(packet)
			}
			return reply, nil
		}
	}
}

// AuthHandler adapts a TokenManager into the endpoint's auth RPC surface.
func AuthHandler(tokens *TokenManager) EndpointHandler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		session, err := tokens.Acquire(ctx)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				switch {
				case ae.InProgress:
					return &AuthReply{Error: "Authentication in progress"}, nil
				case ae.Required:
					return &AuthReply{Error: "Authentication required"}, nil
				}
			}
			return &AuthReply{Error: err.Error()}, nil
		}
		return &AuthReply{Success: true, Data: &AuthData{AccessToken: session.AccessToken}}, nil
	}
}
