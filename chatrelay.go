// Package chatrelay maintains a long-lived, resumable conversation with a
// streaming chat backend that the caller cannot reach directly. Traffic is
// relayed across isolated execution contexts, and an unreliable,
// frame-delimited stream is turned into an ordered, recoverable sequence of
// conversational turns.
//
// # Architecture
//
// The engine wires four pieces together: a transport [Registry] that owns
// every live socket and demultiplexes inbound frames, a cross-context
// message [Bus] ([Controller] -> [RelayHost] -> [Endpoint]) that correlates
// request/response pairs across the relay boundary, a [TokenManager] that
// acquires and caches credentials, and a [Conversation] state machine that
// applies reconnection and backoff policy per turn.
//
// # Thread Safety
//
// [Engine] and [Conversation] are safe for concurrent use, but only one
// turn can be in flight at a time. [TurnStream] should be consumed by a
// single goroutine.
//
// # Basic Usage
//
//	ctx := context.Background()
//
//	engine := chatrelay.New(ctx, "wss://example.com/chat", creds,
//	    chatrelay.WithLogger(slog.Default()),
//	)
//	defer engine.Close()
//
//	stream, err := engine.Send(ctx, "Hello!")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for chunk, err := range stream.Chunks(ctx) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Print(chunk.Text)
//	}
//
// # Authentication
//
// When no stored credentials can produce a token, [TokenManager] opens an
// interactive login surface and the turn fails with an auth-required error.
// The conversation parks until [Engine.CompleteLogin] signals that the
// login finished; the next send retries acquisition.
package chatrelay
