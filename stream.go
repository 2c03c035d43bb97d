package chatrelay

import (
	"context"
	"iter"
	"strings"
	"sync"
)

// Chunk is one streamed piece of a conversational turn: either partial
// response text or a batch of suggested follow-ups.
type Chunk struct {
	Text        string
	Suggestions []string
}

// TurnStream provides streaming access to one conversational turn.
// It should be consumed by a single goroutine.
type TurnStream struct {
	mu       sync.Mutex
	chunks   chan *Chunk
	done     chan struct{}
	err      error
	finished bool

	suggestions []string

	closeOnce sync.Once
}

func newTurnStream() *TurnStream {
	return &TurnStream{
		chunks: make(chan *Chunk, 100),
		done:   make(chan struct{}),
	}
}

// Next returns the next chunk, or nil once the turn is complete.
// Returns an error if the turn failed. The context can be used to cancel
// waiting for the next chunk.
func (t *TurnStream) Next(ctx context.Context) (*Chunk, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-t.chunks:
		if !ok {
			t.mu.Lock()
			err := t.err
			t.mu.Unlock()
			return nil, err
		}
		return chunk, nil
	case <-t.done:
		// Drain any remaining chunks
		select {
		case chunk, ok := <-t.chunks:
			if ok {
				return chunk, nil
			}
		default:
		}
		t.mu.Lock()
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
}

// Chunks returns an iterator over all chunks in the turn.
func (t *TurnStream) Chunks(ctx context.Context) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		for {
			chunk, err := t.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if chunk == nil {
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Text collects the full response text of the turn.
func (t *TurnStream) Text(ctx context.Context) (string, error) {
	var sb strings.Builder

	for chunk, err := range t.Chunks(ctx) {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// Suggestions returns the suggested follow-ups recorded during the turn.
// Only valid after the stream is exhausted.
func (t *TurnStream) Suggestions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suggestions
}

// emitText delivers partial response text, blocking for backpressure.
func (t *TurnStream) emitText(text string) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	select {
	case t.chunks <- &Chunk{Text: text}:
	case <-t.done:
	}
}

// emitSuggestions records and delivers suggested follow-ups.
func (t *TurnStream) emitSuggestions(suggestions []string) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.suggestions = append(t.suggestions, suggestions...)
	t.mu.Unlock()

	select {
	case t.chunks <- &Chunk{Suggestions: suggestions}:
	case <-t.done:
	}
}

// finish terminates the turn. A nil err means the turn completed normally.
func (t *TurnStream) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.finished = true
		t.err = err
		t.mu.Unlock()

		close(t.chunks)
		close(t.done)
	})
}
