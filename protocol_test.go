package chatrelay

import (
	"bytes"
	"testing"
)

func TestSplitFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeFrame(&Frame{Event: EventAppendText, Text: "a"}))
	buf.Write(EncodeFrame(&Frame{Event: EventAppendText, Text: "b"}))
	buf.Write(EncodeFrame(&Frame{Event: EventDone}))

	frames, malformed := SplitFrames(buf.Bytes())
	if malformed != 0 {
		t.Errorf("malformed = %d, want 0", malformed)
	}
	if len(frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(frames))
	}
	if frames[0].Text != "a" || frames[1].Text != "b" {
		t.Errorf("frames out of order: %q, %q", frames[0].Text, frames[1].Text)
	}
	if !frames[2].IsDone() {
		t.Errorf("frames[2].Event = %s, want done", frames[2].Event)
	}
}

func TestSplitFrames_WhitespaceFragments(t *testing.T) {
	// Empty and whitespace-only fragments between separators must be
	// dropped without raising parse errors.
	data := []byte("\x1e  \x1e" + `{"event":"appendText","text":"x"}` + "\x1e\n\t\x1e\x1e" + `{"event":"done"}` + "\x1e   ")

	frames, malformed := SplitFrames(data)
	if malformed != 0 {
		t.Errorf("malformed = %d, want 0", malformed)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Text != "x" {
		t.Errorf("frames[0].Text = %q, want x", frames[0].Text)
	}
}

func TestSplitFrames_Malformed(t *testing.T) {
	data := []byte(`{"event":"appendText","text":"ok"}` + "\x1e" + `{"event":` + "\x1e" + `{"event":"done"}`)

	frames, malformed := SplitFrames(data)
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
}

func TestFrame_IsTokenError(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{"token error", Frame{Event: EventError, Error: "invalid access Token"}, true},
		{"expired token", Frame{Event: EventError, Error: "token expired"}, true},
		{"other error", Frame{Event: EventError, Error: "internal failure"}, false},
		{"token text but not error", Frame{Event: EventAppendText, Text: "token"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.IsTokenError(); got != tt.want {
				t.Errorf("IsTokenError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeFrame_Terminated(t *testing.T) {
	data := EncodeFrame(&Frame{Event: EventPing})
	if data[len(data)-1] != RecordSeparator {
		t.Error("encoded frame must end with the record separator")
	}
}

func TestNewSendFrame_Continuation(t *testing.T) {
	session := &Session{
		AccessToken:    "tok",
		ConversationID: "conv-1",
		ParentID:       "turn-9",
	}

	frames, _ := SplitFrames(NewSendFrame("hi", session))
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	f := frames[0]
	if f.Event != EventSend || f.Text != "hi" {
		t.Errorf("frame = %+v", f)
	}
	if f.ConversationID != "conv-1" || f.ParentID != "turn-9" {
		t.Errorf("continuation ids not carried: %+v", f)
	}
}

func TestReadyState_String(t *testing.T) {
	if StateOpen.String() != "open" || StateClosed.String() != "closed" {
		t.Error("unexpected ReadyState names")
	}
	if ReadyState(99).String() != "unknown" {
		t.Error("out-of-range state should be unknown")
	}
}
