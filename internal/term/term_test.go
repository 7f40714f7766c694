package term

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stupart/seashell/internal/session"
)

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name   string
		status session.Status
		want   []string
	}{
		{"waiting", session.Status{State: session.StateWaiting}, []string{"listening"}},
		{"recording", session.Status{State: session.StateRecording}, []string{"recording"}},
		{"paused", session.Status{State: session.StatePaused}, []string{"paused"}},
		{"in-flight count", session.Status{State: session.StateWaiting, Transcribing: 2}, []string{"listening", "2 transcribing"}},
		{"advisory", session.Status{State: session.StateWaiting, LastError: "rec: not found"}, []string{"rec: not found"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := statusLine(tt.status)
			for _, want := range tt.want {
				if !strings.Contains(line, want) {
					t.Errorf("status line %q should contain %q", line, want)
				}
			}
		})
	}
}

func TestOnTranscriptRendersText(t *testing.T) {
	var buf bytes.Buffer
	ui := New(zerolog.Nop())
	ui.out = &buf

	ui.OnTranscript("hello testing")

	if !strings.Contains(buf.String(), "hello testing") {
		t.Errorf("transcript text should be rendered, got %q", buf.String())
	}
}

func TestHandleKeyQuit(t *testing.T) {
	ui := New(zerolog.Nop())
	ui.SetController(session.New(session.Config{Logger: zerolog.Nop()}))

	if ui.handleKey(keyPause) {
		t.Error("pause key should not quit")
	}
	if !ui.handleKey(keyQuit) {
		t.Error("q should quit")
	}
	if !ui.handleKey(keyCtrlC) {
		t.Error("ctrl-c should quit")
	}
	if ui.handleKey('z') {
		t.Error("unbound keys should be ignored")
	}
}
