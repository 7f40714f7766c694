// Package term is the thin terminal presentation layer: a one-line
// status display and single-key commands. All real behavior lives in
// the session controller.
package term

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stupart/seashell/internal/session"
)

const (
	keyPause = ' '
	keyCopy  = 'c'
	keyClear = 'x'
	keyQuit  = 'q'
	keyCtrlC = 0x03
)

type UI struct {
	ctrl *session.Controller
	log  zerolog.Logger

	mu         sync.Mutex
	out        io.Writer
	status     session.Status
	transcript string
}

func New(log zerolog.Logger) *UI {
	return &UI{
		log: log,
		out: os.Stdout,
	}
}

// SetController sets the session reference (for circular dependency
// resolution, the UI is created before the controller).
func (u *UI) SetController(ctrl *session.Controller) {
	u.ctrl = ctrl
}

// Run puts stdin into raw mode and dispatches single-key commands until
// quit. Key handling never blocks on the controller.
func (u *UI) Run(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	u.printHelp()

	keys := make(chan byte, 8)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n > 0 {
				keys <- buf[0]
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, ok := <-keys:
			if !ok {
				return nil
			}
			if u.handleKey(key) {
				return nil
			}
		}
	}
}

// handleKey dispatches one key; returns true on quit.
func (u *UI) handleKey(key byte) bool {
	switch key {
	case keyPause:
		u.ctrl.TogglePause()
	case keyCopy:
		u.copyTranscript()
	case keyClear:
		u.ctrl.ClearTranscript()
	case keyQuit, keyCtrlC:
		u.ctrl.Quit()
		return true
	}
	return false
}

func (u *UI) copyTranscript() {
	text := u.ctrl.Transcript()
	if text == "" {
		return
	}
	if err := clipboard.WriteAll(text); err != nil {
		u.log.Error().Err(err).Msg("clipboard copy failed")
		return
	}
	u.log.Info().Int("chars", len(text)).Msg("transcript copied")
}

// OnStatus implements session.Listener.
func (u *UI) OnStatus(st session.Status) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = st
	u.redrawLocked()
}

// OnTranscript implements session.Listener.
func (u *UI) OnTranscript(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.transcript = text
	// Raw mode needs explicit carriage returns.
	fmt.Fprintf(u.out, "\r\033[K%s\r\n", text)
	u.redrawLocked()
}

func (u *UI) redrawLocked() {
	fmt.Fprintf(u.out, "\r\033[K%s", statusLine(u.status))
}

func (u *UI) printHelp() {
	fmt.Fprint(u.out, "seashell  —  space: pause/resume   c: copy   x: clear   q: quit\r\n")
}

func statusLine(st session.Status) string {
	var label string
	switch st.State {
	case session.StateRecording:
		label = "● recording"
	case session.StatePaused:
		label = "‖ paused"
	case session.StateExiting:
		label = "exiting"
	default:
		label = "listening…"
	}
	if st.Transcribing > 0 {
		label += fmt.Sprintf("  [%d transcribing]", st.Transcribing)
	}
	if st.LastError != "" {
		label += "  ! " + st.LastError
	}
	return label
}
