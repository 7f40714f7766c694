// Package session runs the capture/transcription orchestration loop:
// one capture process always alive while active, closed chunks fanned
// out to concurrent recognition jobs, results folded into a single
// running transcript.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/stupart/seashell/internal/chunk"
	"github.com/stupart/seashell/internal/config"
	"github.com/stupart/seashell/internal/recorder"
	"github.com/stupart/seashell/internal/transcriber"
)

// Session states. Waiting and Recording are the two listener phases of
// an active session.
const (
	StateWaiting   = "waiting"
	StateRecording = "recording"
	StatePaused    = "paused"
	StateExiting   = "exiting"
)

// Status is derived entirely from the state machine, the in-flight job
// count and the last advisory; there is no hidden state behind it.
type Status struct {
	State        string
	Transcribing int
	LastError    string
}

// Listener receives status and transcript updates. Calls come from the
// controller loop and must not block.
type Listener interface {
	OnStatus(Status)
	OnTranscript(string)
}

// ChunkRecorder supervises a single capture process. ChunkID must
// match the ChunkID carried by the events the recorder sends; the
// controller uses it to recognize events from a recorder it has
// already replaced.
type ChunkRecorder interface {
	Start(immediate bool) error
	Stop()
	ChunkID() uint64
}

// RecorderFactory creates the supervisor for the next chunk, wired to
// the controller's event channel. Chunk allocation happens inside the
// factory so chunk IDs stay strictly sequential.
type RecorderFactory func(events chan<- recorder.Event) ChunkRecorder

// JobStarter dispatches one closed chunk to a recognition job.
type JobStarter interface {
	Start(c *chunk.Chunk, results chan<- transcriber.Result)
}

type Config struct {
	NewRecorder RecorderFactory
	Jobs        JobStarter
	Capture     config.CaptureConfig
	Logger      zerolog.Logger
	Listener    Listener // optional, may be nil
}

type command int

const (
	cmdTogglePause command = iota
	cmdClear
	cmdQuit
)

// Controller owns the session state machine. All mutation happens on
// the Run goroutine; subprocess supervisors talk to it exclusively
// through the event and result channels.
type Controller struct {
	cfg Config
	log zerolog.Logger

	machine *fsm.FSM

	events   chan recorder.Event
	results  chan transcriber.Result
	commands chan command
	restarts chan bool // payload: start next chunk in immediate mode
	done     chan struct{}

	current      ChunkRecorder
	restartTimer *time.Timer
	transcript   *Transcript

	mu           sync.Mutex
	transcribing int
	lastError    string
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:        cfg,
		log:        cfg.Logger,
		machine:    newMachine(),
		events:     make(chan recorder.Event, 16),
		results:    make(chan transcriber.Result, 16),
		commands:   make(chan command, 8),
		restarts:   make(chan bool, 4),
		done:       make(chan struct{}),
		transcript: &Transcript{},
	}
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateWaiting,
		fsm.Events{
			{Name: "voice", Src: []string{StateWaiting}, Dst: StateRecording},
			{Name: "rearm", Src: []string{StateWaiting, StateRecording}, Dst: StateWaiting},
			{Name: "pause", Src: []string{StateWaiting, StateRecording}, Dst: StatePaused},
			{Name: "resume", Src: []string{StatePaused}, Dst: StateWaiting},
			{Name: "quit", Src: []string{StateWaiting, StateRecording, StatePaused}, Dst: StateExiting},
		},
		fsm.Callbacks{},
	)
}

// fire applies a transition. Invalid events (pause while paused, quit
// while exiting) are no-ops, which is what makes commands idempotent.
func (c *Controller) fire(event string) bool {
	err := c.machine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	if _, ok := err.(fsm.NoTransitionError); ok {
		return true
	}
	return false
}

// Run drives the session until quit or context cancellation. The very
// first capture attempt failing is not retried: it is surfaced and the
// session left stopped, so a broken environment is never masked.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.startRecorder(false); err != nil {
		c.setError(err.Error())
		c.fire("pause")
		c.log.Error().Err(err).Msg("initial capture start failed, session stopped")
	}
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.fire("quit")
			c.stopRestartTimer()
			c.stopRecorder()
			return ctx.Err()
		case cmd := <-c.commands:
			if c.handleCommand(cmd) {
				return nil
			}
		case ev := <-c.events:
			c.handleRecorderEvent(ev)
		case immediate := <-c.restarts:
			c.handleRestart(immediate)
		case res := <-c.results:
			c.handleResult(res)
		}
	}
}

// TogglePause pauses an active session or resumes a paused one. Pausing
// terminates the capture process through its normal close path, so any
// partial audio is still dispatched for transcription.
func (c *Controller) TogglePause() { c.send(cmdTogglePause) }

// ClearTranscript drops everything transcribed so far.
func (c *Controller) ClearTranscript() { c.send(cmdClear) }

// Quit ends the session from any state. In-flight recognition jobs run
// to completion best-effort but their results are no longer observed.
func (c *Controller) Quit() { c.send(cmdQuit) }

// Transcript returns the assembled transcript so far.
func (c *Controller) Transcript() string { return c.transcript.String() }

// Status reports the current session state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:        c.machine.Current(),
		Transcribing: c.transcribing,
		LastError:    c.lastError,
	}
}

func (c *Controller) send(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.done:
	}
}

// handleCommand returns true when the session is over.
func (c *Controller) handleCommand(cmd command) bool {
	// Any user action dismisses the current advisory.
	c.setError("")

	switch cmd {
	case cmdTogglePause:
		if c.machine.Is(StatePaused) {
			if c.fire("resume") {
				c.log.Info().Msg("resumed")
				if err := c.startRecorder(false); err != nil {
					c.captureFailed(err)
				}
			}
		} else if c.fire("pause") {
			c.log.Info().Msg("paused")
			c.stopRestartTimer()
			c.stopRecorder()
		}
	case cmdClear:
		c.transcript.Clear()
		if c.cfg.Listener != nil {
			c.cfg.Listener.OnTranscript("")
		}
		c.log.Info().Msg("transcript cleared")
	case cmdQuit:
		c.fire("quit")
		c.stopRestartTimer()
		c.stopRecorder()
		c.publish()
		c.log.Info().Int("pending", c.Status().Transcribing).Msg("session ended")
		return true
	}

	c.publish()
	return false
}

func (c *Controller) handleRecorderEvent(ev recorder.Event) {
	// A recorder the controller has already replaced can still report a
	// late close (pause then a quick resume races the paused capture's
	// exit). Its audio is salvaged like any other, but it must not drive
	// the state machine or trigger a replacement for the live recorder.
	stale := c.current == nil || ev.ChunkID != c.current.ChunkID()

	switch ev.Kind {
	case recorder.EventRecording:
		if stale {
			break
		}
		if c.fire("voice") {
			c.log.Debug().Msg("voice detected")
		}

	case recorder.EventClosed:
		if ev.Err != nil {
			c.setError(ev.Err.Error())
			c.log.Warn().Err(ev.Err).Msg("capture process exited abnormally")
		}

		// Dispatch before anything else, even when pausing or exiting:
		// audio already captured is never thrown away.
		if ev.Chunk != nil {
			c.cfg.Jobs.Start(ev.Chunk, c.results)
			c.addTranscribing(1)
			c.log.Debug().
				Uint64("chunk", ev.Chunk.ID).
				Int64("bytes", ev.Chunk.SizeBytes).
				Msg("chunk dispatched")
		}

		if stale {
			c.log.Debug().Uint64("chunk", ev.ChunkID).Msg("late close from replaced recorder")
			break
		}
		c.current = nil

		if c.machine.Is(StatePaused) || c.machine.Is(StateExiting) {
			break
		}
		c.fire("rearm")

		switch {
		case ev.Err != nil:
			// Abnormal exit: fixed backoff so a broken recorder can't spin.
			c.scheduleRestart(false, c.cfg.Capture.RetryBackoff())
		case ev.Empty && !ev.NextImmediate:
			// Mic misfire: a short delay avoids a tight restart loop.
			c.scheduleRestart(false, c.cfg.Capture.RestartDelay())
		default:
			if err := c.startRecorder(ev.NextImmediate); err != nil {
				c.captureFailed(err)
			}
		}
	}

	c.publish()
}

func (c *Controller) handleRestart(immediate bool) {
	if c.machine.Is(StatePaused) || c.machine.Is(StateExiting) || c.current != nil {
		return
	}
	if err := c.startRecorder(immediate); err != nil {
		c.captureFailed(err)
	}
	c.publish()
}

func (c *Controller) handleResult(res transcriber.Result) {
	c.addTranscribing(-1)

	if res.Err != nil {
		c.setError(res.Err.Error())
	} else {
		// A finished job supersedes any stale advisory.
		c.setError(res.Advisory)
		if res.Advisory != "" {
			c.log.Warn().Str("advisory", res.Advisory).Uint64("chunk", res.ChunkID).Msg("recognizer diagnostic")
		}
		if res.Text != "" {
			c.transcript.Append(res.Text)
			c.log.Info().Uint64("chunk", res.ChunkID).Str("text", res.Text).Msg("segment transcribed")
			if c.cfg.Listener != nil {
				c.cfg.Listener.OnTranscript(c.transcript.String())
			}
		}
	}

	c.publish()
}

// startRecorder launches the supervisor for the next chunk. Exactly one
// capture process is alive at a time: any prior recorder is stopped
// before the new one starts.
func (c *Controller) startRecorder(immediate bool) error {
	c.stopRecorder()
	rec := c.cfg.NewRecorder(c.events)
	if err := rec.Start(immediate); err != nil {
		return err
	}
	c.current = rec
	return nil
}

func (c *Controller) stopRecorder() {
	if c.current != nil {
		c.current.Stop()
	}
}

// captureFailed applies the fixed spawn-retry backoff. Retries are
// unbounded; every attempt is logged so a persistent environment
// failure stays visible.
func (c *Controller) captureFailed(err error) {
	c.setError(err.Error())
	c.log.Error().
		Err(err).
		Dur("backoff", c.cfg.Capture.RetryBackoff()).
		Msg("capture spawn failed, retrying")
	c.scheduleRestart(false, c.cfg.Capture.RetryBackoff())
}

// scheduleRestart arms the single pending restart timer. Only the Run
// goroutine touches it, so no lock is needed.
func (c *Controller) scheduleRestart(immediate bool, after time.Duration) {
	c.stopRestartTimer()
	c.restartTimer = time.AfterFunc(after, func() {
		select {
		case c.restarts <- immediate:
		case <-c.done:
		}
	})
}

func (c *Controller) stopRestartTimer() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
}

func (c *Controller) addTranscribing(delta int) {
	c.mu.Lock()
	c.transcribing += delta
	c.mu.Unlock()
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.lastError = msg
	c.mu.Unlock()
}

func (c *Controller) publish() {
	if c.cfg.Listener == nil {
		return
	}
	c.cfg.Listener.OnStatus(c.Status())
}
