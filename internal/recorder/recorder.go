// Package recorder supervises one external capture-process lifecycle
// per audio chunk. The process (SoX rec with a silence effect) writes a
// growing file; recording state is inferred from file growth and the
// process exit, nothing else.
package recorder

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupart/seashell/internal/chunk"
	"github.com/stupart/seashell/internal/config"
)

type EventKind int

const (
	// EventRecording is emitted once, the first time the chunk file grows
	// past the minimum-bytes threshold (listening -> recording).
	EventRecording EventKind = iota
	// EventClosed is emitted exactly once, when the capture process exits
	// for any reason.
	EventClosed
)

// Event is a message from a Recorder to the session loop.
type Event struct {
	Kind EventKind

	// ChunkID identifies the recorder that sent the event, so the
	// session can tell a live recorder's events from a stale one's.
	ChunkID uint64

	// Chunk is set on EventClosed when usable audio was captured.
	Chunk *chunk.Chunk

	// Empty marks a closed chunk below the minimum-bytes threshold; its
	// file has already been removed.
	Empty bool

	// NextImmediate asks for the next chunk to start without the
	// voice-trigger gate, so a max-duration split loses no audio.
	NextImmediate bool

	// Err carries an abnormal capture-process exit. The close is still
	// reported and partial audio salvaged when present.
	Err error
}

// Process is the handle to a running capture process.
type Process interface {
	Signal(sig os.Signal) error
	Wait() error
}

// Launcher starts a capture process. The default launcher execs the
// configured binary; tests substitute their own.
type Launcher interface {
	Launch(args, extraEnv []string) (Process, error)
}

type execLauncher struct {
	binary string
}

func (l execLauncher) Launch(args, extraEnv []string) (Process, error) {
	cmd := exec.Command(l.binary, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return execProcess{cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p execProcess) Wait() error                { return p.cmd.Wait() }

// Recorder owns one capture process and emits a fully formed chunk (or
// an empty one) when it stops. It is single-use: one Recorder per chunk.
type Recorder struct {
	cfg      config.CaptureConfig
	log      zerolog.Logger
	launcher Launcher
	chunk    *chunk.Chunk
	events   chan<- Event

	mu         sync.Mutex
	proc       Process
	poll       *time.Ticker
	pollDone   chan struct{}
	pollExited chan struct{}
	maxTimer   *time.Timer
	recording  bool
	splitNext  bool
	stopped    bool
}

// New creates the supervisor for a single chunk. Events are delivered on
// the given channel, which must be consumed until EventClosed arrives.
func New(cfg config.CaptureConfig, c *chunk.Chunk, events chan<- Event, log zerolog.Logger) *Recorder {
	return &Recorder{
		cfg:      cfg,
		log:      log.With().Uint64("chunk", c.ID).Logger(),
		launcher: execLauncher{binary: cfg.Binary},
		chunk:    c,
		events:   events,
	}
}

// Start launches the capture process. When immediate is true the
// voice-trigger gate is bypassed so capture begins at once (used to
// stitch together a max-duration split without a silence gap).
func (r *Recorder) Start(immediate bool) error {
	args := r.captureArgs(immediate)
	var extraEnv []string
	if r.cfg.Device != "" {
		extraEnv = append(extraEnv, "AUDIODEV="+r.cfg.Device)
	}

	proc, err := r.launcher.Launch(args, extraEnv)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", r.cfg.Binary, err)
	}

	r.mu.Lock()
	r.proc = proc
	r.poll = time.NewTicker(r.cfg.PollInterval())
	r.pollDone = make(chan struct{})
	r.pollExited = make(chan struct{})
	r.mu.Unlock()

	r.log.Debug().Bool("immediate", immediate).Strs("args", args).Msg("capture started")

	go r.pollSize()
	go r.waitExit()
	return nil
}

// Stop signals the capture process to terminate. Safe to call more than
// once; the normal exit path still reports the chunk close, salvaging
// any partial audio.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	proc := r.proc
	r.mu.Unlock()

	if proc != nil {
		proc.Signal(syscall.SIGTERM)
	}
}

// ChunkID reports the ID of the chunk this recorder writes. Events
// carry the same ID, which lets the session match an event back to
// the recorder that sent it.
func (r *Recorder) ChunkID() uint64 {
	return r.chunk.ID
}

// captureArgs builds the rec invocation: quiet mode, raw format flags,
// the target path, then a silence effect gating capture start on voice
// and stopping it after the trailing-silence window.
func (r *Recorder) captureArgs(immediate bool) []string {
	args := []string{
		"-q",
		"-r", strconv.Itoa(r.cfg.SampleRate),
		"-c", strconv.Itoa(r.cfg.Channels),
		"-b", strconv.Itoa(r.cfg.BitDepth),
		r.chunk.Path,
		"silence",
	}
	if immediate {
		// Zero threshold for zero seconds: the gate opens instantly.
		args = append(args, "1", "0", "0%")
	} else {
		args = append(args, "1", formatSeconds(r.cfg.StartDurationSec), formatPct(r.cfg.StartThresholdPct))
	}
	args = append(args, "1", formatSeconds(r.cfg.TrailingSilenceSec), formatPct(r.cfg.StopThresholdPct))
	return args
}

// pollSize watches the chunk file grow to detect the listening ->
// recording transition and arm the max-duration timer.
func (r *Recorder) pollSize() {
	defer close(r.pollExited)
	for {
		select {
		case <-r.pollDone:
			return
		case <-r.poll.C:
		}

		info, err := os.Stat(r.chunk.Path)
		if err != nil {
			continue
		}
		r.mu.Lock()
		r.chunk.SizeBytes = info.Size()
		already := r.recording
		if info.Size() >= r.cfg.MinChunkBytes {
			r.recording = true
		}
		detected := !already && r.recording
		r.mu.Unlock()

		if detected {
			r.log.Debug().Int64("bytes", info.Size()).Msg("recording detected")
			r.armMaxTimer()
			r.events <- Event{Kind: EventRecording, ChunkID: r.chunk.ID}
		}
	}
}

// armMaxTimer arms the max-duration split exactly once per chunk.
func (r *Recorder) armMaxTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxTimer != nil || r.stopped {
		return
	}
	r.maxTimer = time.AfterFunc(r.cfg.MaxChunkDuration(), func() {
		r.mu.Lock()
		r.splitNext = true
		proc := r.proc
		r.mu.Unlock()

		r.log.Debug().Msg("max chunk duration reached, splitting")
		if proc != nil {
			proc.Signal(syscall.SIGTERM)
		}
	})
}

// waitExit blocks on the capture process and turns its exit, however it
// happened, into exactly one EventClosed. All timers are released here.
func (r *Recorder) waitExit() {
	err := r.proc.Wait()

	r.mu.Lock()
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	r.poll.Stop()
	select {
	case <-r.pollDone:
	default:
		close(r.pollDone)
	}
	split := r.splitNext
	stopped := r.stopped
	r.mu.Unlock()

	// The poll goroutine must be gone before the final size is read.
	<-r.pollExited

	// SIGTERM is how the recorder is told to stop; a non-zero exit after
	// one is a normal close, not a capture failure.
	if err != nil && (stopped || split) {
		err = nil
	}

	ev := Event{Kind: EventClosed, ChunkID: r.chunk.ID, NextImmediate: split, Err: err}
	if info, statErr := os.Stat(r.chunk.Path); statErr != nil || info.Size() < r.cfg.MinChunkBytes {
		ev.Empty = true
		os.Remove(r.chunk.Path)
		r.log.Debug().Msg("chunk below minimum size, discarded")
	} else {
		r.mu.Lock()
		r.chunk.SizeBytes = info.Size()
		r.mu.Unlock()
		ev.Chunk = r.chunk
		r.log.Debug().Int64("bytes", info.Size()).Bool("split", split).Msg("chunk closed")
	}

	r.events <- ev
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func formatPct(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64) + "%"
}
