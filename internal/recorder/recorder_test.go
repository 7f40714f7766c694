package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupart/seashell/internal/chunk"
	"github.com/stupart/seashell/internal/config"
)

// fakeProcess is a capture process under test control: it "exits" when
// finish is called and records any signal it received.
type fakeProcess struct {
	mu       sync.Mutex
	signals  []os.Signal
	exited   chan struct{}
	exitErr  error
	exitOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProcess) finish(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		close(p.exited)
	})
}

func (p *fakeProcess) signaled(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

type fakeLauncher struct {
	proc     *fakeProcess
	err      error
	lastArgs []string
}

func (l *fakeLauncher) Launch(args, extraEnv []string) (Process, error) {
	l.lastArgs = args
	if l.err != nil {
		return nil, l.err
	}
	return l.proc, nil
}

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		Binary:             "rec",
		SampleRate:         16000,
		Channels:           1,
		BitDepth:           16,
		StartThresholdPct:  3.0,
		StartDurationSec:   0.1,
		StopThresholdPct:   3.0,
		TrailingSilenceSec: 2.0,
		MaxChunkSec:        0.2, // short for tests
		PollIntervalMs:     5,
		MinChunkBytes:      64,
	}
}

func testChunk(t *testing.T, id uint64) *chunk.Chunk {
	t.Helper()
	return &chunk.Chunk{ID: id, Path: filepath.Join(t.TempDir(), "chunk-000001.wav")}
}

func newTestRecorder(t *testing.T, cfg config.CaptureConfig, c *chunk.Chunk, events chan Event, launcher *fakeLauncher) *Recorder {
	t.Helper()
	r := New(cfg, c, events, zerolog.Nop())
	r.launcher = launcher
	return r
}

func waitEvent(t *testing.T, events chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestCaptureArgsVoiceGated(t *testing.T) {
	c := testChunk(t, 1)
	launcher := &fakeLauncher{proc: newFakeProcess()}
	r := newTestRecorder(t, testCaptureConfig(), c, make(chan Event, 8), launcher)

	args := r.captureArgs(false)
	want := []string{"-q", "-r", "16000", "-c", "1", "-b", "16", c.Path,
		"silence", "1", "0.1", "3%", "1", "2", "3%"}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d: %v", len(want), len(args), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], args[i])
		}
	}
}

func TestCaptureArgsImmediateOmitsVoiceGate(t *testing.T) {
	c := testChunk(t, 1)
	launcher := &fakeLauncher{proc: newFakeProcess()}
	r := newTestRecorder(t, testCaptureConfig(), c, make(chan Event, 8), launcher)

	args := r.captureArgs(true)
	// The start gate must open instantly: zero duration, zero threshold.
	var found bool
	for i := 0; i+3 < len(args); i++ {
		if args[i] == "silence" && args[i+1] == "1" && args[i+2] == "0" && args[i+3] == "0%" {
			found = true
		}
	}
	if !found {
		t.Fatalf("immediate mode should disable the voice trigger, got args %v", args)
	}
}

func TestRecordingDetectedOnFileGrowth(t *testing.T) {
	c := testChunk(t, 1)
	events := make(chan Event, 8)
	proc := newFakeProcess()
	launcher := &fakeLauncher{proc: proc}
	r := newTestRecorder(t, testCaptureConfig(), c, events, launcher)

	if err := r.Start(false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Simulate the capture process writing audio.
	if err := os.WriteFile(c.Path, make([]byte, 128), 0644); err != nil {
		t.Fatal(err)
	}

	rec := waitEvent(t, events, EventRecording)
	if rec.ChunkID != c.ID {
		t.Errorf("recording event should carry chunk id %d, got %d", c.ID, rec.ChunkID)
	}

	proc.finish(nil)
	ev := waitEvent(t, events, EventClosed)
	if ev.Empty {
		t.Error("chunk with audio should not be empty")
	}
	if ev.ChunkID != c.ID {
		t.Errorf("close event should carry chunk id %d, got %d", c.ID, ev.ChunkID)
	}
	if ev.Chunk == nil || ev.Chunk.SizeBytes != 128 {
		t.Errorf("expected closed chunk of 128 bytes, got %+v", ev.Chunk)
	}
}

func TestEmptyChunkDiscarded(t *testing.T) {
	c := testChunk(t, 1)
	events := make(chan Event, 8)
	proc := newFakeProcess()
	r := newTestRecorder(t, testCaptureConfig(), c, events, &fakeLauncher{proc: proc})

	if err := r.Start(false); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Below the minimum-bytes threshold.
	if err := os.WriteFile(c.Path, make([]byte, 10), 0644); err != nil {
		t.Fatal(err)
	}

	proc.finish(nil)
	ev := waitEvent(t, events, EventClosed)
	if !ev.Empty {
		t.Error("undersized chunk should be reported empty")
	}
	if ev.Chunk != nil {
		t.Error("empty close should carry no chunk")
	}
	if _, err := os.Stat(c.Path); !os.IsNotExist(err) {
		t.Error("discarded chunk file should have been removed")
	}
}

func TestMaxDurationSplitRequestsImmediateNext(t *testing.T) {
	c := testChunk(t, 1)
	events := make(chan Event, 8)
	proc := newFakeProcess()
	r := newTestRecorder(t, testCaptureConfig(), c, events, &fakeLauncher{proc: proc})

	if err := r.Start(false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := os.WriteFile(c.Path, make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventRecording)

	// The max-duration timer (200ms in the test config) should SIGTERM
	// the process; the fake then exits the way rec would.
	deadline := time.After(2 * time.Second)
	for !proc.signaled(syscall.SIGTERM) {
		select {
		case <-deadline:
			t.Fatal("max-duration timer never signaled the process")
		case <-time.After(5 * time.Millisecond):
		}
	}
	proc.finish(errors.New("signal: terminated"))

	ev := waitEvent(t, events, EventClosed)
	if !ev.NextImmediate {
		t.Error("max-duration split must request an immediate next chunk")
	}
	if ev.Err != nil {
		t.Errorf("split termination is a normal close, got error %v", ev.Err)
	}
	if ev.Empty || ev.Chunk == nil {
		t.Error("split chunk should carry its audio")
	}
}

func TestStopSalvagesPartialAudio(t *testing.T) {
	c := testChunk(t, 1)
	events := make(chan Event, 8)
	proc := newFakeProcess()
	r := newTestRecorder(t, testCaptureConfig(), c, events, &fakeLauncher{proc: proc})

	if err := r.Start(false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := os.WriteFile(c.Path, make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventRecording)

	r.Stop()
	r.Stop() // idempotent

	if !proc.signaled(syscall.SIGTERM) {
		t.Fatal("stop should signal the capture process")
	}
	proc.finish(errors.New("signal: terminated"))

	ev := waitEvent(t, events, EventClosed)
	if ev.Err != nil {
		t.Errorf("stop is a normal close, got error %v", ev.Err)
	}
	if ev.Chunk == nil {
		t.Error("partial audio should still be reported for transcription")
	}
}

func TestAbnormalExitReportsError(t *testing.T) {
	c := testChunk(t, 1)
	events := make(chan Event, 8)
	proc := newFakeProcess()
	r := newTestRecorder(t, testCaptureConfig(), c, events, &fakeLauncher{proc: proc})

	if err := r.Start(false); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	proc.finish(errors.New("exit status 2"))

	ev := waitEvent(t, events, EventClosed)
	if ev.Err == nil {
		t.Error("abnormal exit should be reported")
	}
	if !ev.Empty {
		t.Error("no audio was written, chunk should be empty")
	}
}

func TestSpawnFailure(t *testing.T) {
	c := testChunk(t, 1)
	launcher := &fakeLauncher{err: errors.New("executable not found")}
	r := newTestRecorder(t, testCaptureConfig(), c, make(chan Event, 8), launcher)

	if err := r.Start(false); err == nil {
		t.Fatal("expected spawn error")
	}
}
