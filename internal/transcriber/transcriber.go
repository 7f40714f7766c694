// Package transcriber turns closed audio chunks into text by running
// the whisper.cpp CLI, one independent process per chunk. Jobs never
// block capture and never retry: a skipped chunk is acceptable because
// the microphone keeps listening regardless.
package transcriber

import (
	"bytes"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupart/seashell/internal/chunk"
	"github.com/stupart/seashell/internal/config"
)

// Result is the outcome of one recognition job.
type Result struct {
	ChunkID uint64

	// Text is the cleaned transcript, "" when the chunk was inaudible.
	Text string

	// Advisory is a non-fatal diagnostic from the recognizer worth
	// surfacing to the user. Model-load chatter is filtered out.
	Advisory string

	// Err is set when the recognition process failed; the chunk was
	// dropped and its audio deleted.
	Err error
}

// Launcher runs a recognition process to completion.
type Launcher interface {
	Run(args []string) (stdout, stderr string, err error)
}

type execLauncher struct {
	binary string
}

func (l execLauncher) Run(args []string) (string, string, error) {
	cmd := exec.Command(l.binary, args...)
	var out, diag bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &diag
	err := cmd.Run()
	return out.String(), diag.String(), err
}

// Transcriber starts recognition jobs. Any number may run concurrently;
// they share nothing but the results channel.
type Transcriber struct {
	cfg      config.WhisperConfig
	log      zerolog.Logger
	launcher Launcher
	store    *chunk.Store

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg config.WhisperConfig, store *chunk.Store, log zerolog.Logger) *Transcriber {
	return &Transcriber{
		cfg:      cfg,
		log:      log,
		launcher: execLauncher{binary: cfg.Binary},
		store:    store,
		done:     make(chan struct{}),
	}
}

// Close releases any jobs blocked on result delivery. Call it once the
// results channel has no reader left; in-flight recognition processes
// still run to completion, their results are dropped.
func (t *Transcriber) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Start spawns a recognition job for the chunk and returns without
// waiting. The result arrives on the channel when the process exits.
// The chunk's audio file is deleted no matter how the job ends.
func (t *Transcriber) Start(c *chunk.Chunk, results chan<- Result) {
	go func() {
		started := time.Now()
		stdout, stderr, err := t.launcher.Run(t.args(c))

		if t.store != nil {
			t.store.Remove(c)
		}

		res := Result{ChunkID: c.ID}
		if err != nil {
			if line := firstLine(stderr); line != "" {
				res.Err = fmt.Errorf("recognition failed: %w: %s", err, line)
			} else {
				res.Err = fmt.Errorf("recognition failed: %w", err)
			}
			t.log.Warn().Err(err).Uint64("chunk", c.ID).Msg("recognition process failed")
			t.deliver(results, res)
			return
		}

		res.Text = CleanTranscript(stdout)
		res.Advisory = advisoryFromStderr(stderr)
		t.log.Debug().
			Uint64("chunk", c.ID).
			Dur("took", time.Since(started)).
			Int("chars", len(res.Text)).
			Msg("recognition finished")
		t.deliver(results, res)
	}()
}

// deliver hands the result over unless the transcriber was closed,
// which unblocks the job goroutine when nothing drains the channel
// anymore.
func (t *Transcriber) deliver(results chan<- Result, res Result) bool {
	select {
	case results <- res:
		return true
	case <-t.done:
		return false
	}
}

// args builds the whisper-cli invocation for one chunk.
func (t *Transcriber) args(c *chunk.Chunk) []string {
	args := []string{
		"-m", t.cfg.Model,
		"-f", c.Path,
		"-l", t.cfg.Language,
		"-t", strconv.Itoa(t.cfg.Threads),
		"-nt", // no timestamps
		"-np", // no progress markers
	}
	if t.cfg.VADEnabled && t.cfg.VADModel != "" {
		args = append(args, "--vad", "--vad-model", t.cfg.VADModel)
	}
	return args
}

var (
	annotationRE = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	spaceRE      = regexp.MustCompile(`\s+`)
)

// CleanTranscript strips bracketed annotation tokens like [BLANK_AUDIO]
// or (wind blowing), collapses whitespace and trims. Anything a single
// character or shorter after that is noise.
func CleanTranscript(raw string) string {
	text := annotationRE.ReplaceAllString(raw, " ")
	text = spaceRE.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if len(text) <= 1 {
		return ""
	}
	return text
}

// benignStderr matches recognizer init chatter that is not worth
// surfacing: model and VAD loading, system info dumps and the like.
var benignStderr = []string{
	"whisper_",
	"ggml_",
	"vad_",
	"main:",
	"system_info",
	"model load",
	"load time",
}

// advisoryFromStderr returns the first diagnostic line that is not
// known-benign, or "".
func advisoryFromStderr(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		benign := false
		for _, marker := range benignStderr {
			if strings.Contains(line, marker) {
				benign = true
				break
			}
		}
		if !benign {
			return line
		}
	}
	return ""
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
