package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

// Chunk is one captured audio segment on disk.
type Chunk struct {
	ID        uint64
	Path      string
	SizeBytes int64
}

// Store hands out sequentially numbered chunk files under a per-session
// temp directory. Chunk audio is ephemeral: every file is removed after
// it is transcribed or discarded, and Close deletes the directory.
type Store struct {
	dir     string
	session string
	counter atomic.Uint64
}

// NewStore creates the chunk directory for a new session.
func NewStore() (*Store, error) {
	session := uuid.NewString()
	dir := filepath.Join(os.TempDir(), "seashell-"+session)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &Store{dir: dir, session: session}, nil
}

// SessionID returns the unique id for this run.
func (s *Store) SessionID() string { return s.session }

// Dir returns the chunk directory path.
func (s *Store) Dir() string { return s.dir }

// Next allocates the next chunk in sequence. The file itself is created
// by the capture process, not here.
func (s *Store) Next() *Chunk {
	id := s.counter.Add(1)
	return &Chunk{
		ID:   id,
		Path: filepath.Join(s.dir, fmt.Sprintf("chunk-%06d.wav", id)),
	}
}

// Remove deletes the chunk's audio file. A missing file is not an error.
func (s *Store) Remove(c *Chunk) error {
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close removes the session directory and anything left in it.
func (s *Store) Close() error {
	return os.RemoveAll(s.dir)
}

// Sweep removes chunk directories left behind by previous runs that
// crashed before cleaning up. Returns the number of directories removed.
func Sweep() int {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), "seashell-*"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, dir := range matches {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if os.RemoveAll(dir) == nil {
			removed++
		}
	}
	return removed
}
