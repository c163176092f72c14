// Package rawlog implements the optional per-session wire-transcript
// sink (C8): every line written to or read from the socket, timestamped,
// one file per session.
package rawlog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/migadu/imaptest/consts"
)

// Direction marks which side of the wire a logged chunk came from.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

func (d Direction) marker() string {
	if d == DirectionIn {
		return "<<"
	}
	return ">>"
}

// Sink is a single session's rawlog file, opened exclusively so two
// sessions never clobber the same global_id's transcript.
type Sink struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates "rawlog.<global_id>" under dir, failing if it already
// exists (O_EXCL): a reused global_id writing into a stale transcript
// would silently corrupt it.
func Open(dir string, globalID int) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rawlog directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("rawlog.%d", globalID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, consts.RawlogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to create rawlog file %s: %w", path, err)
	}
	return &Sink{file: f}, nil
}

// Write appends one timestamped, direction-marked chunk. Chunks that
// don't end in a newline get the reference client's ">>\n" /
// "<<\n"-style continuation marker so a rawlog reader can tell a
// partial write from a complete line.
func (s *Sink) Write(dir Direction, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	prefix := fmt.Sprintf("%d.%06d %s ", now.Unix(), now.Nanosecond()/1000, dir.marker())
	if _, err := s.file.WriteString(prefix); err != nil {
		log.Printf("[RAWLOG] write error: %v", err)
		return
	}
	if _, err := s.file.Write(payload); err != nil {
		log.Printf("[RAWLOG] write error: %v", err)
		return
	}
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		if _, err := s.file.WriteString(dir.marker() + "\n"); err != nil {
			log.Printf("[RAWLOG] write error: %v", err)
		}
	}
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
