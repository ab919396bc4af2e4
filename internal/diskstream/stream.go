// Package diskstream implements a segmented append-only file stream: a
// directory + file-prefix of zero-padded numbered segments, with
// independent read and write cursors and the queue's on-disk record
// framing (see record.go). It is the disk-assistance backing used by
// msgqueue's Disk mode and by Message's disk-spill serialization.
package diskstream

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gastrolog/internal/logging"
)

// Mode selects whether a Stream is opened for reading or writing.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

var (
	ErrFileNotFound  = errors.New("diskstream: segment file not found")
	ErrIOError       = errors.New("diskstream: I/O error")
	ErrDoubleUnget   = errors.New("diskstream: unread_char called twice without an intervening read")
	defaultPageSize  = 4096
)

// Config configures a Stream.
type Config struct {
	Dir      string
	Prefix   string
	Mode     Mode
	MaxSize  int64 // per-segment maximum size in bytes; 0 means unbounded
	// MaxSegments bounds the number of segments kept; once reached, a
	// write-mode stream's rotation wraps (overwrites segment 0) and a
	// read-mode stream's EOF-advance wraps instead of returning EOF
	// ("circular" mode, spec §3). 0 means unbounded (no wraparound).
	MaxSegments int
	// DeleteOnClose removes the current segment file when Close is called.
	// Used by the read cursor on a clean, fully-drained queue shutdown.
	DeleteOnClose bool
	FileMode      os.FileMode
	Logger        *slog.Logger
}

// Stream is one cursor (read or write) over a segmented file sequence.
// A queue owns one read Stream and one write Stream over the same
// directory+prefix; Stream itself only knows about its own cursor.
type Stream struct {
	cfg Config
	log *slog.Logger

	segment int
	offset  int64 // byte offset within the current segment

	file *os.File
	buf  []byte // page buffer
	bpos int    // read: next unread byte in buf; write: next free byte in buf
	blen int    // read: valid bytes in buf

	ungetByte byte
	hasUnget  bool
}

// Open opens (or creates, in write mode) the stream at its initial
// segment/offset. Callers that are resuming a prior stream should use
// OpenAt instead.
func Open(cfg Config) (*Stream, error) {
	return OpenAt(cfg, 0, 0)
}

// OpenAt opens the stream positioned at a specific segment and byte offset,
// as recorded in a previously persisted queue-info record.
func OpenAt(cfg Config, segment int, offset int64) (*Stream, error) {
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	s := &Stream{
		cfg:     cfg,
		log:     logging.Default(cfg.Logger).With("component", "diskstream", "prefix", cfg.Prefix),
		segment: segment,
		offset:  offset,
		buf:     make([]byte, defaultPageSize),
	}
	if err := s.openSegment(s.segment); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeWrite {
		if _, err := s.file.Seek(s.offset, 0); err != nil {
			return nil, fmt.Errorf("%w: seek: %v", ErrIOError, err)
		}
	}
	return s, nil
}

func (s *Stream) segmentPath(n int) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("%s.%08d", s.cfg.Prefix, n))
}

func (s *Stream) openSegment(n int) error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	path := s.segmentPath(n)

	var flags int
	switch s.cfg.Mode {
	case ModeRead:
		flags = os.O_RDONLY
	case ModeWrite:
		flags = os.O_RDWR | os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, s.cfg.FileMode)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	s.file = f
	s.segment = n
	s.bpos, s.blen = 0, 0
	return nil
}

// Segment returns the stream's current segment number.
func (s *Stream) Segment() int { return s.segment }

// Offset returns the stream's current byte offset within its segment.
func (s *Stream) Offset() int64 { return s.offset }

// MaxSize returns the configured per-segment maximum size.
func (s *Stream) MaxSize() int64 { return s.cfg.MaxSize }

// Close flushes (if writing) and closes the underlying file. If
// DeleteOnClose is set, the current segment file is removed afterward.
func (s *Stream) Close() error {
	if s.cfg.Mode == ModeWrite {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	path := s.segmentPath(s.segment)
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
		s.file = nil
	}
	if s.cfg.DeleteOnClose {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", ErrIOError, path, err)
		}
	}
	return nil
}
