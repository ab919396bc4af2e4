package diskstream

import (
	"fmt"
	"io"
	"os"
)

// ReadChar reads the next byte, refilling the page buffer from the
// underlying file as needed. On refill EOF it advances to the next
// segment (segment+1, wrapping modulo MaxSegments when that bound is
// set and reached) unless MaxSegments is 0, in which case io.EOF is
// returned from the final segment.
func (s *Stream) ReadChar() (byte, error) {
	if s.hasUnget {
		s.hasUnget = false
		s.offset++
		return s.ungetByte, nil
	}

	for s.bpos >= s.blen {
		n, err := s.file.Read(s.buf)
		if n == 0 {
			if err != nil && err != io.EOF {
				return 0, fmt.Errorf("%w: %v", ErrIOError, err)
			}
			if advanced, aerr := s.advanceReadSegment(); aerr != nil {
				return 0, aerr
			} else if !advanced {
				return 0, io.EOF
			}
			continue
		}
		s.bpos, s.blen = 0, n
	}

	b := s.buf[s.bpos]
	s.bpos++
	s.offset++
	return b, nil
}

// advanceReadSegment moves the read cursor to the next segment. It
// returns false (no error) when there's nowhere left to go: either
// MaxSegments is unset (linear stream, true EOF) or the computed next
// segment's file doesn't exist yet (writer hasn't produced it).
func (s *Stream) advanceReadSegment() (bool, error) {
	if s.cfg.MaxSegments <= 0 {
		return false, nil
	}
	next := (s.segment + 1) % s.cfg.MaxSegments
	path := s.segmentPath(next)
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if err := s.openSegment(next); err != nil {
		return false, err
	}
	s.offset = 0
	return true, nil
}

// UngetChar buffers one byte to be returned by the next ReadChar, and
// decrements the logical offset. Calling it twice without an
// intervening ReadChar is a programming error (spec §4.4); it returns
// ErrDoubleUnget rather than silently clobbering the slot.
func (s *Stream) UngetChar(b byte) error {
	if s.hasUnget {
		return ErrDoubleUnget
	}
	s.hasUnget = true
	s.ungetByte = b
	s.offset--
	return nil
}

// Write appends bytes to the page buffer, flushing on a full page and
// opening the next segment when MaxSize would be exceeded.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if s.cfg.MaxSize > 0 && s.offset+int64(s.bpos) >= s.cfg.MaxSize {
			if err := s.Flush(); err != nil {
				return written, err
			}
			if err := s.rotateWriteSegment(); err != nil {
				return written, err
			}
		}

		room := len(s.buf) - s.bpos
		if room == 0 {
			if err := s.Flush(); err != nil {
				return written, err
			}
			room = len(s.buf)
		}

		n := room
		if n > len(p) {
			n = len(p)
		}
		copy(s.buf[s.bpos:], p[:n])
		s.bpos += n
		p = p[n:]
		written += n
	}
	return written, nil
}

// rotateWriteSegment opens the next segment for writing: create, then
// update the write cursor, matching spec §4.4's "create, write, then
// update write cursor" ordering so a crash mid-rotation leaves the old
// segment's cursor intact.
func (s *Stream) rotateWriteSegment() error {
	next := s.segment + 1
	if s.cfg.MaxSegments > 0 {
		next = next % s.cfg.MaxSegments
	}
	if err := s.openSegment(next); err != nil {
		return err
	}
	s.offset = 0
	return nil
}

// Flush writes any buffered (possibly partial) page to the file.
func (s *Stream) Flush() error {
	if s.bpos == 0 {
		return nil
	}
	n, err := s.file.Write(s.buf[:s.bpos])
	s.offset += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	s.bpos = 0
	return nil
}

// Seek flushes any pending write, then repositions within the current
// segment. It invalidates the read buffer so the next ReadChar refills
// from the new position.
func (s *Stream) Seek(offset int64) error {
	if s.cfg.Mode == ModeWrite {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	s.offset = offset
	s.bpos, s.blen = 0, 0
	s.hasUnget = false
	return nil
}
