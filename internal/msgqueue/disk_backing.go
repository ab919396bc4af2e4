package msgqueue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gastrolog/internal/diskstream"
	"gastrolog/internal/logging"
	"gastrolog/internal/msg"
)

// diskBacking persists messages to a segmented on-disk stream (spec §3
// "disk stream", §4.2 persistence). It keeps its own count since a
// diskstream.Stream has no notion of "how many records remain".
type diskBacking struct {
	dir, prefix string
	maxFileSize int64
	maxSegments int
	fileMode    os.FileMode
	logger      *slog.Logger

	write *diskstream.Stream
	read  *diskstream.Stream
	count int
}

func newDiskBacking(dir, prefix string, maxFileSize int64, maxSegments int, fileMode os.FileMode, logger *slog.Logger) (*diskBacking, error) {
	if fileMode == 0 {
		fileMode = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIOError, dir, err)
	}

	b := &diskBacking{dir: dir, prefix: prefix, maxFileSize: maxFileSize, maxSegments: maxSegments, fileMode: fileMode, logger: logging.Default(logger)}

	write, err := diskstream.Open(diskstream.Config{Dir: dir, Prefix: prefix + "-w", Mode: diskstream.ModeWrite, MaxSize: maxFileSize, MaxSegments: maxSegments, FileMode: fileMode})
	if err != nil {
		return nil, err
	}
	read, err := diskstream.Open(diskstream.Config{Dir: dir, Prefix: prefix + "-w", Mode: diskstream.ModeRead, MaxSegments: maxSegments, FileMode: fileMode})
	if err != nil {
		write.Close()
		return nil, err
	}
	b.write, b.read = write, read
	return b, nil
}

// resumeDiskBacking reopens the write and read streams at the cursors
// recorded in a prior queue-info record (spec §4.2 "if disk files exist
// under the prefix, reload a queue-info record and resume").
func resumeDiskBacking(dir, prefix string, maxFileSize int64, maxSegments int, fileMode os.FileMode, logger *slog.Logger, info *QueueInfo) (*diskBacking, error) {
	if fileMode == 0 {
		fileMode = 0o644
	}
	b := &diskBacking{dir: dir, prefix: prefix, maxFileSize: maxFileSize, maxSegments: maxSegments, fileMode: fileMode, logger: logging.Default(logger), count: info.Size}

	write, err := diskstream.OpenAt(diskstream.Config{Dir: dir, Prefix: prefix + "-w", Mode: diskstream.ModeWrite, MaxSize: maxFileSize, MaxSegments: maxSegments, FileMode: fileMode}, info.WriteSegment, info.WriteOffset)
	if err != nil {
		return nil, err
	}
	read, err := diskstream.OpenAt(diskstream.Config{Dir: dir, Prefix: prefix + "-w", Mode: diskstream.ModeRead, MaxSegments: maxSegments, FileMode: fileMode}, info.ReadSegment, info.ReadOffset)
	if err != nil {
		write.Close()
		return nil, err
	}
	b.write, b.read = write, read
	return b, nil
}

func (b *diskBacking) push(m *msg.Message) {
	if err := m.Serialize(b.write); err != nil {
		b.logger.Warn("disk queue: failed to persist message, message dropped", "error", err)
		return
	}
	if err := b.write.Flush(); err != nil {
		b.logger.Warn("disk queue: failed to flush segment", "error", err)
		return
	}
	b.count++
}

func (b *diskBacking) pop() *msg.Message {
	if b.count == 0 {
		return nil
	}
	m, err := msg.Deserialize(b.read)
	if err != nil {
		b.logger.Warn("disk queue: failed to read persisted message, message lost", "error", err)
		b.count--
		return nil
	}
	b.count--
	return m
}

func (b *diskBacking) len() int { return b.count }

func (b *diskBacking) close() error {
	if err := b.write.Close(); err != nil {
		return err
	}
	return b.read.Close()
}

// deleteOnClose marks the read stream for deletion at Close, used on a
// clean shutdown with an empty queue (spec §4.2: "queue-info file is
// deleted and the read stream is marked delete-on-close").
func (b *diskBacking) deleteOnClose() {
	b.read.Close()
	path := filepath.Join(b.dir, fmt.Sprintf("%s-w.%08d", b.prefix, b.read.Segment()))
	os.Remove(path)
}

// cursors returns the write/read segment+offset pair for persistence.
func (b *diskBacking) cursors() (writeSeg int, writeOff int64, readSeg int, readOff int64) {
	return b.write.Segment(), b.write.Offset(), b.read.Segment(), b.read.Offset()
}
