package msgqueue

import (
	"sync"

	"gastrolog/internal/logging"
	"gastrolog/internal/msg"
)

// daDriver is the disk-assist overflow store for a FixedArray or
// LinkedList queue (spec §3 "disk-assisted queue"). It promotes itself
// the moment a message spills to disk and demotes back to a pure
// in-memory queue once the overflow has fully drained — transparently
// to Enqueue and dequeue callers, which only ever see "the backlog got
// bigger" or "it's all gone".
//
// daDriver keeps its own mutex rather than sharing the owning Queue's:
// spill runs on the enqueuing goroutine without the Queue lock held (it
// is only reached after Queue.Enqueue has already released it), and
// demoteLocked runs with the Queue lock held from dequeue. Using an
// independent lock here avoids coupling the two call sites' locking
// discipline together.
type daDriver struct {
	mu     sync.Mutex
	back   *diskBacking
	active bool
}

func newDADriver(cfg Config) (*daDriver, error) {
	b, err := newDiskBacking(cfg.Dir, cfg.FilePrefix+"-da", cfg.MaxFileSize, cfg.MaxSegments, cfg.FileMode, logging.Default(cfg.Logger))
	if err != nil {
		return nil, err
	}
	return &daDriver{back: b}, nil
}

func (d *daDriver) spill(m *msg.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.back.push(m)
	d.active = true
	return nil
}

// demoteLocked pops the oldest overflow message, if any. The "Locked"
// suffix documents that the caller (Queue.dequeue) holds the Queue's
// own lock while calling this; daDriver's internal lock is separate.
func (d *daDriver) demoteLocked() (*msg.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.back.len() == 0 {
		return nil, false
	}
	m := d.back.pop()
	if m == nil {
		return nil, false
	}
	if d.back.len() == 0 {
		d.active = false
	}
	return m, true
}

func (d *daDriver) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.back.len()
}

func (d *daDriver) isActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *daDriver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.back.close()
}
