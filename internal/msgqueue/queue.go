// Package msgqueue implements the disk-assisted message queue described
// in spec §3/§4.2: a bounded in-memory store that transparently spills
// to disk under back-pressure, fed by Enqueue and drained by a
// water-mark-scaled worker pool calling a Consumer action.
package msgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gastrolog/internal/logging"
	"gastrolog/internal/msg"
)

// Queue is a single named message queue (spec §3 "Queue").
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	back     backing // nil when cfg.Mode == Direct
	capacity int

	da *daDriver // non-nil when cfg.DiskAssist

	closed      bool
	enqueueOnly bool
	drained     bool

	pool *workerPool

	dequeuesSincePersist int
}

// Construct builds a Queue from cfg without starting its worker pool.
// For Mode == Disk (or DiskAssist == true), it resumes from a persisted
// queue-info checkpoint if one is found under cfg.Dir (spec §4.2).
func Construct(cfg Config) (*Queue, error) {
	if cfg.Consumer == nil {
		return nil, fmt.Errorf("msgqueue: %s: consumer is required", cfg.Name)
	}

	q := &Queue{cfg: cfg, logger: logging.Default(cfg.Logger).With("component", "msgqueue", "queue", cfg.Name), capacity: cfg.Capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)

	switch cfg.Mode {
	case Direct:
		// no backing store at all
	case FixedArray:
		if cfg.Capacity <= 0 {
			return nil, fmt.Errorf("msgqueue: %s: FixedArray requires Capacity > 0", cfg.Name)
		}
		q.back = newFixedArrayBacking(cfg.Capacity)
	case LinkedList:
		q.back = newLinkedListBacking()
	case Disk:
		b, err := openDiskBackingResuming(cfg)
		if err != nil {
			return nil, err
		}
		q.back = b
		q.capacity = 0 // disk backing is unbounded from Enqueue's perspective
	default:
		return nil, fmt.Errorf("msgqueue: %s: unknown backing mode %d", cfg.Name, cfg.Mode)
	}

	if cfg.DiskAssist && (cfg.Mode == FixedArray || cfg.Mode == LinkedList) {
		da, err := newDADriver(cfg)
		if err != nil {
			return nil, err
		}
		q.da = da
	}

	q.pool = newWorkerPool(q, cfg)
	return q, nil
}

func openDiskBackingResuming(cfg Config) (*diskBacking, error) {
	info, err := readQueueInfo(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return resumeDiskBacking(cfg.Dir, cfg.FilePrefix, cfg.MaxFileSize, cfg.MaxSegments, cfg.FileMode, cfg.Logger, info)
	}
	return newDiskBacking(cfg.Dir, cfg.FilePrefix, cfg.MaxFileSize, cfg.MaxSegments, cfg.FileMode, cfg.Logger)
}

// Start launches the worker pool (and the DA driver, if configured) and
// returns immediately; workers run until ctx is cancelled or Shutdown is
// called.
func (q *Queue) Start(ctx context.Context) error {
	return q.pool.start(ctx)
}

// Enqueue adds m to the queue. For Mode == Direct it invokes the
// consumer synchronously on the caller's goroutine. It returns
// ErrShutdown once the queue has been told to stop, or ErrQueueFull
// when the backing is at capacity and no disk-assist overflow is
// configured (spec §4.2 "queue full" behavior). Below the discard
// water mark m is always kept; at or above it, a message whose
// severity is at or less urgent than cfg.DiscardSeverity is dropped
// silently instead — Enqueue returns nil and the consumer is never
// called for it (spec §4.2, §3 "DWM").
func (q *Queue) Enqueue(m *msg.Message) error {
	if q.cfg.Mode == Direct {
		return q.cfg.Consumer(m)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}

	if q.cfg.DiscardWaterMark > 0 && q.back != nil && q.back.len() >= q.cfg.DiscardWaterMark &&
		m.Severity() >= q.cfg.DiscardSeverity {
		q.mu.Unlock()
		return nil
	}

	if q.capacity > 0 && q.back.len() >= q.capacity {
		if q.da != nil {
			q.mu.Unlock()
			return q.da.spill(m)
		}
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.back.push(m)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return nil
}

// dequeue blocks until a message is available or the queue is closed
// and drained, returning (nil, false) in the latter case.
func (q *Queue) dequeue() (*msg.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.back != nil {
			if m := q.back.pop(); m != nil {
				q.notFull.Signal()
				q.afterDequeueLocked()
				return m, true
			}
		}
		if q.da != nil {
			if m, ok := q.da.demoteLocked(); ok {
				q.afterDequeueLocked()
				return m, true
			}
		}
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

// afterDequeueLocked runs the persistence cadence (spec §4.2
// "persist_every"); called with q.mu held.
func (q *Queue) afterDequeueLocked() {
	if q.cfg.Mode != Disk || q.cfg.PersistEvery <= 0 {
		return
	}
	q.dequeuesSincePersist++
	if q.dequeuesSincePersist < q.cfg.PersistEvery {
		return
	}
	q.dequeuesSincePersist = 0
	q.persistLocked()
}

func (q *Queue) persistLocked() {
	db, ok := q.back.(*diskBacking)
	if !ok {
		return
	}
	ws, wo, rs, ro := db.cursors()
	info := QueueInfo{Size: db.len(), WriteSegment: ws, WriteOffset: wo, ReadSegment: rs, ReadOffset: ro}
	if err := writeQueueInfo(q.cfg.Dir, q.cfg.FilePrefix, info); err != nil {
		q.logger.Warn("failed to persist queue checkpoint", "error", err)
	}
}

// SetEnqueueOnly pauses (true) or resumes (false) delivery to the
// consumer without affecting Enqueue (spec's Open Questions: going back
// to regular mode from enqueue-only is supported; the reverse direction
// — regular queue demoted to enqueue-only after having dequeued — is not,
// since the spec never describes un-promoting an already-active DA
// queue; see DESIGN.md).
func (q *Queue) SetEnqueueOnly(v bool) {
	q.mu.Lock()
	q.enqueueOnly = v
	q.mu.Unlock()
	q.pool.setPaused(v)
}

// Len reports the number of messages currently buffered (memory plus
// any disk-assist overflow).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	if q.back != nil {
		n += q.back.len()
	}
	if q.da != nil {
		n += q.da.len()
	}
	return n
}

// Shutdown stops the worker pool. immediate == false drains the current
// backlog through the consumer first (bounded shutdown, spec §5);
// immediate == true stops workers after their in-flight message and
// leaves the remaining backlog either on disk (Disk/DiskAssist) or
// discarded (in-memory only).
func (q *Queue) Shutdown(ctx context.Context, immediate bool) error {
	if !immediate {
		if err := q.pool.drain(ctx); err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	q.pool.stop(immediate)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.Mode == Disk {
		db := q.back.(*diskBacking)
		if db.len() == 0 {
			removeQueueInfo(q.cfg.Dir, q.cfg.FilePrefix)
			db.deleteOnClose()
			return nil
		}
		q.persistLocked()
		return db.close()
	}
	if q.da != nil {
		return q.da.close()
	}
	return nil
}
