package msgqueue

import "errors"

var (
	// ErrQueueFull is returned by Enqueue when the queue has reached
	// capacity and no disk-assisted spill is configured (spec §4.2
	// "queue full" behavior). It is distinct from the discard-water-mark
	// policy, which drops a message silently (nil, no error) rather than
	// rejecting it.
	ErrQueueFull = errors.New("msgqueue: queue full")

	// ErrOutOfMemory signals a failed in-memory allocation while growing
	// a backing store.
	ErrOutOfMemory = errors.New("msgqueue: out of memory")

	// ErrIOError wraps a disk-backing I/O failure.
	ErrIOError = errors.New("msgqueue: io error")

	// ErrShutdown is returned by Enqueue once the queue has entered
	// enqueue-only-refused or has fully stopped.
	ErrShutdown = errors.New("msgqueue: queue is shutting down")

	// ErrAlreadyRunning is returned by Start if called twice.
	ErrAlreadyRunning = errors.New("msgqueue: already started")
)
