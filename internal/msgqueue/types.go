package msgqueue

import (
	"log/slog"
	"os"

	"gastrolog/internal/msg"
)

// BackingMode selects the storage strategy a Queue uses for messages
// waiting to be handed to a Consumer (spec §3 "Queue").
type BackingMode int

const (
	// FixedArray pre-allocates a ring buffer of Capacity slots. Cheapest,
	// but rejects (or disk-spills, see DiskAssist) once full.
	FixedArray BackingMode = iota
	// LinkedList grows one node per message, up to Capacity.
	LinkedList
	// Disk persists every message to a diskstream segment pair; nothing
	// is held in memory between Enqueue and the worker's pop.
	Disk
	// Direct bypasses storage entirely: Enqueue calls the Consumer
	// synchronously, on the caller's goroutine.
	Direct
)

// Consumer is the action applied to each dequeued message (spec §4.2
// "the queue delivers dequeued messages to a configured consumer
// action"). A non-nil error is logged; it never stops the queue.
type Consumer func(*msg.Message) error

// Config configures a Queue (spec §3, §4.2, §5).
type Config struct {
	Name string

	Mode     BackingMode
	Capacity int // ignored for Disk and Direct

	// Water marks drive worker-pool scaling (spec §5): the pool grows
	// towards HighWorkers as backlog passes HighWaterMark, and shrinks
	// towards LowWorkers once backlog falls under LowWaterMark.
	LowWorkers   int
	HighWorkers  int
	HighWaterMark int
	LowWaterMark  int

	// DiscardWaterMark and DiscardSeverity gate the severity-based
	// discard policy (spec §3 queue control block's DWM + discard-
	// severity threshold; spec §4.2 enqueue: below DWM no message is
	// ever discarded; at or above it, a message whose severity is at or
	// less urgent than DiscardSeverity is dropped silently instead of
	// being enqueued — the consumer is never called for it). Severity
	// follows syslog numbering, where larger numbers are less urgent
	// (7 = debug). DiscardWaterMark == 0 disables the policy entirely.
	DiscardWaterMark int
	DiscardSeverity  int

	// DiskAssist, when true with Mode == FixedArray or LinkedList,
	// spills overflow into a disk-backed child queue instead of
	// rejecting Enqueue once Capacity is reached (spec §3 "disk-assisted
	// queue").
	DiskAssist bool

	// Disk-backing parameters, used when Mode == Disk or DiskAssist.
	Dir         string
	FilePrefix  string
	MaxFileSize int64
	MaxSegments int
	FileMode    os.FileMode

	// PersistEvery is how many dequeues occur between queue-info
	// persistence writes (0 disables persistence, valid only with
	// Mode == Disk or DiskAssist).
	PersistEvery int

	Consumer Consumer
	Logger   *slog.Logger
}

// QueueInfo is the on-disk checkpoint record written every PersistEvery
// dequeues and on clean shutdown, letting a Disk or DA queue resume
// after a restart without losing its position (spec §4.2).
type QueueInfo struct {
	Size         int
	WriteSegment int
	WriteOffset  int64
	ReadSegment  int
	ReadOffset   int64
}
