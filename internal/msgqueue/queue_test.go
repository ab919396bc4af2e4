package msgqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gastrolog/internal/msg"
)

func drainConsumer(got *[]*msg.Message, mu *sync.Mutex) Consumer {
	return func(m *msg.Message) error {
		mu.Lock()
		*got = append(*got, m)
		mu.Unlock()
		return nil
	}
}

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDirectModeCallsConsumerSynchronously(t *testing.T) {
	var called int32
	q, err := Construct(Config{
		Name: "direct", Mode: Direct,
		Consumer: func(m *msg.Message) error { atomic.AddInt32(&called, 1); return nil },
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	if err := q.Enqueue(msg.Construct()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected consumer called once, got %d", called)
	}
}

func TestFixedArrayConservation(t *testing.T) {
	var got []*msg.Message
	var mu sync.Mutex

	q, err := Construct(Config{
		Name: "fa", Mode: FixedArray, Capacity: 16,
		LowWorkers: 2, HighWorkers: 2, HighWaterMark: 1000, LowWaterMark: 0,
		Consumer: drainConsumer(&got, &mu),
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		if err := q.Enqueue(msg.Construct()); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	if err := q.Shutdown(context.Background(), false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestFixedArrayRejectsWhenFullWithoutDiskAssist(t *testing.T) {
	blocked := make(chan struct{})
	q, err := Construct(Config{
		Name: "fullq", Mode: FixedArray, Capacity: 1,
		LowWorkers: 1, HighWorkers: 1,
		Consumer: func(m *msg.Message) error { <-blocked; return nil },
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := q.Enqueue(msg.Construct()); err != nil { // picked up by the one worker, blocks there
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(msg.Construct()); err != nil { // fills the one backing slot
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Enqueue(msg.Construct()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(blocked)
}

func TestDiskAssistSpillsAndDemotesTransparently(t *testing.T) {
	dir := t.TempDir()
	released := make(chan struct{})
	var got []*msg.Message
	var mu sync.Mutex

	q, err := Construct(Config{
		Name: "da", Mode: FixedArray, Capacity: 2, DiskAssist: true,
		Dir: dir, FilePrefix: "da", MaxFileSize: 1 << 20,
		LowWorkers: 1, HighWorkers: 1,
		Consumer: func(m *msg.Message) error {
			<-released
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(msg.Construct()); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return q.da != nil && q.da.isActive() })

	close(released)
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})

	if q.da.isActive() {
		t.Fatal("expected disk assist to have demoted back to inactive")
	}
	if err := q.Shutdown(context.Background(), false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDiskQueuePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	blocked := make(chan struct{})
	q, err := Construct(Config{
		Name: "disk", Mode: Disk, Dir: dir, FilePrefix: "msgs", MaxFileSize: 1 << 20,
		LowWorkers: 1, HighWorkers: 1,
		Consumer: func(m *msg.Message) error { <-blocked; return nil },
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(msg.Construct()); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	// Simulate an unclean stop: close the backing directly without
	// draining, as Shutdown(immediate) with a full backlog would.
	q.mu.Lock()
	db := q.back.(*diskBacking)
	ws, wo, rs, ro := db.cursors()
	if err := writeQueueInfo(dir, "msgs", QueueInfo{Size: db.len(), WriteSegment: ws, WriteOffset: wo, ReadSegment: rs, ReadOffset: ro}); err != nil {
		t.Fatalf("writeQueueInfo: %v", err)
	}
	if err := db.close(); err != nil {
		t.Fatalf("close backing: %v", err)
	}
	q.mu.Unlock()
	close(blocked)

	q2, err := Construct(Config{
		Name: "disk", Mode: Disk, Dir: dir, FilePrefix: "msgs", MaxFileSize: 1 << 20,
		LowWorkers: 1, HighWorkers: 1,
		Consumer: func(m *msg.Message) error { return nil },
	})
	if err != nil {
		t.Fatalf("Construct (reopen): %v", err)
	}
	if q2.Len() != 3 {
		t.Fatalf("expected 3 messages recovered, got %d", q2.Len())
	}
}

func TestEnqueueAfterShutdownFails(t *testing.T) {
	var got []*msg.Message
	var mu sync.Mutex
	q, err := Construct(Config{
		Name: "sd", Mode: LinkedList, LowWorkers: 1, HighWorkers: 1,
		Consumer: drainConsumer(&got, &mu),
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	cancel()

	if err := q.Enqueue(msg.Construct()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestDiscardWaterMarkDropsLowSeverityPastMark(t *testing.T) {
	var got []*msg.Message
	var mu sync.Mutex

	q, err := Construct(Config{
		Name: "dwm", Mode: FixedArray, Capacity: 100,
		DiscardWaterMark: 90, DiscardSeverity: 6,
		LowWorkers: 1, HighWorkers: 1,
		Consumer: drainConsumer(&got, &mu),
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	q.SetEnqueueOnly(true) // keep the worker from draining while we fill the backing

	const n = 200
	var enqueued, discarded int
	for i := 0; i < n; i++ {
		m := msg.Construct()
		if i%2 == 0 {
			m.SetSeverity(5)
		} else {
			m.SetSeverity(7)
		}
		before := q.back.len()
		if err := q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if q.back.len() == before {
			discarded++
		} else {
			enqueued++
		}
	}

	if q.back.len() != q.cfg.Capacity {
		t.Fatalf("expected backing to fill to capacity %d, got %d", q.cfg.Capacity, q.back.len())
	}
	if discarded == 0 {
		t.Fatal("expected some severity-7 messages above the discard water mark to be dropped")
	}
	if enqueued != q.cfg.Capacity {
		t.Fatalf("expected %d messages to reach the backing, got %d", q.cfg.Capacity, enqueued)
	}
}

func TestDiscardWaterMarkNeverDropsHighSeverity(t *testing.T) {
	q, err := Construct(Config{
		Name: "dwm2", Mode: FixedArray, Capacity: 10,
		DiscardWaterMark: 1, DiscardSeverity: 6,
		LowWorkers: 1, HighWorkers: 1,
		Consumer: func(m *msg.Message) error { return nil },
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	q.SetEnqueueOnly(true)

	for i := 0; i < 5; i++ {
		m := msg.Construct()
		m.SetSeverity(3)
		if err := q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if q.back.len() != 5 {
		t.Fatalf("expected all 5 severity-3 messages preserved, got %d", q.back.len())
	}
}

func TestShutdownDrainsBacklogWhenNotImmediate(t *testing.T) {
	var got []*msg.Message
	var mu sync.Mutex

	q, err := Construct(Config{
		Name: "drain", Mode: LinkedList, LowWorkers: 2, HighWorkers: 2,
		HighWaterMark: 1000, LowWaterMark: 0,
		Consumer: drainConsumer(&got, &mu),
	})
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := q.Enqueue(msg.Construct()); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutCancel()
	if err := q.Shutdown(shutCtx, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("expected all 50 messages drained, got %d", len(got))
	}
}
