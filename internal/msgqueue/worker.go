package msgqueue

import (
	"context"
	"sync"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
)

// workerPool drives a Queue's consumer action from a pool of goroutines
// scaled between cfg.LowWorkers and cfg.HighWorkers by backlog size
// (spec §5 "water-mark-driven scaling"): backlog crossing
// HighWaterMark grows the pool towards HighWorkers; backlog falling
// under LowWaterMark shrinks it back towards LowWorkers.
//
// Shrinking is cooperative: a worker only notices it is over target
// between dequeues, so it can take up to one more message before
// exiting. A worker parked waiting on an empty queue does not notice a
// lowered target until the next message arrives or the queue closes.
type workerPool struct {
	q   *Queue
	cfg Config

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	active int
	target int
	paused bool

	wg sync.WaitGroup
}

func newWorkerPool(q *Queue, cfg Config) *workerPool {
	lo := cfg.LowWorkers
	if lo <= 0 {
		lo = 1
	}
	return &workerPool{q: q, cfg: cfg, target: lo}
}

func (p *workerPool) start(ctx context.Context) error {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	n := p.target
	p.mu.Unlock()

	if p.cfg.Mode == Direct {
		return nil // no pool to run: Enqueue calls the consumer directly
	}

	for i := 0; i < n; i++ {
		p.spawnWorker()
	}
	p.wg.Add(1)
	go p.scaleLoop()
	return nil
}

func (p *workerPool) spawnWorker() {
	p.mu.Lock()
	p.active++
	ctx := p.ctx
	p.mu.Unlock()

	// Petnames give worker goroutines a short, memorable identity in logs
	// (spec'd scaling events otherwise only report bare counts), cheaper
	// to eyeball across a burst of spawn/exit lines than a goroutine ID.
	name := petname.Generate(2, "-")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runWorker(ctx, name)
	}()
}

func (p *workerPool) runWorker(ctx context.Context, name string) {
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.q.logger.Debug("worker exiting", "queue", p.cfg.Name, "worker", name)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		paused := p.paused
		over := p.active > p.target
		p.mu.Unlock()

		if over {
			return
		}
		if paused {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		m, ok := p.q.dequeue()
		if !ok {
			return
		}
		if err := p.cfg.Consumer(m); err != nil {
			p.q.logger.Warn("consumer action failed, message discarded", "queue", p.cfg.Name, "worker", name, "error", err)
		}
	}
}

// scaleLoop periodically compares backlog against the configured water
// marks and adjusts target, spawning a worker immediately on growth
// (shrink is picked up lazily by runWorker, above).
func (p *workerPool) scaleLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.rescale()
		}
	}
}

func (p *workerPool) rescale() {
	hi := p.cfg.HighWorkers
	lo := p.cfg.LowWorkers
	if lo <= 0 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}

	backlog := p.q.Len()

	p.mu.Lock()
	grow := backlog >= p.cfg.HighWaterMark && p.cfg.HighWaterMark > 0 && p.active < hi
	if grow {
		p.target = p.active + 1
	} else if backlog <= p.cfg.LowWaterMark && p.active > lo {
		p.target = p.active - 1
	}
	p.mu.Unlock()

	if grow {
		p.spawnWorker()
	}
}

func (p *workerPool) setPaused(v bool) {
	p.mu.Lock()
	p.paused = v
	p.mu.Unlock()
}

// drain blocks until the queue's backlog reaches zero or ctx is done.
func (p *workerPool) drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// stop cancels the pool's context and waits for every worker and the
// scale loop to exit. immediate is accepted for symmetry with
// Queue.Shutdown's signature; the difference between a regular and an
// immediate shutdown is entirely in whether drain ran first.
func (p *workerPool) stop(immediate bool) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
