package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jvalenc/webmta/internal/metrics"
)

// Processor drives one message to a terminal state
type Processor interface {
	Process(ctx context.Context, req *Request) Outcome
}

// QueueConfig controls queue pacing
type QueueConfig struct {
	// PauseMin/PauseMax bound the randomized pause observed after every
	// terminal state, before the next message starts. This throttles the
	// outbound rate independently of retry backoff.
	PauseMin time.Duration
	PauseMax time.Duration
}

// QueueStats is a point-in-time view of the queue
type QueueStats struct {
	Depth    int  `json:"depth"`
	InFlight int  `json:"in_flight"`
	Paused   bool `json:"paused"`
}

// Queue is the strict single-worker FIFO ordering all outbound messages.
// The remote console is one composer with one cursor focus; two concurrent
// compositions would corrupt each other, so in-flight is 0 or 1 always.
type Queue struct {
	cfg       QueueConfig
	processor Processor
	logger    *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	items    []*Request
	paused   bool
	inFlight int
	stopped  bool

	done chan struct{}
}

// NewQueue creates a stopped queue; call Start to begin draining
func NewQueue(cfg QueueConfig, processor Processor, logger *slog.Logger) *Queue {
	q := &Queue{
		cfg:       cfg,
		processor: processor,
		logger:    logger.With("component", "dispatch-queue"),
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the single worker
func (q *Queue) Start(ctx context.Context) {
	go q.worker(ctx)

	// Wake the worker when the context dies so it can exit promptly.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.stopped = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
}

// Stop halts dequeuing after the in-flight message (if any) completes
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

// Submit appends a message to the tail and returns immediately. The final
// outcome is reported asynchronously through the notifier and audit sinks.
func (q *Queue) Submit(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	metrics.Get().QueueDepth.Set(float64(len(q.items)))
	q.logger.Debug("message enqueued", "submission_id", req.ID, "depth", len(q.items))
	q.cond.Broadcast()
}

// Pause stops dequeuing once the current in-flight message finishes. It
// never cancels an attempt already driving the browser.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.logger.Info("queue paused")
}

// Resume re-enables dequeuing
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.logger.Info("queue resumed")
	q.cond.Broadcast()
}

// Clear discards all not-yet-started messages and returns how many were
// dropped. The in-flight message still runs to completion.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	metrics.Get().QueueDepth.Set(0)
	if n > 0 {
		metrics.Get().MessagesCleared.Add(float64(n))
	}
	q.logger.Info("queue cleared", "discarded", n)
	q.cond.Broadcast()
	return n
}

// Stats returns the current queue view
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Depth: len(q.items), InFlight: q.inFlight, Paused: q.paused}
}

// Drain blocks until the queue is empty and idle, or ctx expires. A paused
// queue with pending items never drains; use Quiesce when only the in-flight
// attempt matters.
func (q *Queue) Drain(ctx context.Context) error {
	return q.await(ctx, func() bool {
		return len(q.items) == 0 && q.inFlight == 0
	})
}

// Quiesce blocks until no attempt is in flight, or ctx expires. Pending
// items are ignored, so it is safe on a paused queue.
func (q *Queue) Quiesce(ctx context.Context) error {
	return q.await(ctx, func() bool {
		return q.inFlight == 0
	})
}

// await polls cond under the queue lock until it holds or ctx expires
func (q *Queue) await(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		ok := cond()
		q.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer close(q.done)
	m := metrics.Get()

	for {
		q.mu.Lock()
		for !q.stopped && (q.paused || len(q.items) == 0) {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		req := q.items[0]
		q.items = q.items[1:]
		q.inFlight = 1
		m.QueueDepth.Set(float64(len(q.items)))
		m.InFlight.Set(1)
		q.mu.Unlock()

		q.processor.Process(ctx, req)

		q.mu.Lock()
		q.inFlight = 0
		m.InFlight.Set(0)
		stop := q.stopped
		q.mu.Unlock()
		if stop {
			return
		}

		// Inter-message pause after every terminal state.
		q.interMessagePause(ctx)
	}
}

func (q *Queue) interMessagePause(ctx context.Context) {
	delay := randRange(q.cfg.PauseMin, q.cfg.PauseMax)
	if delay <= 0 {
		return
	}
	q.logger.Debug("inter-message pause", "delay", delay)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
