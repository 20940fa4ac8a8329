package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingProcessor records the order requests were handled in and the peak
// number of concurrent Process calls.
type countingProcessor struct {
	mu      sync.Mutex
	order   []string
	active  int32
	peak    int32
	block   chan struct{} // when set, Process waits until it is closed
	started chan struct{} // signalled once per Process entry
}

func (p *countingProcessor) Process(ctx context.Context, req *Request) Outcome {
	n := atomic.AddInt32(&p.active, 1)
	for {
		old := atomic.LoadInt32(&p.peak)
		if n <= old || atomic.CompareAndSwapInt32(&p.peak, old, n) {
			break
		}
	}
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	p.order = append(p.order, req.ID)
	p.mu.Unlock()
	atomic.AddInt32(&p.active, -1)
	return Outcome{Success: true}
}

func (p *countingProcessor) handled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func fastQueueConfig() QueueConfig {
	return QueueConfig{PauseMin: time.Millisecond, PauseMax: 2 * time.Millisecond}
}

func startQueue(t *testing.T, proc Processor) *Queue {
	t.Helper()
	q := NewQueue(fastQueueConfig(), proc, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Stop()
	})
	return q
}

func TestQueueFIFOOrder(t *testing.T) {
	proc := &countingProcessor{}
	q := startQueue(t, proc)

	var want []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		q.Submit(&Request{ID: id, Recipient: "+15551234567", Body: "x"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got := proc.handled()
	if len(got) != len(want) {
		t.Fatalf("handled %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueueSingleInFlight(t *testing.T) {
	proc := &countingProcessor{}
	q := startQueue(t, proc)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				q.Submit(&Request{ID: fmt.Sprintf("g%d-%d", n, j), Recipient: "+15551234567"})
			}
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if peak := atomic.LoadInt32(&proc.peak); peak != 1 {
		t.Errorf("peak concurrent attempts = %d, want 1", peak)
	}
	if got := len(proc.handled()); got != 20 {
		t.Errorf("handled %d requests, want 20", got)
	}
}

func TestQueuePauseBlocksDequeueNotInFlight(t *testing.T) {
	proc := &countingProcessor{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	q := startQueue(t, proc)

	q.Submit(&Request{ID: "inflight", Recipient: "+15551234567"})
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first request")
	}

	// Pause while an attempt is running, then enqueue more work.
	q.Pause()
	q.Submit(&Request{ID: "waiting", Recipient: "+15551234567"})

	close(proc.block)
	proc.block = nil

	// The in-flight attempt completes; the queued one must not start.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st := q.Stats(); st.InFlight == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := proc.handled(); len(got) != 1 || got[0] != "inflight" {
		t.Fatalf("handled while paused = %v, want only the in-flight request", got)
	}
	st := q.Stats()
	if !st.Paused {
		t.Error("Stats should report paused")
	}
	if st.Depth != 1 {
		t.Errorf("queue depth = %d, want 1", st.Depth)
	}

	q.Resume()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain after resume: %v", err)
	}
	if got := proc.handled(); len(got) != 2 {
		t.Errorf("handled after resume = %v, want 2 requests", got)
	}
}

func TestQueueClearDiscardsPendingOnly(t *testing.T) {
	proc := &countingProcessor{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	q := startQueue(t, proc)

	q.Submit(&Request{ID: "running", Recipient: "+15551234567"})
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}
	q.Submit(&Request{ID: "p1", Recipient: "+15551234567"})
	q.Submit(&Request{ID: "p2", Recipient: "+15551234567"})

	if cleared := q.Clear(); cleared != 2 {
		t.Errorf("Clear() = %d, want 2", cleared)
	}
	if st := q.Stats(); st.Depth != 0 {
		t.Errorf("depth after clear = %d, want 0", st.Depth)
	}

	// The in-flight request still runs to completion.
	close(proc.block)
	proc.block = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := proc.handled(); len(got) != 1 || got[0] != "running" {
		t.Errorf("handled = %v, want only the in-flight request", got)
	}
}

func TestQueueStatsIdle(t *testing.T) {
	q := startQueue(t, &countingProcessor{})
	st := q.Stats()
	if st.Depth != 0 || st.InFlight != 0 || st.Paused {
		t.Errorf("idle stats = %+v", st)
	}
}

func TestQueueQuiesceIgnoresPendingBacklog(t *testing.T) {
	proc := &countingProcessor{}
	q := startQueue(t, proc)

	// Pause first, then enqueue: Drain can never finish here, but Quiesce
	// must return promptly because nothing is in flight.
	q.Pause()
	q.Submit(&Request{ID: "b1", Recipient: "+15551234567"})
	q.Submit(&Request{ID: "b2", Recipient: "+15551234567"})

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelDrain()
	if err := q.Drain(drainCtx); err == nil {
		t.Error("Drain on a paused queue with a backlog should time out")
	}

	quiesceCtx, cancelQuiesce := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelQuiesce()
	if err := q.Quiesce(quiesceCtx); err != nil {
		t.Fatalf("Quiesce on an idle paused queue: %v", err)
	}
	if got := len(proc.handled()); got != 0 {
		t.Errorf("handled %d requests while paused, want 0", got)
	}
}

func TestQueueQuiesceWaitsForInFlight(t *testing.T) {
	proc := &countingProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	q := startQueue(t, proc)

	q.Submit(&Request{ID: "running", Recipient: "+15551234567"})
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}
	q.Pause()

	shortCtx, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	if err := q.Quiesce(shortCtx); err == nil {
		t.Error("Quiesce should wait while an attempt is in flight")
	}

	close(proc.block)
	proc.block = nil
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Quiesce(ctx); err != nil {
		t.Fatalf("Quiesce after the attempt finished: %v", err)
	}
}

func TestQueueDrainTimeout(t *testing.T) {
	proc := &countingProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	q := startQueue(t, proc)
	q.Submit(&Request{ID: "stuck", Recipient: "+15551234567"})
	<-proc.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); err == nil {
		t.Error("Drain should fail while an attempt is in flight")
	}
	close(proc.block)
}
