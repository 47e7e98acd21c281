package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHandle is a scriptable Handle for controller tests.
type fakeHandle struct {
	name       string
	iterations atomic.Int64

	mu        sync.Mutex
	iterate   func(ctx context.Context) error
	actionOut any
	actionErr error
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) Actions() map[string][]string {
	return map[string][]string{"openai": {"generate-text", "check-model"}}
}

func (h *fakeHandle) PerformAction(_ context.Context, _, _ string, _ []any) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actionOut, h.actionErr
}

func (h *fakeHandle) RunLoopIteration(ctx context.Context) error {
	h.iterations.Add(1)
	h.mu.Lock()
	fn := h.iterate
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func newTestController(h Handle) *Controller {
	return NewController(h, 5*time.Millisecond, 10*time.Millisecond)
}

func TestControllerStartStop(t *testing.T) {
	h := &fakeHandle{name: "alpha"}
	c := newTestController(h)

	if c.IsRunning() {
		t.Fatal("new controller should not be running")
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("controller should be running after Start")
	}

	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.IsRunning() {
		t.Fatal("controller should not be running after Stop")
	}
	if h.iterations.Load() == 0 {
		t.Fatal("loop never iterated")
	}
}

func TestControllerIteratesBeforeImmediateStop(t *testing.T) {
	h := &fakeHandle{name: "alpha"}
	c := newTestController(h)

	// A stop issued right after start must not starve the loop of its
	// first iteration.
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.iterations.Load() < 1 {
		t.Fatal("loop stopped without running a single iteration")
	}
}

func TestControllerDoubleStart(t *testing.T) {
	h := &fakeHandle{name: "alpha"}
	c := newTestController(h)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(time.Second)

	if err := c.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
}

func TestControllerConcurrentStartExactlyOneSucceeds(t *testing.T) {
	h := &fakeHandle{name: "alpha"}
	c := newTestController(h)

	const n = 16
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Start(); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	defer c.Stop(time.Second)

	if got := successes.Load(); got != 1 {
		t.Fatalf("got %d successful starts, want 1", got)
	}
}

func TestControllerStopIdempotent(t *testing.T) {
	h := &fakeHandle{name: "alpha"}
	c := newTestController(h)

	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop on never-started controller: %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestControllerStopTimeoutThenRetry(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandle{name: "slow"}
	h.iterate = func(ctx context.Context) error {
		<-release
		return nil
	}
	c := newTestController(h)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Let the loop enter the blocking iteration.
	time.Sleep(20 * time.Millisecond)

	err := c.Stop(30 * time.Millisecond)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop: got %v, want ErrStopTimeout", err)
	}
	if !c.IsRunning() {
		t.Fatal("controller should still report running after timed-out stop")
	}

	// Unblock the iteration; the stop signal is still set, so a retry
	// succeeds.
	close(release)
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("retried Stop failed: %v", err)
	}
	if c.IsRunning() {
		t.Fatal("controller should be stopped after retried Stop")
	}
}

func TestControllerIterationErrorKeepsLoopAlive(t *testing.T) {
	h := &fakeHandle{name: "flaky"}
	h.iterate = func(ctx context.Context) error {
		return errors.New("transient failure")
	}
	c := NewController(h, 5*time.Millisecond, 5*time.Millisecond)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if !c.IsRunning() {
		t.Fatal("loop should survive iteration errors")
	}
	if h.iterations.Load() < 2 {
		t.Fatalf("loop should keep iterating after errors, got %d iterations", h.iterations.Load())
	}
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestControllerPanicEndsLoop(t *testing.T) {
	h := &fakeHandle{name: "crashy"}
	h.iterate = func(ctx context.Context) error {
		panic("boom")
	}
	c := newTestController(h)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(time.Second)
	for c.IsRunning() {
		select {
		case <-deadline:
			t.Fatal("controller still running after loop panic")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// A crashed loop is stopped; Stop succeeds without waiting.
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop after panic failed: %v", err)
	}

	// And it can be started again.
	h.mu.Lock()
	h.iterate = nil
	h.mu.Unlock()
	if err := c.Start(); err != nil {
		t.Fatalf("restart after panic failed: %v", err)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestControllerRequestActionWhileStopped(t *testing.T) {
	h := &fakeHandle{name: "alpha", actionOut: "pong"}
	c := newTestController(h)

	out, err := c.RequestAction(context.Background(), "twitter", "post-tweet", nil)
	if err != nil {
		t.Fatalf("RequestAction on stopped controller failed: %v", err)
	}
	if out != "pong" {
		t.Fatalf("got %v, want pong", out)
	}
}

func TestControllerRequestActionWrapsHandleError(t *testing.T) {
	h := &fakeHandle{name: "alpha", actionErr: errors.New("connection refused")}
	c := newTestController(h)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Stop(time.Second)

	if _, err := c.RequestAction(context.Background(), "twitter", "post-tweet", nil); err == nil {
		t.Fatal("expected wrapped handle error")
	}
	if !c.IsRunning() {
		t.Fatal("action failure must not affect the loop")
	}
}

func TestControllerLoopCancelsContextOnStop(t *testing.T) {
	sawCancel := make(chan struct{})
	var once sync.Once
	h := &fakeHandle{name: "ctx"}
	h.iterate = func(ctx context.Context) error {
		<-ctx.Done()
		once.Do(func() { close(sawCancel) })
		return ctx.Err()
	}
	c := newTestController(h)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	select {
	case <-sawCancel:
	case <-time.After(time.Second):
		t.Fatal("iteration context was never cancelled on stop")
	}
}

func TestStopTokenSignalSticks(t *testing.T) {
	tok := newStopToken()
	if tok.Signaled() {
		t.Fatal("fresh token should not be signaled")
	}
	if tok.Wait(time.Millisecond) {
		t.Fatal("Wait should time out on unsignaled token")
	}

	tok.Signal()
	tok.Signal() // idempotent
	if !tok.Signaled() {
		t.Fatal("token should stay signaled")
	}
	if !tok.Wait(time.Millisecond) {
		t.Fatal("Wait should return immediately on signaled token")
	}
}
