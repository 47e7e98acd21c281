package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default loop timing, used when the runtime config leaves a value zero.
const (
	DefaultLoopCadence  = 2 * time.Second
	DefaultErrorBackoff = 5 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// Handle is a loaded agent instance. It performs one-shot actions
// against a named connection and single passes of autonomous behavior.
// Implemented by the zerepy package; the controller never inspects it.
type Handle interface {
	Name() string
	PerformAction(ctx context.Context, connection, action string, params []any) (any, error)
	RunLoopIteration(ctx context.Context) error
	// Actions enumerates the action names each connection accepts.
	Actions() map[string][]string
}

// HandleFactory constructs a Handle from a stored configuration.
type HandleFactory interface {
	NewHandle(cfg Config) (Handle, error)
}

// stopToken is a one-shot cancellation signal shared between a loop
// goroutine and its controller. Safe for concurrent use.
type stopToken struct {
	once sync.Once
	ch   chan struct{}
}

func newStopToken() *stopToken {
	return &stopToken{ch: make(chan struct{})}
}

// Signal marks the token. Idempotent; the signal never clears, so a
// loop that missed one stop deadline still observes it later.
func (t *stopToken) Signal() {
	t.once.Do(func() { close(t.ch) })
}

// Signaled reports whether Signal has been called.
func (t *stopToken) Signaled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the token is signaled or d elapses. Reports whether
// the token was signaled.
func (t *stopToken) Wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Controller supervises one agent's behavior loop. It owns the Handle
// and the loop goroutine; all state transitions go through its mutex.
type Controller struct {
	handle  Handle
	cadence time.Duration
	backoff time.Duration

	mu   sync.Mutex
	stop *stopToken
	done chan struct{} // nil before first start; closed when the loop exits
}

// NewController wraps a handle in a stopped controller. Cadence bounds
// cancellation latency between iterations; backoff is the wait after a
// failed iteration.
func NewController(h Handle, cadence, backoff time.Duration) *Controller {
	if cadence <= 0 {
		cadence = DefaultLoopCadence
	}
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	return &Controller{handle: h, cadence: cadence, backoff: backoff}
}

// Start launches the behavior loop. Returns ErrAlreadyRunning if the
// loop is active; the check and the goroutine launch happen under one
// lock so two concurrent starts cannot both succeed.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, c.handle.Name())
	}

	c.stop = newStopToken()
	c.done = make(chan struct{})
	go c.runLoop(c.stop, c.done)
	return nil
}

// Stop signals cancellation and waits up to timeout for the loop to
// exit. From a stopped controller it is a no-op. On timeout the loop
// keeps the signal and the controller still reports running, so the
// caller may retry.
func (c *Controller) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	c.mu.Lock()
	if !c.runningLocked() {
		c.mu.Unlock()
		return nil
	}
	stop, done := c.stop, c.done
	c.mu.Unlock()

	slog.Info("agent: stopping loop", slog.String("agent", c.handle.Name()))
	stop.Signal()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrStopTimeout, c.handle.Name(), timeout)
	}
}

// IsRunning reports whether the loop goroutine is active. A loop that
// exited on its own (fatal panic) reads as stopped even though Stop was
// never called.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Controller) runningLocked() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Actions enumerates the handle's available actions per connection.
func (c *Controller) Actions() map[string][]string {
	return c.handle.Actions()
}

// RequestAction forwards a one-shot action to the handle. Works whether
// or not the loop is running; handle failures are wrapped, never fatal
// to the controller.
func (c *Controller) RequestAction(ctx context.Context, connection, action string, params []any) (any, error) {
	out, err := c.handle.PerformAction(ctx, connection, action, params)
	if err != nil {
		return nil, fmt.Errorf("agent: action %q on %s: %w", action, c.handle.Name(), err)
	}
	return out, nil
}

// runLoop repeats handle iterations until the stop token is signaled.
// Iteration errors are logged and retried after the backoff interval;
// only cancellation or a panic ends the loop.
func (c *Controller) runLoop(stop *stopToken, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent: loop panic",
				slog.String("agent", c.handle.Name()),
				slog.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop.ch:
		case <-done:
		}
		cancel()
	}()

	slog.Info("agent: loop starting", slog.String("agent", c.handle.Name()))

	// Iterate first, then wait; a stop issued right after start still
	// lets the first iteration run.
	for {
		wait := c.cadence
		if err := c.handle.RunLoopIteration(ctx); err != nil {
			slog.Error("agent: iteration error",
				slog.String("agent", c.handle.Name()),
				slog.String("error", err.Error()),
			)
			wait = c.backoff
		}
		if stop.Wait(wait) {
			break
		}
	}

	slog.Info("agent: loop stopped", slog.String("agent", c.handle.Name()))
}
