// Package background implements BackgroundAction (§4.7): a single
// long-running shell invocation (typically logcat) that streams output to
// a sink and cooperatively survives device recovery cycles instead of
// failing outright on a shell error.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/log"
	"github.com/devicepool/devicepool-go/pkg/recovery"
	"github.com/devicepool/devicepool-go/pkg/state"
)

// Sink receives one chunk of output at a time, in on-device arrival order
// within a single shell invocation. No ordering guarantee is made across
// a restart following recovery (§4.7).
type Sink func(chunk string)

// Action runs one background shell command against a device and restarts
// it across recovery cycles. At most one Action should be active per
// device at a time (§4.5's "at most one background action handle").
type Action struct {
	Serial  string
	Cmd     string
	Bridge  bridge.Bridge
	Monitor *state.Monitor
	// Recovery, if set, is invoked to bring the device back Online after a
	// failed shell invocation. A nil Recovery means a failure simply waits
	// on Monitor without actively driving recovery steps (e.g. USB reset).
	Recovery *recovery.Pipeline
	Logger   log.Logger

	// LogStartDelay delays the first shell invocation; <= 0 means no delay.
	// Useful to let a device settle briefly after allocation before
	// streaming starts.
	LogStartDelay time.Duration

	Sink Sink

	// RecoveryWaitTimeout bounds how long Start waits for the device to
	// come back Online after a shell error before giving up on this
	// restart attempt and trying again.
	RecoveryWaitTimeout time.Duration

	mu        sync.Mutex
	cancelled bool
	alive     bool
	done      chan struct{}
	cancelFn  context.CancelFunc
}

const defaultRecoveryWaitTimeout = 30 * time.Second

// NewAction creates a background action. Call Start to begin streaming.
func NewAction(serial, cmd string, br bridge.Bridge, mon *state.Monitor, rec *recovery.Pipeline, logger log.Logger, sink Sink) *Action {
	return &Action{
		Serial:   serial,
		Cmd:      cmd,
		Bridge:   br,
		Monitor:  mon,
		Recovery: rec,
		Logger:   logger,
		Sink:     sink,
	}
}

func (a *Action) recoveryWaitTimeout() time.Duration {
	if a.RecoveryWaitTimeout > 0 {
		return a.RecoveryWaitTimeout
	}
	return defaultRecoveryWaitTimeout
}

// Start launches the background goroutine and returns immediately. Calling
// Start on an already-alive Action is a no-op.
func (a *Action) Start(ctx context.Context) {
	a.mu.Lock()
	if a.alive {
		a.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelFn = cancel
	a.cancelled = false
	a.alive = true
	a.done = make(chan struct{})
	a.mu.Unlock()

	a.logEvent("started")
	go a.run(runCtx)
}

// IsAlive reports whether the background goroutine is still running.
func (a *Action) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

// Cancel requests termination. The flag is observed at every suspension
// point inside run; Cancel does not itself block until termination — call
// Join for that.
func (a *Action) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	cancel := a.cancelFn
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.logEvent("canceled")
}

func (a *Action) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Join blocks until the action terminates or timeout elapses, whichever
// comes first. Returns true if the action terminated within timeout.
func (a *Action) Join(timeout time.Duration) bool {
	a.mu.Lock()
	done := a.done
	alive := a.alive
	a.mu.Unlock()
	if !alive || done == nil {
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (a *Action) finish() {
	a.mu.Lock()
	a.alive = false
	done := a.done
	a.mu.Unlock()
	if done != nil {
		close(done)
	}
	a.logEvent("stopped")
}

// run is the cooperative loop: start the shell stream, and on failure wait
// for the device to recover before restarting. Every suspension point
// checks isCancelled first so Cancel terminates promptly.
func (a *Action) run(ctx context.Context) {
	defer a.finish()

	if a.LogStartDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.LogStartDelay):
		}
	}

	for {
		if a.isCancelled() {
			return
		}

		err := a.Bridge.ShellStream(ctx, a.Serial, a.Cmd, a.Sink)
		if err == nil {
			// The stream ended on its own.
			return
		}
		if a.isCancelled() || ctx.Err() != nil {
			return
		}

		// §4.7: a shell error never surfaces out of BackgroundAction; wait
		// for recovery and restart instead.
		if !a.waitForRecovery(ctx) {
			return
		}
		a.logEvent("restarted")
	}
}

// waitForRecovery blocks while the device is NotAvailable, driving an
// active recovery pass if one is configured, and returns once the device
// is Online again. Returns false if canceled or the context is done.
func (a *Action) waitForRecovery(ctx context.Context) bool {
	for {
		if a.isCancelled() {
			return false
		}
		if a.Monitor.State() != state.NotAvailable {
			return true
		}

		if a.Recovery != nil {
			_ = a.Recovery.Recover(ctx, a.Serial, a.Monitor, true)
		}

		if a.Monitor.WaitForOnline(ctx, a.recoveryWaitTimeout()) {
			return true
		}
		if a.isCancelled() || ctx.Err() != nil {
			return false
		}
		// Still not available; loop and try again.
	}
}

func (a *Action) logEvent(which string) {
	if a.Logger == nil {
		return
	}
	a.Logger.Log(log.Event{
		Serial:   a.Serial,
		Category: log.CategoryBackground,
		Background: &log.BackgroundEvent{
			Which:   which,
			Command: a.Cmd,
		},
	})
}
