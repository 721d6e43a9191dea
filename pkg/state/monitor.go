package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ShellRunner is the narrow collaborator StateMonitor needs to run its
// framework-availability probe. It is satisfied by bridge.Bridge.
type ShellRunner interface {
	Shell(ctx context.Context, serial, cmd string, timeout time.Duration) (stdout string, err error)
}

// ProbeResult is the tri-state answer to the shell-responsiveness probe,
// so the caller (DeviceManager's bridge listener glue, §4.8) can
// differentiate a confirmed pass from a pass-by-default.
type ProbeResult uint8

const (
	// ProbePassed indicates the probe saw the expected substring.
	ProbePassed ProbeResult = iota
	// ProbeFailed indicates the probe returned output without the expected
	// substring, ran out of time or context, or (with
	// FrameworkCheckDefaultPass off) saw only empty output.
	ProbeFailed
	// ProbeDefaultPassed indicates the device produced no output for every
	// retry; treated as available per frameworkCheckDefaultPass, but
	// recorded distinctly so implementers can change the default with
	// intent rather than by accident (§9 Open Question).
	ProbeDefaultPassed
)

const (
	// probeCommand is the fixed shell probe issued to decide framework availability.
	probeCommand = "ls /system/bin/pm"
	// probeExpectedSubstring must appear in the probe's stdout to count as a pass.
	probeExpectedSubstring = "/system/bin/pm"
	// defaultProbeRetries is the bounded retry count for the probe.
	defaultProbeRetries = 3
	// defaultProbeBackoff is the fixed backoff between probe retries.
	defaultProbeBackoff = 500 * time.Millisecond
	// defaultProbeTimeout bounds each individual probe shell invocation.
	defaultProbeTimeout = 5 * time.Second
)

// Monitor observes a single device's DeviceState via Bridge notifications
// (SetState) plus a bounded-retry shell probe, and exposes level-triggered
// blocking waits for each state.
type Monitor struct {
	serial string
	shell  ShellRunner

	mu      sync.Mutex
	state   DeviceState
	changed chan struct{} // closed and replaced on every SetState call

	// ProbeRetries and ProbeBackoff are configurable for tests; zero means
	// "use the package defaults".
	ProbeRetries int
	ProbeBackoff time.Duration

	// FrameworkCheckDefaultPass controls the tri-state probe's fallback
	// when every retry returns empty output (§4.3, §9 Open Question).
	FrameworkCheckDefaultPass bool
}

// NewMonitor creates a Monitor for serial, starting in NotAvailable.
func NewMonitor(serial string, shell ShellRunner) *Monitor {
	return &Monitor{
		serial:                    serial,
		shell:                     shell,
		state:                     NotAvailable,
		changed:                   make(chan struct{}),
		FrameworkCheckDefaultPass: true,
	}
}

// State returns the current observed state.
func (m *Monitor) State() DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState records a new observed state and wakes every pending wait.
// Safe to call from the bridge listener goroutine concurrently with waits.
func (m *Monitor) SetState(s DeviceState) {
	m.mu.Lock()
	m.state = s
	ch := m.changed
	m.changed = make(chan struct{})
	m.mu.Unlock()
	close(ch)
}

// waitFor blocks until pred(currentState) is true or timeout elapses.
func (m *Monitor) waitFor(ctx context.Context, pred func(DeviceState) bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if pred(m.state) {
			m.mu.Unlock()
			return true
		}
		ch := m.changed
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return false
		}
	}
}

// WaitForOnline blocks until the device reaches Online or Available.
func (m *Monitor) WaitForOnline(ctx context.Context, timeout time.Duration) bool {
	return m.waitFor(ctx, func(s DeviceState) bool { return s == Online || s == Available }, timeout)
}

// WaitForAvailable blocks until the device reaches Available.
func (m *Monitor) WaitForAvailable(ctx context.Context, timeout time.Duration) bool {
	return m.waitFor(ctx, func(s DeviceState) bool { return s == Available }, timeout)
}

// WaitForNotAvailable blocks until the device reaches NotAvailable.
func (m *Monitor) WaitForNotAvailable(ctx context.Context, timeout time.Duration) bool {
	return m.waitFor(ctx, func(s DeviceState) bool { return s == NotAvailable }, timeout)
}

// WaitForBootloader blocks until the device reaches Bootloader or Fastbootd.
func (m *Monitor) WaitForBootloader(ctx context.Context, timeout time.Duration) bool {
	return m.waitFor(ctx, func(s DeviceState) bool { return s == Bootloader || s == Fastbootd }, timeout)
}

// WaitForRecovery blocks until the device reaches Recovery.
func (m *Monitor) WaitForRecovery(ctx context.Context, timeout time.Duration) bool {
	return m.waitFor(ctx, func(s DeviceState) bool { return s == Recovery }, timeout)
}

// WaitForSideload blocks until the device reaches Sideload.
func (m *Monitor) WaitForSideload(ctx context.Context, timeout time.Duration) bool {
	return m.waitFor(ctx, func(s DeviceState) bool { return s == Sideload }, timeout)
}

// WaitForBootloaderStateUpdate blocks for the next SetState call, or
// returns immediately if none arrives within timeout. It is level-triggered
// in the sense that any subsequent change (not a specific target state)
// satisfies it — used by RecoveryPipeline step 2 to let an in-flight
// bootloader enumeration settle before reading DeviceState.
func (m *Monitor) WaitForBootloaderStateUpdate(ctx context.Context, timeout time.Duration) {
	m.mu.Lock()
	ch := m.changed
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-ch:
	case <-timer.C:
	}
}

// WaitForShell runs the bounded-retry framework-availability probe and
// blocks until it resolves (pass, fail, or default-pass) or timeout
// elapses, in which case it returns ProbeFailed.
func (m *Monitor) WaitForShell(ctx context.Context, timeout time.Duration) ProbeResult {
	retries := m.ProbeRetries
	if retries <= 0 {
		retries = defaultProbeRetries
	}
	backoff := m.ProbeBackoff
	if backoff <= 0 {
		backoff = defaultProbeBackoff
	}

	deadline := time.Now().Add(timeout)

	for attempt := 0; attempt < retries; attempt++ {
		if time.Now().After(deadline) {
			return ProbeFailed
		}

		out, err := m.shellCall(ctx, probeCommand, defaultProbeTimeout)
		if err == nil {
			trimmed := strings.TrimSpace(out)
			if trimmed == "" {
				// Empty output is retryable, per §4.3.
			} else if strings.Contains(trimmed, probeExpectedSubstring) {
				return ProbePassed
			} else {
				return ProbeFailed
			}
		}

		if attempt < retries-1 {
			select {
			case <-ctx.Done():
				return ProbeFailed
			case <-time.After(backoff):
			}
		}
	}

	if m.FrameworkCheckDefaultPass {
		return ProbeDefaultPassed
	}
	return ProbeFailed
}

// shellCall runs cmd on the monitored serial through the ShellRunner.
func (m *Monitor) shellCall(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	return m.shell.Shell(ctx, m.serial, cmd, timeout)
}
