// Package device implements ManagedDevice (§4.5): the owner of one
// device's identity, allocation state, StateMonitor, recovery policy, and
// the resiliency loop wrapping every shell/sync/reboot call.
package device

import (
	"sync"
	"time"

	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/log"
	"github.com/devicepool/devicepool-go/pkg/recovery"
	"github.com/devicepool/devicepool-go/pkg/runner"
	"github.com/devicepool/devicepool-go/pkg/state"
)

// RecoveryMode selects how aggressively the resiliency loop recovers a
// device before retrying a failed operation (§3).
type RecoveryMode uint8

const (
	// RecoveryAvailable recovers all the way to Available and runs
	// post-boot normalization before retrying.
	RecoveryAvailable RecoveryMode = iota
	// RecoveryOnline only needs the device to come back Online (used by
	// BackgroundAction, which doesn't need full framework availability).
	RecoveryOnline
	// RecoveryNone disables recovery entirely; a failing op surfaces immediately.
	RecoveryNone
)

// String returns a human-readable recovery mode name.
func (m RecoveryMode) String() string {
	switch m {
	case RecoveryAvailable:
		return "AVAILABLE"
	case RecoveryOnline:
		return "ONLINE"
	case RecoveryNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// defaultMaxRetries is MAX_RETRIES from §4.5; total attempts = this + 1.
const defaultMaxRetries = 2

// defaultShellTimeout bounds a single shell invocation issued by the
// resiliency loop or property cache.
const defaultShellTimeout = 30 * time.Second

// PostBootProbe is one shell command run as part of post-boot
// normalization (dismiss keyguard, dumpsys input sanity, enable-root).
type PostBootProbe struct {
	Name string
	Cmd  string
}

// DefaultPostBootProbes is the normalization list run after a successful
// recovery, matching §4.5's "dismiss keyguard, dumpsys input sanity" example.
func DefaultPostBootProbes() []PostBootProbe {
	return []PostBootProbe{
		{Name: "dismiss_keyguard", Cmd: "wm dismiss-keyguard"},
		{Name: "input_sanity", Cmd: "dumpsys input"},
	}
}

// Device is a ManagedDevice: one entry in the DeviceManager registry.
type Device struct {
	Serial string
	Kind   Kind

	// Temporary marks a placeholder device that Allocate created for a
	// placeholder-kind selector; it is deleted from the registry on Free (§3).
	Temporary bool

	Monitor  *state.Monitor
	Bridge   bridge.Bridge
	Runner   runner.ProcessRunner
	Recovery *recovery.Pipeline
	Logger   log.Logger

	RecoveryMode   RecoveryMode
	MaxRetries     int
	PostBootProbes []PostBootProbe

	mu         sync.Mutex
	allocState alloc.State

	propMu    sync.Mutex
	propCache map[string]string

	fastbootMu sync.Mutex
	inFastboot bool

	background Background
}

// Background is the narrow surface ManagedDevice needs from its optional
// BackgroundAction handle — avoids an import cycle with pkg/background,
// which itself depends on Device's collaborators, not Device.
type Background interface {
	Cancel()
	IsAlive() bool
	Join(timeout time.Duration) bool
}

// New creates a ManagedDevice in AllocationState Unknown.
func New(serial string, kind Kind, monitor *state.Monitor, br bridge.Bridge, pr runner.ProcessRunner, rec *recovery.Pipeline, logger log.Logger) *Device {
	return &Device{
		Serial:         serial,
		Kind:           kind,
		Monitor:        monitor,
		Bridge:         br,
		Runner:         pr,
		Recovery:       rec,
		Logger:         logger,
		RecoveryMode:   RecoveryAvailable,
		MaxRetries:     defaultMaxRetries,
		PostBootProbes: DefaultPostBootProbes(),
		allocState:     alloc.Unknown,
		propCache:      make(map[string]string),
	}
}

// AllocationState returns the current authoritative allocation state.
func (d *Device) AllocationState() alloc.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocState
}

// Send applies event to the AllocationFSM under the device's mutex and
// logs the transition. Returns the resulting state and whether it changed
// (I3: unchanged means the event was rejected).
func (d *Device) Send(event alloc.Event) (alloc.State, bool) {
	d.mu.Lock()
	oldState := d.allocState
	newState, changed := alloc.Apply(d.allocState, event)
	d.allocState = newState
	d.mu.Unlock()

	if d.Logger != nil {
		d.Logger.Log(log.Event{
			Serial:   d.Serial,
			Category: log.CategoryAllocation,
			Allocation: &log.AllocationEvent{
				Event:    event.String(),
				OldState: oldState.String(),
				NewState: newState.String(),
				Changed:  changed,
			},
		})
	}
	return newState, changed
}

// SetBackground installs the device's single BackgroundAction handle.
func (d *Device) SetBackground(b Background) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.background = b
}

// GetBackground returns the device's current BackgroundAction handle, or nil.
func (d *Device) GetBackground() Background {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.background
}

// BeginFastbootOp marks the device as executing a fastboot command; the
// DeviceManager bridge listener glue consults InFastboot to suppress
// externally observed NotAvailable transitions while it's set (§4.5, §9).
func (d *Device) BeginFastbootOp() {
	d.fastbootMu.Lock()
	d.inFastboot = true
	d.fastbootMu.Unlock()
}

// EndFastbootOp clears the fastboot gate. It returns nothing: suppressed
// updates are never replayed, so the caller (FastbootCommand) re-reads
// state from the bridge itself (§9).
func (d *Device) EndFastbootOp() {
	d.fastbootMu.Lock()
	d.inFastboot = false
	d.fastbootMu.Unlock()
}

// InFastboot reports whether a fastboot command is currently in flight.
func (d *Device) InFastboot() bool {
	d.fastbootMu.Lock()
	defer d.fastbootMu.Unlock()
	return d.inFastboot
}

// InvalidatePropCache clears all memoized getprop results, called whenever
// the device reboots.
func (d *Device) InvalidatePropCache() {
	d.propMu.Lock()
	d.propCache = make(map[string]string)
	d.propMu.Unlock()
}

func (d *Device) maxRetries() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return defaultMaxRetries
}
