// Package bridge defines the collaborator contract over the low-level adb
// connection: device-connected / device-changed / device-disconnected
// notifications, plus per-device shell, sync, and reboot operations. The
// adb wire protocol itself is out of scope (§1); Bridge is the seam the
// rest of the pool manager is built against.
package bridge

import (
	"context"
	"time"

	"github.com/devicepool/devicepool-go/pkg/state"
)

// Device is the minimal identity a Bridge notification carries. The pool
// manager infers DeviceKind and reads further properties separately;
// Bridge only ever needs to say which serial something happened to.
type Device struct {
	Serial string
}

// ChangeKind distinguishes the reasons a Listener.OnChanged may fire.
// Today the bridge only raises state changes, but the type leaves room
// for future change kinds without an interface break.
type ChangeKind uint8

const (
	// ChangeState indicates IDevice.state was observed to change.
	ChangeState ChangeKind = iota
)

// String returns a human-readable change kind name.
func (c ChangeKind) String() string {
	switch c {
	case ChangeState:
		return "STATE"
	default:
		return "UNKNOWN"
	}
}

// Listener receives Bridge lifecycle notifications. Implementations must
// not block; DeviceManager's glue dispatches to a per-serial ManagedDevice
// and returns quickly (§5 Ordering).
type Listener interface {
	OnConnected(d Device)
	OnChanged(d Device, which ChangeKind)
	OnDisconnected(d Device)
}

// Bridge abstracts the adb connection (§4.2). The only implementation in
// this repository is FakeBridge, used by the tests and by devicepoolctl;
// there is no adb-backed implementation.
type Bridge interface {
	// AddListener registers l to receive future notifications.
	AddListener(l Listener)
	// RemoveListener unregisters l. No-op if l was never registered.
	RemoveListener(l Listener)

	// Restart restarts the underlying adb server.
	Restart(ctx context.Context) error
	// Disconnect tears down the adb connection entirely.
	Disconnect(ctx context.Context) error

	// Shell runs cmd on serial and returns its full stdout once the
	// command completes or timeout elapses. May fail with a poolerr of
	// kind IO, TimedOut, or Unresponsive (an adb-level rejection is
	// reported as IO — it is a transport failure, not a caller error).
	Shell(ctx context.Context, serial, cmd string, timeout time.Duration) (stdout string, err error)

	// ShellStream runs cmd on serial and invokes receiver once per output
	// chunk as it arrives, blocking until ctx is canceled or the command
	// exits on its own. Used by BackgroundAction for long-lived commands
	// like logcat.
	ShellStream(ctx context.Context, serial, cmd string, receiver func(chunk string)) error

	// Reboot reboots serial into target ("" for normal boot, "bootloader",
	// "recovery", "sideload", "fastboot").
	Reboot(ctx context.Context, serial, target string) error

	// SyncPush copies a local file to remote on serial.
	SyncPush(ctx context.Context, serial, local, remote string) error
	// SyncPull copies remote from serial to a local path.
	SyncPull(ctx context.Context, serial, remote, local string) error

	// GetState reads the device's current observable state directly from
	// the bridge, bypassing any StateMonitor cache. Used to re-read state
	// after a fastboot call returns (§9 fastboot coalescing note).
	GetState(ctx context.Context, serial string) (state.DeviceState, error)
}
