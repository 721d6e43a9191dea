package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/devicepool/devicepool-go/pkg/state"
)

// FakeBridge is a test double that drives listener notifications
// synchronously and serves Shell/Reboot/Sync/GetState from
// caller-installed handler funcs, in the spirit of
// runner.FakeProcessRunner.
type FakeBridge struct {
	mu sync.Mutex

	listeners []Listener

	shellHandler       func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error)
	shellStreamHandler func(ctx context.Context, serial, cmd string, receiver func(string)) error
	rebootHandler      func(ctx context.Context, serial, target string) error
	syncPushHandler    func(ctx context.Context, serial, local, remote string) error
	syncPullHandler    func(ctx context.Context, serial, remote, local string) error
	stateHandler       func(ctx context.Context, serial string) (state.DeviceState, error)

	restartCount    int
	disconnectCount int
}

// NewFakeBridge creates an empty FakeBridge. Every op defaults to
// succeeding trivially until a handler is installed.
func NewFakeBridge() *FakeBridge {
	return &FakeBridge{}
}

// AddListener implements Bridge.
func (f *FakeBridge) AddListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// RemoveListener implements Bridge.
func (f *FakeBridge) RemoveListener(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return
		}
	}
}

func (f *FakeBridge) snapshotListeners() []Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Listener, len(f.listeners))
	copy(out, f.listeners)
	return out
}

// Connect simulates a device appearing; it calls OnConnected on every
// registered listener synchronously, in registration order.
func (f *FakeBridge) Connect(serial string) {
	d := Device{Serial: serial}
	for _, l := range f.snapshotListeners() {
		l.OnConnected(d)
	}
}

// Change simulates a state-change notification for an already-connected device.
func (f *FakeBridge) Change(serial string) {
	d := Device{Serial: serial}
	for _, l := range f.snapshotListeners() {
		l.OnChanged(d, ChangeState)
	}
}

// DisconnectDevice simulates a device disappearing.
func (f *FakeBridge) DisconnectDevice(serial string) {
	d := Device{Serial: serial}
	for _, l := range f.snapshotListeners() {
		l.OnDisconnected(d)
	}
}

// OnShell installs the handler backing Shell.
func (f *FakeBridge) OnShell(fn func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shellHandler = fn
}

// OnShellStream installs the handler backing ShellStream.
func (f *FakeBridge) OnShellStream(fn func(ctx context.Context, serial, cmd string, receiver func(string)) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shellStreamHandler = fn
}

// OnReboot installs the handler backing Reboot.
func (f *FakeBridge) OnReboot(fn func(ctx context.Context, serial, target string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebootHandler = fn
}

// OnSyncPush installs the handler backing SyncPush.
func (f *FakeBridge) OnSyncPush(fn func(ctx context.Context, serial, local, remote string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncPushHandler = fn
}

// OnSyncPull installs the handler backing SyncPull.
func (f *FakeBridge) OnSyncPull(fn func(ctx context.Context, serial, remote, local string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncPullHandler = fn
}

// OnGetState installs the handler backing GetState.
func (f *FakeBridge) OnGetState(fn func(ctx context.Context, serial string) (state.DeviceState, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateHandler = fn
}

// Restart implements Bridge.
func (f *FakeBridge) Restart(ctx context.Context) error {
	f.mu.Lock()
	f.restartCount++
	f.mu.Unlock()
	return nil
}

// Disconnect implements Bridge.
func (f *FakeBridge) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnectCount++
	f.mu.Unlock()
	return nil
}

// RestartCount returns how many times Restart was called.
func (f *FakeBridge) RestartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartCount
}

// Shell implements Bridge.
func (f *FakeBridge) Shell(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	handler := f.shellHandler
	f.mu.Unlock()
	if handler == nil {
		return "", nil
	}
	return handler(ctx, serial, cmd, timeout)
}

// ShellStream implements Bridge.
func (f *FakeBridge) ShellStream(ctx context.Context, serial, cmd string, receiver func(string)) error {
	f.mu.Lock()
	handler := f.shellStreamHandler
	f.mu.Unlock()
	if handler == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return handler(ctx, serial, cmd, receiver)
}

// Reboot implements Bridge.
func (f *FakeBridge) Reboot(ctx context.Context, serial, target string) error {
	f.mu.Lock()
	handler := f.rebootHandler
	f.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, serial, target)
}

// SyncPush implements Bridge.
func (f *FakeBridge) SyncPush(ctx context.Context, serial, local, remote string) error {
	f.mu.Lock()
	handler := f.syncPushHandler
	f.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, serial, local, remote)
}

// SyncPull implements Bridge.
func (f *FakeBridge) SyncPull(ctx context.Context, serial, remote, local string) error {
	f.mu.Lock()
	handler := f.syncPullHandler
	f.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, serial, remote, local)
}

// GetState implements Bridge.
func (f *FakeBridge) GetState(ctx context.Context, serial string) (state.DeviceState, error) {
	f.mu.Lock()
	handler := f.stateHandler
	f.mu.Unlock()
	if handler == nil {
		return state.NotAvailable, nil
	}
	return handler(ctx, serial)
}

// Compile-time interface satisfaction check.
var _ Bridge = (*FakeBridge)(nil)
