package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/runner"
	"github.com/devicepool/devicepool-go/pkg/state"
)

func newTestMonitor(t *testing.T, fb *bridge.FakeBridge, serial string) *state.Monitor {
	t.Helper()
	return state.NewMonitor(serial, fb)
}

func TestRecoverNotAvailableSucceedsWhenDeviceComesOnline(t *testing.T) {
	fb := bridge.NewFakeBridge()
	m := newTestMonitor(t, fb, "S1")
	p := &Pipeline{Bridge: fb, Runner: runner.NewFakeProcessRunner(), SettleInterval: time.Millisecond, OnlineTimeout: 100 * time.Millisecond}

	go func() {
		// The first update ends Recover's wait for a bootloader-state
		// update with the device still NotAvailable; it comes online
		// while the NotAvailable branch is waiting for it.
		time.Sleep(10 * time.Millisecond)
		m.SetState(state.NotAvailable)
		time.Sleep(20 * time.Millisecond)
		m.SetState(state.Online)
	}()

	if err := p.Recover(context.Background(), "S1", m, false); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
}

func TestRecoverNotAvailableRaisesDeviceNotAvailable(t *testing.T) {
	fb := bridge.NewFakeBridge()
	m := newTestMonitor(t, fb, "S1")
	p := &Pipeline{Bridge: fb, Runner: runner.NewFakeProcessRunner(), SettleInterval: time.Millisecond, OnlineTimeout: 20 * time.Millisecond}

	err := p.Recover(context.Background(), "S1", m, false)
	if err == nil {
		t.Fatal("Recover() = nil, want DeviceNotAvailable")
	}
}

func TestRecoverFromFastbootRebootsAndWaitsOnline(t *testing.T) {
	fb := bridge.NewFakeBridge()
	fakeRunner := runner.NewFakeProcessRunner()
	fakeRunner.OnPrefix("fastboot -s S1 reboot", runner.Result{Status: runner.StatusSuccess})
	m := newTestMonitor(t, fb, "S1")
	m.SetState(state.Bootloader)
	p := &Pipeline{Bridge: fb, Runner: fakeRunner, SettleInterval: time.Millisecond, OnlineTimeout: 100 * time.Millisecond}

	go func() {
		// The first update ends Recover's wait for a bootloader-state
		// update with the device still in the bootloader; it comes online
		// after the fastboot reboot has been issued.
		time.Sleep(10 * time.Millisecond)
		m.SetState(state.Bootloader)
		time.Sleep(20 * time.Millisecond)
		m.SetState(state.Online)
	}()

	if err := p.Recover(context.Background(), "S1", m, true); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if fakeRunner.CallCount() != 1 {
		t.Fatalf("CallCount() = %d, want 1", fakeRunner.CallCount())
	}
}

func TestRecoverMinBatteryFailsWhenUnreadable(t *testing.T) {
	fb := bridge.NewFakeBridge()
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		return "", nil
	})
	m := newTestMonitor(t, fb, "S1")
	m.ProbeBackoff = time.Millisecond
	m.ProbeRetries = 1
	m.SetState(state.Available)
	min := 20
	p := &Pipeline{Bridge: fb, Runner: runner.NewFakeProcessRunner(), SettleInterval: time.Millisecond, OnlineTimeout: 50 * time.Millisecond, MinBatteryAfterRecovery: &min}

	err := p.Recover(context.Background(), "S1", m, false)
	if err == nil {
		t.Fatal("Recover() = nil, want battery failure")
	}
}

func TestBatteryUnavailableSkip(t *testing.T) {
	policy := BatteryUnavailableSkip{}
	if !policy.ShouldSkip(true, false) {
		t.Error("in-fastboot device should skip recovery")
	}
	if !policy.ShouldSkip(false, true) {
		t.Error("readable battery should skip recovery")
	}
	if policy.ShouldSkip(false, false) {
		t.Error("unreadable battery + non-fastboot must NOT skip recovery")
	}
}
