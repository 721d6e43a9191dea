package pool

import (
	"context"
	"testing"
	"time"

	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/background"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/device"
	"github.com/devicepool/devicepool-go/pkg/runner"
	"github.com/devicepool/devicepool-go/pkg/selector"
	"github.com/devicepool/devicepool-go/pkg/state"
)

func newTestManager(t *testing.T) (*Manager, *bridge.FakeBridge, *runner.FakeProcessRunner) {
	t.Helper()
	fb := bridge.NewFakeBridge()
	fr := runner.NewFakeProcessRunner()
	fr.SleepFunc = func(ctx context.Context, d time.Duration) {}

	m := New(Config{
		Bridge:          fb,
		Runner:          fr,
		ShutdownTimeout: time.Second,
	})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return m, fb, fr
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHappyAllocation(t *testing.T) {
	m, fb, _ := newTestManager(t)
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		return "/system/bin/pm", nil
	})

	fb.Connect("S1")
	waitUntil(t, func() bool {
		d, ok := m.get("S1")
		return ok && d.AllocationState() == alloc.Available
	})

	d, err := m.Allocate(context.Background(), selector.New())
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if d.Serial != "S1" {
		t.Fatalf("Allocate() serial = %q, want S1", d.Serial)
	}
	if d.AllocationState() != alloc.Allocated {
		t.Fatalf("AllocationState() = %s, want Allocated", d.AllocationState())
	}

	if err := m.Free(context.Background(), d, alloc.Available); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if d.AllocationState() != alloc.Available {
		t.Fatalf("AllocationState() after Free = %s, want Available", d.AllocationState())
	}
}

func TestExcludeFilterIgnoresDevice(t *testing.T) {
	fb := bridge.NewFakeBridge()
	fr := runner.NewFakeProcessRunner()
	m := New(Config{Bridge: fb, Runner: fr, ExcludeSerials: []string{"S2"}})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	fb.Connect("S2")
	waitUntil(t, func() bool {
		d, ok := m.get("S2")
		return ok && d.AllocationState() == alloc.Ignored
	})

	_, err := m.Allocate(context.Background(), selector.Selector{SerialIncludes: map[string]struct{}{"S2": {}}})
	if err == nil {
		t.Fatal("Allocate() on an excluded serial should fail")
	}
}

func TestStubEmulatorAllocation(t *testing.T) {
	m, _, _ := newTestManager(t)

	sel := selector.Selector{StubEmulatorRequested: true}
	d, err := m.Allocate(context.Background(), sel)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if !d.Temporary {
		t.Fatal("placeholder device should be Temporary")
	}
	if d.AllocationState() != alloc.Allocated {
		t.Fatalf("AllocationState() = %s, want Allocated", d.AllocationState())
	}

	if err := m.Free(context.Background(), d, alloc.Unknown); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if _, ok := m.get(d.Serial); ok {
		t.Fatal("temporary device should be removed from the registry after Free")
	}
}

func TestAllocateGatesOnBatteryProductTypeAndProperties(t *testing.T) {
	m, fb, _ := newTestManager(t)
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		switch cmd {
		case "cat /sys/class/power_supply/battery/capacity":
			return "15", nil
		case "getprop ro.product.device":
			return "flame", nil
		case "getprop ro.product.cpu.abi":
			return "x86", nil
		default:
			return "/system/bin/pm", nil
		}
	})

	fb.Connect("S1")
	waitUntil(t, func() bool {
		d, ok := m.get("S1")
		return ok && d.AllocationState() == alloc.Available
	})

	min := 50
	if _, err := m.Allocate(context.Background(), selector.Selector{MinBattery: &min}); err == nil {
		t.Fatal("Allocate() with an unmet MinBattery clause should find nothing")
	}

	if _, err := m.Allocate(context.Background(), selector.Selector{ProductType: "marlin"}); err == nil {
		t.Fatal("Allocate() with a mismatched ProductType clause should find nothing")
	}

	if _, err := m.Allocate(context.Background(), selector.Selector{ExtraProperties: map[string]string{"ro.product.cpu.abi": "arm64-v8a"}}); err == nil {
		t.Fatal("Allocate() with a mismatched ExtraProperties clause should find nothing")
	}

	d, err := m.Allocate(context.Background(), selector.Selector{ProductType: "flame"})
	if err != nil {
		t.Fatalf("Allocate() with a matching ProductType clause should succeed: %v", err)
	}
	if d.Serial != "S1" {
		t.Fatalf("Allocate() serial = %q, want S1", d.Serial)
	}
}

func TestAllocateKindGateRejectsMismatchedExistingDevice(t *testing.T) {
	m, fb, _ := newTestManager(t)
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		return "/system/bin/pm", nil
	})

	fb.Connect("S1")
	waitUntil(t, func() bool {
		d, ok := m.get("S1")
		return ok && d.AllocationState() == alloc.Available
	})

	// S1 is a real (Physical) device; a stub-emulator request must not be
	// satisfied by it, even though it's Available and otherwise unfiltered.
	d, err := m.Allocate(context.Background(), selector.Selector{StubEmulatorRequested: true})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if d.Serial == "S1" {
		t.Fatal("a stub-emulator request must not be satisfied by an existing Physical device")
	}
	if d.Kind != device.Stub {
		t.Fatalf("Kind = %s, want Stub (a synthesized placeholder)", d.Kind)
	}
}

func TestPlaceholderLimitEnforced(t *testing.T) {
	fb := bridge.NewFakeBridge()
	fr := runner.NewFakeProcessRunner()
	m := New(Config{Bridge: fb, Runner: fr, Limits: Limits{MaxNullDevices: 1}})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	sel := selector.Selector{NullDeviceRequested: true}
	if _, err := m.Allocate(context.Background(), sel); err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if _, err := m.Allocate(context.Background(), sel); err == nil {
		t.Fatal("second Allocate() should fail once the null-device limit is reached")
	}
}

func TestListAllReportsAllocatedFirst(t *testing.T) {
	m, fb, _ := newTestManager(t)
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		return "/system/bin/pm", nil
	})

	for _, s := range []string{"S3", "S1", "S2"} {
		fb.Connect(s)
	}
	waitUntil(t, func() bool {
		for _, s := range []string{"S1", "S2", "S3"} {
			d, ok := m.get(s)
			if !ok || d.AllocationState() != alloc.Available {
				return false
			}
		}
		return true
	})

	allocated, err := m.Allocate(context.Background(), selector.Selector{SerialIncludes: map[string]struct{}{"S2": {}}})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if allocated.Serial != "S2" {
		t.Fatalf("Allocate() serial = %q, want S2", allocated.Serial)
	}

	all := m.ListAll()
	if len(all) != 3 {
		t.Fatalf("ListAll() len = %d, want 3", len(all))
	}
	if all[0].Serial != "S2" {
		t.Fatalf("ListAll()[0] = %q, want S2 (allocated first)", all[0].Serial)
	}
	if all[1].Serial != "S1" || all[2].Serial != "S3" {
		t.Fatalf("ListAll() remaining order = [%s, %s], want [S1, S3]", all[1].Serial, all[2].Serial)
	}
}

func TestForceAllocateCreatesRegistryEntry(t *testing.T) {
	m, _, _ := newTestManager(t)

	d, err := m.ForceAllocate(context.Background(), "S9")
	if err != nil {
		t.Fatalf("ForceAllocate() error = %v", err)
	}
	if d.AllocationState() != alloc.Allocated {
		t.Fatalf("AllocationState() = %s, want Allocated", d.AllocationState())
	}

	if _, err := m.ForceAllocate(context.Background(), "S9"); err == nil {
		t.Fatal("re-force-allocating an already-allocated device should fail")
	}
}

func TestExecuteOnAvailableDeviceCapsTimeout(t *testing.T) {
	m, fb, _ := newTestManager(t)
	var gotTimeout time.Duration
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		gotTimeout = timeout
		return "ok", nil
	})
	fb.OnGetState(func(ctx context.Context, serial string) (state.DeviceState, error) {
		return state.Available, nil
	})

	d := m.getOrCreate("S1")
	d.Send(alloc.ConnectedOnline)
	d.Send(alloc.AvailableCheckPassed)

	out, err := m.ExecuteOnAvailableDevice(context.Background(), "S1", "echo hi", 10*time.Second)
	if err != nil {
		t.Fatalf("ExecuteOnAvailableDevice() error = %v", err)
	}
	if out != "ok" {
		t.Fatalf("out = %q, want ok", out)
	}
	if gotTimeout != time.Second {
		t.Fatalf("timeout passed through = %v, want capped at 1s", gotTimeout)
	}
}

func TestExecuteOnAvailableDeviceRejectsUnavailable(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.ExecuteOnAvailableDevice(context.Background(), "ghost", "echo hi", time.Second)
	if err == nil {
		t.Fatal("ExecuteOnAvailableDevice() on an unknown serial should fail")
	}
}

func TestTerminateStopsBackgroundActions(t *testing.T) {
	m, fb, _ := newTestManager(t)

	block := make(chan struct{})
	fb.OnShellStream(func(ctx context.Context, serial, cmd string, recv func(string)) error {
		<-block
		<-ctx.Done()
		return ctx.Err()
	})
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		return "/system/bin/pm", nil
	})

	fb.Connect("S1")
	waitUntil(t, func() bool {
		d, ok := m.get("S1")
		return ok && d.AllocationState() == alloc.Available
	})

	d, _ := m.get("S1")
	bg := background.NewAction("S1", "logcat", fb, d.Monitor, nil, nil, func(string) {})
	bg.Start(context.Background())
	d.SetBackground(bg)
	waitUntil(t, bg.IsAlive)
	close(block)

	done := make(chan error, 1)
	go func() {
		done <- m.Terminate(context.Background())
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate() did not return within 2s")
	}
	if fb.RestartCount() != 0 {
		t.Fatalf("RestartCount() = %d, want 0 (Terminate should not restart)", fb.RestartCount())
	}
	if bg.IsAlive() {
		t.Fatal("background action should no longer be alive after Terminate")
	}
}
