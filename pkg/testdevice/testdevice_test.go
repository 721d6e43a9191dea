package testdevice

import (
	"context"
	"testing"
	"time"

	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/pool"
	"github.com/devicepool/devicepool-go/pkg/runner"
	"github.com/devicepool/devicepool-go/pkg/selector"
)

func newTestPool(t *testing.T) (*Pool, *bridge.FakeBridge) {
	t.Helper()
	fb := bridge.NewFakeBridge()
	fr := runner.NewFakeProcessRunner()
	fr.SleepFunc = func(ctx context.Context, d time.Duration) {}

	mgr := pool.New(pool.Config{
		Bridge:          fb,
		Runner:          fr,
		ShutdownTimeout: time.Second,
	})
	if err := mgr.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return NewPool(mgr), fb
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

func TestAcquireMintsDistinctLeases(t *testing.T) {
	p, fb := newTestPool(t)

	fb.Connect("S1")
	fb.Connect("S2")
	waitUntil(t, func() bool {
		d1, ok1 := p.mgr.Get("S1")
		d2, ok2 := p.mgr.Get("S2")
		return ok1 && d1.AllocationState() == alloc.Available && ok2 && d2.AllocationState() == alloc.Available
	})

	a, err := p.Acquire(context.Background(), selector.Selector{SerialIncludes: map[string]struct{}{"S1": {}}})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b, err := p.Acquire(context.Background(), selector.Selector{SerialIncludes: map[string]struct{}{"S2": {}}})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if a.Lease() == "" || b.Lease() == "" {
		t.Fatal("Lease() should be non-empty")
	}
	if a.Lease() == b.Lease() {
		t.Fatal("distinct acquisitions should get distinct leases")
	}
}

func TestReleaseByTestDevice(t *testing.T) {
	p, fb := newTestPool(t)

	fb.Connect("S1")
	waitUntil(t, func() bool {
		_, ok := p.mgr.Get("S1")
		return ok
	})

	td, err := p.Acquire(context.Background(), selector.New())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Release(context.Background(), td); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	p.mu.Lock()
	_, stillLeased := p.leases[td.Lease()]
	p.mu.Unlock()
	if stillLeased {
		t.Fatal("Release() should retire the lease")
	}
}

func TestReleaseLeaseUnknownFails(t *testing.T) {
	p, _ := newTestPool(t)
	if err := p.ReleaseLease(context.Background(), "not-a-real-lease"); err == nil {
		t.Fatal("ReleaseLease() on an unknown lease should fail")
	}
}

func TestAcquireSerialForcesAllocation(t *testing.T) {
	p, fb := newTestPool(t)
	fb.Connect("S1")
	waitUntil(t, func() bool {
		_, ok := p.mgr.Get("S1")
		return ok
	})

	td, err := p.AcquireSerial(context.Background(), "S1")
	if err != nil {
		t.Fatalf("AcquireSerial() error = %v", err)
	}
	if td.Serial() != "S1" {
		t.Fatalf("Serial() = %q, want S1", td.Serial())
	}
}

func TestShellDelegatesThroughResiliencyLoop(t *testing.T) {
	p, fb := newTestPool(t)
	fb.OnShell(func(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
		return "ok", nil
	})

	fb.Connect("S1")
	waitUntil(t, func() bool {
		_, ok := p.mgr.Get("S1")
		return ok
	})

	td, err := p.AcquireSerial(context.Background(), "S1")
	if err != nil {
		t.Fatalf("AcquireSerial() error = %v", err)
	}

	out, err := td.Shell(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Shell() error = %v", err)
	}
	if out != "ok" {
		t.Fatalf("Shell() = %q, want ok", out)
	}
}
