// Package testdevice is the TestDevice façade (§1 item 5): the
// operation surface a test job actually drives, wrapping an allocated
// ManagedDevice with an AllocationLease token instead of exposing the
// pool's registry internals directly.
//
// Grounded on cmd/mash-web/api/runs.go's uuid-keyed activeRun tracking:
// every acquired device gets a google/uuid lease, held in a map so
// Release can take either the TestDevice or its bare lease string.
package testdevice

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/device"
	"github.com/devicepool/devicepool-go/pkg/pool"
	"github.com/devicepool/devicepool-go/pkg/selector"
)

// TestDevice is the narrow, job-facing view of an allocated device: the
// resiliency-wrapped shell/reboot/sync/fastboot operations, plus the
// lease that identifies this particular allocation.
type TestDevice struct {
	dev   *device.Device
	lease string
}

// Serial returns the device's adb serial.
func (t *TestDevice) Serial() string {
	return t.dev.Serial
}

// Lease returns the AllocationLease token minted when this TestDevice
// was acquired.
func (t *TestDevice) Lease() string {
	return t.lease
}

// Shell runs cmd on the device through ManagedDevice's resiliency loop.
func (t *TestDevice) Shell(ctx context.Context, cmd string) (string, error) {
	return t.dev.Shell(ctx, cmd)
}

// GetProp returns a cached-until-reboot device property.
func (t *TestDevice) GetProp(ctx context.Context, name string) (string, error) {
	return t.dev.GetProp(ctx, name)
}

// Reboot reboots the device into target ("" for normal boot).
func (t *TestDevice) Reboot(ctx context.Context, target string) error {
	return t.dev.Reboot(ctx, target)
}

// Push copies local to remote on the device.
func (t *TestDevice) Push(ctx context.Context, local, remote string) error {
	return t.dev.SyncPush(ctx, local, remote)
}

// Pull copies remote from the device to local.
func (t *TestDevice) Pull(ctx context.Context, remote, local string) error {
	return t.dev.SyncPull(ctx, remote, local)
}

// Fastboot runs a fastboot subcommand against the device, using the
// fastboot binary at fastbootPath.
func (t *TestDevice) Fastboot(ctx context.Context, fastbootPath string, subcommand ...string) error {
	return t.dev.FastbootCommand(ctx, fastbootPath, subcommand...)
}

// Pool is the test-job-facing front end over a pool.Manager: it mints an
// AllocationLease for every acquired device and lets callers release by
// either the TestDevice or the bare lease string.
type Pool struct {
	mgr *pool.Manager

	mu     sync.Mutex
	leases map[string]*TestDevice
}

// NewPool wraps mgr with lease tracking.
func NewPool(mgr *pool.Manager) *Pool {
	return &Pool{
		mgr:    mgr,
		leases: make(map[string]*TestDevice),
	}
}

// Acquire allocates a device matching sel and returns it wrapped in a
// leased TestDevice.
func (p *Pool) Acquire(ctx context.Context, sel selector.Selector) (*TestDevice, error) {
	d, err := p.mgr.Allocate(ctx, sel)
	if err != nil {
		return nil, err
	}
	return p.track(d), nil
}

// AcquireSerial force-allocates a specific serial, bypassing selector
// matching, and returns it wrapped in a leased TestDevice.
func (p *Pool) AcquireSerial(ctx context.Context, serial string) (*TestDevice, error) {
	d, err := p.mgr.ForceAllocate(ctx, serial)
	if err != nil {
		return nil, err
	}
	return p.track(d), nil
}

func (p *Pool) track(d *device.Device) *TestDevice {
	td := &TestDevice{dev: d, lease: uuid.NewString()}
	p.mu.Lock()
	p.leases[td.lease] = td
	p.mu.Unlock()
	return td
}

// Release frees td back to Available and retires its lease.
func (p *Pool) Release(ctx context.Context, td *TestDevice) error {
	return p.releaseLocked(ctx, td)
}

// ReleaseLease frees the device identified by lease back to Available
// and retires the lease. It returns an error if lease is unknown,
// e.g. already released.
func (p *Pool) ReleaseLease(ctx context.Context, lease string) error {
	p.mu.Lock()
	td, ok := p.leases[lease]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("testdevice: unknown lease %q", lease)
	}
	return p.releaseLocked(ctx, td)
}

func (p *Pool) releaseLocked(ctx context.Context, td *TestDevice) error {
	if err := p.mgr.Free(ctx, td.dev, alloc.Available); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.leases, td.lease)
	p.mu.Unlock()
	return nil
}
