package device

import (
	"context"
	"fmt"

	"github.com/devicepool/devicepool-go/internal/adbwire"
	"github.com/devicepool/devicepool-go/pkg/poolerr"
)

// withResilience wraps op in the §4.5 retry-with-recovery loop: MAX_RETRIES+1
// total attempts; IOError/Unresponsive/TimedOut trigger RecoveryPipeline;
// anything else (UnsupportedOperation, IllegalArgument) bypasses the loop
// entirely and surfaces immediately.
func (d *Device) withResilience(ctx context.Context, op func(ctx context.Context) error) error {
	if d.RecoveryMode == RecoveryNone {
		return op(ctx)
	}

	needsPostBoot := false
	recoverUntilOnline := d.RecoveryMode == RecoveryOnline

	for attempt := 0; attempt <= d.maxRetries(); attempt++ {
		err := op(ctx)
		if err == nil {
			if needsPostBoot {
				d.runPostBootProbes(ctx)
			}
			return nil
		}

		kind := poolerr.KindOf(err)
		if kind != poolerr.KindIO && kind != poolerr.KindTimedOut && kind != poolerr.KindUnresponsive {
			return err
		}

		if attempt == d.maxRetries() {
			return poolerr.DeviceUnresponsive(d.Serial)
		}

		if d.Recovery != nil {
			if recErr := d.Recovery.Recover(ctx, d.Serial, d.Monitor, recoverUntilOnline); recErr != nil {
				return recErr
			}
		}
		if d.RecoveryMode == RecoveryAvailable {
			needsPostBoot = true
		}
	}

	return poolerr.DeviceUnresponsive(d.Serial)
}

func (d *Device) runPostBootProbes(ctx context.Context) {
	for _, probe := range d.PostBootProbes {
		_, _ = d.Bridge.Shell(ctx, d.Serial, probe.Cmd, defaultShellTimeout)
	}
}

// Shell runs cmd on the device through the resiliency loop.
func (d *Device) Shell(ctx context.Context, cmd string) (string, error) {
	var out string
	err := d.withResilience(ctx, func(ctx context.Context) error {
		result, shellErr := d.Bridge.Shell(ctx, d.Serial, cmd, defaultShellTimeout)
		if shellErr != nil {
			return shellErr
		}
		out = result
		return nil
	})
	return out, err
}

// GetProp returns the device property name, memoized until the next
// reboot or explicit InvalidatePropCache call (§4.5).
func (d *Device) GetProp(ctx context.Context, name string) (string, error) {
	d.propMu.Lock()
	if cached, ok := d.propCache[name]; ok {
		d.propMu.Unlock()
		return cached, nil
	}
	d.propMu.Unlock()

	var value string
	err := d.withResilience(ctx, func(ctx context.Context) error {
		out, shellErr := d.Bridge.Shell(ctx, d.Serial, fmt.Sprintf("getprop %s", name), defaultShellTimeout)
		if shellErr != nil {
			return shellErr
		}
		value = adbwire.ParseGetprop(out)
		return nil
	})
	if err != nil {
		return "", err
	}

	d.propMu.Lock()
	d.propCache[name] = value
	d.propMu.Unlock()
	return value, nil
}

// Battery returns the device's battery level as a 0-100 percentage, or -1
// if unreadable (§3, selector.Descriptor.Battery). Read directly through
// the bridge rather than the resiliency loop: a flaky battery read isn't
// grounds for a full recovery cycle just to build a selector descriptor.
func (d *Device) Battery(ctx context.Context) int {
	out, err := d.Bridge.Shell(ctx, d.Serial, adbwire.BatteryCapacityShellCmd, defaultShellTimeout)
	if err != nil {
		return -1
	}
	level, readable := adbwire.ParseBatteryCapacity(out)
	if !readable {
		return -1
	}
	return level
}

// Reboot reboots the device into target ("" for normal boot) and
// invalidates the property cache on success.
func (d *Device) Reboot(ctx context.Context, target string) error {
	err := d.withResilience(ctx, func(ctx context.Context) error {
		return d.Bridge.Reboot(ctx, d.Serial, target)
	})
	if err == nil {
		d.InvalidatePropCache()
	}
	return err
}

// SyncPush copies local to remote on the device through the resiliency loop.
func (d *Device) SyncPush(ctx context.Context, local, remote string) error {
	if local == "" || remote == "" {
		return poolerr.New(poolerr.KindIllegalArgument, d.Serial, "sync push requires non-empty local and remote paths")
	}
	return d.withResilience(ctx, func(ctx context.Context) error {
		return d.Bridge.SyncPush(ctx, d.Serial, local, remote)
	})
}

// SyncPull copies remote from the device to local through the resiliency loop.
func (d *Device) SyncPull(ctx context.Context, remote, local string) error {
	if local == "" || remote == "" {
		return poolerr.New(poolerr.KindIllegalArgument, d.Serial, "sync pull requires non-empty local and remote paths")
	}
	return d.withResilience(ctx, func(ctx context.Context) error {
		return d.Bridge.SyncPull(ctx, d.Serial, remote, local)
	})
}

// FastbootCommand runs a fastboot subcommand through ProcessRunner,
// gating the device's fastboot-in-flight flag around the call so bridge
// notifications observed meanwhile don't downgrade DeviceState (§4.5,
// §9). Only device kinds that SupportsFastboot may call this.
func (d *Device) FastbootCommand(ctx context.Context, fastbootPath string, subcommand ...string) error {
	if !d.Kind.SupportsFastboot() {
		return poolerr.New(poolerr.KindUnsupportedOperation, d.Serial, fmt.Sprintf("fastboot not supported on %s devices", d.Kind))
	}

	d.BeginFastbootOp()
	defer func() {
		d.EndFastbootOp()
		if s, err := d.Bridge.GetState(ctx, d.Serial); err == nil {
			d.Monitor.SetState(s)
		}
	}()

	argv := adbwire.FastbootArgv(fastbootPath, d.Serial, subcommand...)
	result := d.Runner.Run(ctx, argv, defaultShellTimeout, nil, nil)
	if !result.Succeeded() {
		return poolerr.Wrap(poolerr.KindIO, d.Serial, fmt.Errorf("fastboot %v: %s", subcommand, result.Stderr))
	}
	return nil
}
