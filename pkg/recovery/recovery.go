// Package recovery implements the staged healing procedure ManagedDevice
// consults after a failed operation attempt, before retrying it (§4.6). A
// Pipeline holds only configuration; the pool manager builds one per device.
package recovery

import (
	"context"
	"time"

	"github.com/devicepool/devicepool-go/internal/adbwire"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/log"
	"github.com/devicepool/devicepool-go/pkg/poolerr"
	"github.com/devicepool/devicepool-go/pkg/runner"
	"github.com/devicepool/devicepool-go/pkg/state"
)

// UsbResetter performs a physical USB reset for a still-offline device.
// Optional: a Pipeline with no UsbResetter simply skips the reset attempt
// and raises DeviceNotAvailable directly.
type UsbResetter interface {
	Reset(ctx context.Context, serial string) error
}

const (
	defaultSettleInterval        = time.Second
	defaultBootloaderUpdateWait  = 2 * time.Second
	defaultOnlineTimeout         = 30 * time.Second
	defaultRecoveryRebootTimeout = 60 * time.Second
)

// Pipeline implements device recovery through Recover (§4.6). Every field has a usable zero
// value except Bridge and Runner, which callers must set.
type Pipeline struct {
	Bridge bridge.Bridge
	Runner runner.ProcessRunner
	Usb    UsbResetter
	Logger log.Logger

	FastbootPath string

	// SettleInterval is step 1's initial sleep. Zero means the 1s default.
	SettleInterval time.Duration
	// OnlineTimeout bounds each "wait for online" step. Zero means 30s.
	OnlineTimeout time.Duration

	// MinBatteryAfterRecovery, if non-nil, gates step 4's battery check.
	MinBatteryAfterRecovery *int
}

func (p *Pipeline) settleInterval() time.Duration {
	if p.SettleInterval > 0 {
		return p.SettleInterval
	}
	return defaultSettleInterval
}

func (p *Pipeline) onlineTimeout() time.Duration {
	if p.OnlineTimeout > 0 {
		return p.OnlineTimeout
	}
	return defaultOnlineTimeout
}

func (p *Pipeline) logf(serial, stage, outcome, reason string) {
	if p.Logger == nil {
		return
	}
	p.Logger.Log(log.Event{
		Serial:   serial,
		Category: log.CategoryRecovery,
		Recovery: &log.RecoveryEvent{Stage: stage, Outcome: outcome, Reason: reason},
	})
}

// Recover runs the ordered healing strategy against serial. recoverUntilOnline
// relaxes the terminal success condition from Available to merely Online —
// used by BackgroundAction, which only needs a live shell target again, not
// full framework availability.
func (p *Pipeline) Recover(ctx context.Context, serial string, monitor *state.Monitor, recoverUntilOnline bool) error {
	sleepCtx(ctx, p.settleInterval())
	monitor.WaitForBootloaderStateUpdate(ctx, defaultBootloaderUpdateWait)

	switch monitor.State() {
	case state.NotAvailable:
		if err := p.recoverNotAvailable(ctx, serial, monitor); err != nil {
			return err
		}
	case state.Recovery:
		if err := p.recoverFromRecoveryMode(ctx, serial, monitor, recoverUntilOnline); err != nil {
			return err
		}
	case state.Sideload:
		if !monitor.WaitForSideload(ctx, p.onlineTimeout()) {
			p.logf(serial, "sideload", "failed", "device never reached sideload state")
			return poolerr.New(poolerr.KindNotAvailable, serial, "device did not confirm sideload state")
		}
	case state.Bootloader, state.Fastbootd:
		if err := p.recoverFromFastboot(ctx, serial, monitor); err != nil {
			return err
		}
	case state.Online, state.Available:
		if err := p.recoverFromOnline(ctx, serial, monitor, recoverUntilOnline); err != nil {
			return err
		}
	}

	return p.checkMinBattery(ctx, serial)
}

func (p *Pipeline) recoverNotAvailable(ctx context.Context, serial string, monitor *state.Monitor) error {
	if monitor.WaitForOnline(ctx, p.onlineTimeout()) {
		p.logf(serial, "not_available", "passed", "")
		return nil
	}

	if p.Usb != nil {
		if err := p.Usb.Reset(ctx, serial); err != nil {
			p.logf(serial, "usb_reset", "failed", err.Error())
		}
		if monitor.WaitForOnline(ctx, p.onlineTimeout()) {
			p.logf(serial, "usb_reset", "passed", "")
			return nil
		}
	}

	p.logf(serial, "not_available", "failed", "device remained offline after usb reset")
	return poolerr.DeviceNotAvailable(serial, "offline")
}

func (p *Pipeline) recoverFromRecoveryMode(ctx context.Context, serial string, monitor *state.Monitor, recoverUntilOnline bool) error {
	if err := p.Bridge.Reboot(ctx, serial, ""); err != nil {
		p.logf(serial, "recovery_reboot", "failed", err.Error())
	}

	if recoverUntilOnline {
		if monitor.WaitForOnline(ctx, p.onlineTimeout()) {
			p.logf(serial, "recovery_reboot", "passed", "")
			return nil
		}
		return poolerr.DeviceNotAvailable(serial, "did not come online after recovery reboot")
	}

	if monitor.WaitForAvailable(ctx, p.onlineTimeout()) {
		p.logf(serial, "recovery_reboot", "passed", "")
		return nil
	}
	return poolerr.DeviceNotAvailable(serial, "did not become available after recovery reboot")
}

func (p *Pipeline) recoverFromFastboot(ctx context.Context, serial string, monitor *state.Monitor) error {
	argv := adbwire.FastbootArgv(p.FastbootPath, serial, "reboot")
	result := p.Runner.Run(ctx, argv, defaultRecoveryRebootTimeout, nil, nil)
	if !result.Succeeded() {
		p.logf(serial, "fastboot_reboot", "failed", result.Stderr)
	}

	if monitor.WaitForOnline(ctx, p.onlineTimeout()) {
		p.logf(serial, "fastboot_reboot", "passed", "")
		return nil
	}
	return poolerr.DeviceNotAvailable(serial, "did not come online after fastboot reboot")
}

func (p *Pipeline) recoverFromOnline(ctx context.Context, serial string, monitor *state.Monitor, recoverUntilOnline bool) error {
	probe := monitor.WaitForShell(ctx, p.onlineTimeout())
	if probe == state.ProbeFailed && !recoverUntilOnline && monitor.State() != state.Available {
		p.logf(serial, "online_shell_probe", "failed", "")
		return poolerr.New(poolerr.KindUnresponsive, serial, "shell probe failed while recovering")
	}
	if probe != state.ProbeFailed {
		p.logf(serial, "online_shell_probe", "passed", "")
		return nil
	}

	// One more reboot-and-retry cycle.
	if err := p.Bridge.Reboot(ctx, serial, ""); err != nil {
		p.logf(serial, "online_reboot_retry", "failed", err.Error())
		return poolerr.DeviceNotAvailable(serial, "reboot failed during online recovery")
	}
	if !monitor.WaitForOnline(ctx, p.onlineTimeout()) {
		return poolerr.DeviceNotAvailable(serial, "did not come back online after retry reboot")
	}
	p.logf(serial, "online_reboot_retry", "passed", "")
	return nil
}

func (p *Pipeline) checkMinBattery(ctx context.Context, serial string) error {
	if p.MinBatteryAfterRecovery == nil {
		return nil
	}
	level, readable := p.readBattery(ctx, serial)
	if !readable || level < *p.MinBatteryAfterRecovery {
		p.logf(serial, "min_battery", "failed", "battery unreadable or below threshold")
		return poolerr.DeviceNotAvailable(serial, "battery")
	}
	p.logf(serial, "min_battery", "passed", "")
	return nil
}

func (p *Pipeline) readBattery(ctx context.Context, serial string) (level int, readable bool) {
	out, err := p.Bridge.Shell(ctx, serial, adbwire.BatteryCapacityShellCmd, 5*time.Second)
	if err != nil {
		return 0, false
	}
	return adbwire.ParseBatteryCapacity(out)
}

// RecoverBootloader waits for bootloader mode, rebooting into it if the
// device hasn't reached it yet, and verifies via `fastboot getvar product`.
func (p *Pipeline) RecoverBootloader(ctx context.Context, serial string, monitor *state.Monitor) error {
	if !monitor.WaitForBootloader(ctx, p.onlineTimeout()) {
		if err := p.Bridge.Reboot(ctx, serial, "bootloader"); err != nil {
			return poolerr.DeviceNotAvailable(serial, "reboot bootloader failed")
		}
		if !monitor.WaitForBootloader(ctx, p.onlineTimeout()) {
			return poolerr.DeviceNotAvailable(serial, "did not reach bootloader")
		}
	}

	argv := adbwire.FastbootArgv(p.FastbootPath, serial, "getvar", "product")
	result := p.Runner.Run(ctx, argv, 10*time.Second, nil, nil)
	if !result.Succeeded() {
		return poolerr.DeviceNotAvailable(serial, "fastboot getvar product failed")
	}
	return nil
}

// RecoverFastbootd is RecoverBootloader's symmetric counterpart for
// userspace fastboot (fastbootd).
func (p *Pipeline) RecoverFastbootd(ctx context.Context, serial string, monitor *state.Monitor) error {
	if !monitor.WaitForBootloader(ctx, p.onlineTimeout()) || monitor.State() != state.Fastbootd {
		if err := p.Bridge.Reboot(ctx, serial, "fastboot"); err != nil {
			return poolerr.DeviceNotAvailable(serial, "reboot fastboot failed")
		}
		if !monitor.WaitForBootloader(ctx, p.onlineTimeout()) {
			return poolerr.DeviceNotAvailable(serial, "did not reach fastbootd")
		}
	}

	argv := adbwire.FastbootArgv(p.FastbootPath, serial, "getvar", "product")
	result := p.Runner.Run(ctx, argv, 10*time.Second, nil, nil)
	if !result.Succeeded() {
		return poolerr.DeviceNotAvailable(serial, "fastboot getvar product failed")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
