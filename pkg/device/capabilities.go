package device

import (
	"context"
	"fmt"

	"github.com/devicepool/devicepool-go/internal/adbwire"
	"github.com/devicepool/devicepool-go/pkg/poolerr"
)

// KillEmulator stops a locally running AVD via `adb emu kill`. Only valid
// for Kind == Emulator; this replaces a subclass-specific "kill" method
// with a capability check on the single Device type (§9).
func (d *Device) KillEmulator(ctx context.Context) error {
	if d.Kind != Emulator {
		return poolerr.New(poolerr.KindUnsupportedOperation, d.Serial, fmt.Sprintf("kill-emulator not supported on %s devices", d.Kind))
	}
	return d.withResilience(ctx, func(ctx context.Context) error {
		result := d.Runner.Run(ctx, adbwire.AdbEmuKillArgv(d.Serial), defaultShellTimeout, nil, nil)
		if !result.Succeeded() {
			return poolerr.Wrap(poolerr.KindIO, d.Serial, fmt.Errorf("adb emu kill: %s", result.Stderr))
		}
		return nil
	})
}

// DisconnectTcp tears down an `adb connect` session. Only valid for
// Kind == TcpNetworked.
func (d *Device) DisconnectTcp(ctx context.Context) error {
	if d.Kind != TcpNetworked {
		return poolerr.New(poolerr.KindUnsupportedOperation, d.Serial, fmt.Sprintf("tcp disconnect not supported on %s devices", d.Kind))
	}
	_, err := d.Shell(ctx, "disconnectFromTcpDevice")
	return err
}
