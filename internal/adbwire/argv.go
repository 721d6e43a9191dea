// Package adbwire builds the exact argv shapes the pool manager emits to
// the adb and fastboot binaries, and parses their stdout back into typed
// values (§6). It holds no state and performs no I/O itself — callers
// execute the argv through a runner.ProcessRunner.
package adbwire

// BatteryCapacityShellCmd is the shell command read for battery-gated
// recovery checks and selector.Descriptor.Battery (§3, §4.6).
const BatteryCapacityShellCmd = "cat /sys/class/power_supply/battery/capacity"

// AdbDevicesArgv builds `adb devices`.
func AdbDevicesArgv() []string {
	return []string{"adb", "devices"}
}

// AdbShellArgv builds `adb -s <serial> shell <cmd>`.
func AdbShellArgv(serial, cmd string) []string {
	return []string{"adb", "-s", serial, "shell", cmd}
}

// AdbRootArgv builds `adb -s <serial> root`.
func AdbRootArgv(serial string) []string {
	return []string{"adb", "-s", serial, "root"}
}

// AdbUnrootArgv builds `adb -s <serial> unroot`.
func AdbUnrootArgv(serial string) []string {
	return []string{"adb", "-s", serial, "unroot"}
}

// AdbConnectArgv builds `adb -s <serial> connect <ip:port>` when serial is
// non-empty (reconnect of a known tcp device), or `adb connect <ip:port>`
// for first connection.
func AdbConnectArgv(serial, addr string) []string {
	if serial == "" {
		return []string{"adb", "connect", addr}
	}
	return []string{"adb", "-s", serial, "connect", addr}
}

// AdbUsbArgv builds `adb -s <serial> usb`.
func AdbUsbArgv(serial string) []string {
	return []string{"adb", "-s", serial, "usb"}
}

// AdbTcpipArgv builds `adb -s <serial> tcpip <port>`.
func AdbTcpipArgv(serial, port string) []string {
	return []string{"adb", "-s", serial, "tcpip", port}
}

// AdbInstallArgv builds `adb -s <serial> install <args...>`.
func AdbInstallArgv(serial string, args ...string) []string {
	return append([]string{"adb", "-s", serial, "install"}, args...)
}

// AdbUninstallArgv builds `adb -s <serial> uninstall <args...>`.
func AdbUninstallArgv(serial string, args ...string) []string {
	return append([]string{"adb", "-s", serial, "uninstall"}, args...)
}

// AdbGetpropArgv builds `adb -s <serial> shell getprop <name>`.
func AdbGetpropArgv(serial, name string) []string {
	return []string{"adb", "-s", serial, "shell", "getprop", name}
}

// AdbRemountArgv builds `adb -s <serial> remount`.
func AdbRemountArgv(serial string) []string {
	return []string{"adb", "-s", serial, "remount"}
}

// AdbEmuKillArgv builds `adb -s <serial> emu kill`, used to stop a locally
// running emulator instance.
func AdbEmuKillArgv(serial string) []string {
	return []string{"adb", "-s", serial, "emu", "kill"}
}

// AdbRebootArgv builds `adb -s <serial> reboot [target]`.
func AdbRebootArgv(serial, target string) []string {
	argv := []string{"adb", "-s", serial, "reboot"}
	if target != "" {
		argv = append(argv, target)
	}
	return argv
}

// AdbPushArgv builds `adb -s <serial> push <local> <remote>`.
func AdbPushArgv(serial, local, remote string) []string {
	return []string{"adb", "-s", serial, "push", local, remote}
}

// AdbPullArgv builds `adb -s <serial> pull <remote> <local>`.
func AdbPullArgv(serial, remote, local string) []string {
	return []string{"adb", "-s", serial, "pull", remote, local}
}

// FastbootDevicesArgv builds `fastboot devices`, resolved against
// fastbootPath when the binary isn't simply "fastboot" on PATH.
func FastbootDevicesArgv(fastbootPath string) []string {
	return []string{binaryOr(fastbootPath), "devices"}
}

// FastbootHelpArgv builds `fastboot help`.
func FastbootHelpArgv(fastbootPath string) []string {
	return []string{binaryOr(fastbootPath), "help"}
}

// FastbootArgv builds `fastboot -s <serial> <subcommand...>`.
func FastbootArgv(fastbootPath, serial string, subcommand ...string) []string {
	return append([]string{binaryOr(fastbootPath), "-s", serial}, subcommand...)
}

func binaryOr(path string) string {
	if path == "" {
		return "fastboot"
	}
	return path
}
