package adbwire

import "testing"

func TestParseAdbDevicesSkipsChatterAndHeader(t *testing.T) {
	out := "List of devices attached\n" +
		"adb server version (36) doesn't match this client (35); killing...\n" +
		"* daemon not running. starting it now on port 5037 *\n" +
		"* daemon started successfully *\n" +
		"S1\tdevice\n" +
		"S2\toffline\n"
	lines, err := ParseAdbDevices(out)
	if err != nil {
		t.Fatalf("ParseAdbDevices() error = %v", err)
	}
	if len(lines) != 2 || lines[0].Serial != "S1" || lines[1].Status != "offline" {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestParseAdbDevicesExactTokenMatch(t *testing.T) {
	lines, err := ParseAdbDevices("List of devices attached\n2serial\tdevice\n")
	if err != nil {
		t.Fatalf("ParseAdbDevices() error = %v", err)
	}
	if ContainsSerial(lines, "serial") {
		t.Fatal("\"2serial\" must not match a query for \"serial\" (exact token, not prefix)")
	}
	if !ContainsSerial(lines, "2serial") {
		t.Fatal("exact serial match should succeed")
	}
}

func TestParseAdbDevicesNoHeaderIsError(t *testing.T) {
	_, err := ParseAdbDevices("")
	if err != ErrNoDeviceList {
		t.Fatalf("err = %v, want ErrNoDeviceList", err)
	}
}

func TestParseFastbootDevices(t *testing.T) {
	lines, err := ParseFastbootDevices("S1\tfastboot\n")
	if err != nil {
		t.Fatalf("ParseFastbootDevices() error = %v", err)
	}
	if len(lines) != 1 || lines[0].Serial != "S1" {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestParseGetprop(t *testing.T) {
	if got := ParseGetprop("  flame\n"); got != "flame" {
		t.Errorf("ParseGetprop() = %q, want %q", got, "flame")
	}
	if got := ParseGetprop("\n"); got != "" {
		t.Errorf("ParseGetprop() = %q, want empty for absent property", got)
	}
}

func TestParseSurfaceFlingerColorModes(t *testing.T) {
	out := "  Display 0 color modes:\n  Display 4 color modes:\n"
	ids := ParseSurfaceFlingerColorModes(out)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 4 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestParseProcMounts(t *testing.T) {
	out := "/dev/block/dm-0 / ext4 ro,seclabel 0 0\n"
	entries := ParseProcMounts(out)
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].MountPoint != "/" || entries[0].Options[0] != "ro" {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
}

func TestParseDfFree(t *testing.T) {
	out := "Filesystem     1K-blocks   Used Available Use% Mounted on\n" +
		"/dev/block/dm-0  5000000 2000000   3000000  40% /data\n"
	if got := ParseDfFree(out); got != 3000000 {
		t.Errorf("ParseDfFree() = %d, want 3000000", got)
	}
	if got := ParseDfFree("garbage"); got != 0 {
		t.Errorf("ParseDfFree(garbage) = %d, want 0", got)
	}
}

func TestArgvBuilders(t *testing.T) {
	if got := AdbShellArgv("S1", "ls"); len(got) != 5 || got[4] != "ls" {
		t.Errorf("AdbShellArgv = %v", got)
	}
	if got := FastbootArgv("", "S1", "reboot"); got[0] != "fastboot" || got[2] != "S1" {
		t.Errorf("FastbootArgv = %v", got)
	}
	if got := FastbootArgv("/opt/fastboot", "S1", "getvar", "product"); got[0] != "/opt/fastboot" {
		t.Errorf("FastbootArgv with custom path = %v", got)
	}
}
