// Package interactive provides the interactive command shell for
// devicepoolctl, grounded on cmd/mash-device/interactive.go's Run loop
// shape but backed by chzyer/readline instead of a bare bufio reader so
// log output can be redirected through the same terminal cleanly.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/pool"
	"github.com/devicepool/devicepool-go/pkg/selector"
)

// Shell handles interactive mode for devicepoolctl.
type Shell struct {
	mgr *pool.Manager
	rl  *readline.Instance
}

// New creates a Shell. The readline.Instance is created lazily on Run
// so that construction failures surface at startup, not here.
func New(mgr *pool.Manager) *Shell {
	return &Shell{mgr: mgr}
}

// Stdout returns a writer safe to route log output through while the
// shell owns the terminal. Before Run has created the readline instance
// it returns a writer that discards everything written to it.
func (s *Shell) Stdout() io.Writer {
	if s.rl == nil {
		return stdoutFallback{}
	}
	return s.rl.Stdout()
}

type stdoutFallback struct{}

func (stdoutFallback) Write(p []byte) (int, error) { return len(p), nil }

// Run starts the interactive command loop. Returns once ctx is done or
// the user issues "quit".
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "devicepool> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Printf("failed to start interactive shell: %v\n", err)
		return
	}
	s.rl = rl
	defer rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return
			}
			continue
		}
		if err == io.EOF {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "list", "ls":
			s.cmdList()
		case "allocate", "alloc":
			s.cmdAllocate(ctx, args)
		case "force":
			s.cmdForce(ctx, args)
		case "free":
			s.cmdFree(ctx, args)
		case "exec":
			s.cmdExec(ctx, args)
		case "stop-bridge":
			s.cmdStopBridge(ctx)
		case "restart-bridge":
			s.cmdRestartBridge(ctx)
		case "status":
			s.cmdStatus()
		case "quit", "exit", "q":
			fmt.Println("Exiting...")
			cancel()
			return
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Println(`
devicepoolctl Commands:
  list                               - List every registered device
  allocate [serial=S] [null|stub|tcp] - Allocate a device
  force <serial>                     - Force-allocate a specific serial
  free <serial>                      - Free a device back to Available
  exec <serial> <cmd...>             - Run a diagnostic shell command
  stop-bridge                        - Disconnect the adb bridge
  restart-bridge                     - Restart the adb bridge
  status                             - Show pool status
  help                               - Show this help
  quit                               - Exit`)
}

func (s *Shell) cmdList() {
	devices := s.mgr.ListAll()
	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return
	}
	fmt.Printf("\nDevices (%d):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %-20s kind=%-10s alloc=%-20s\n", d.Serial, d.Kind, d.AllocationState())
	}
}

func (s *Shell) cmdAllocate(ctx context.Context, args []string) {
	sel := selector.New()
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "serial="):
			if sel.SerialIncludes == nil {
				sel.SerialIncludes = map[string]struct{}{}
			}
			sel.SerialIncludes[strings.TrimPrefix(a, "serial=")] = struct{}{}
		case a == "null":
			sel.NullDeviceRequested = true
		case a == "stub":
			sel.StubEmulatorRequested = true
		case a == "tcp":
			sel.TcpDeviceRequested = true
		}
	}

	d, err := s.mgr.Allocate(ctx, sel)
	if err != nil {
		fmt.Printf("Allocate failed: %v\n", err)
		return
	}
	fmt.Printf("Allocated %s (kind=%s)\n", d.Serial, d.Kind)
}

func (s *Shell) cmdForce(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: force <serial>")
		return
	}
	d, err := s.mgr.ForceAllocate(ctx, args[0])
	if err != nil {
		fmt.Printf("ForceAllocate failed: %v\n", err)
		return
	}
	fmt.Printf("Force-allocated %s\n", d.Serial)
}

func (s *Shell) cmdFree(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: free <serial>")
		return
	}
	d, ok := s.mgr.Get(args[0])
	if !ok {
		fmt.Printf("Unknown device: %s\n", args[0])
		return
	}
	if err := s.mgr.Free(ctx, d, alloc.Available); err != nil {
		fmt.Printf("Free failed: %v\n", err)
		return
	}
	fmt.Printf("Freed %s\n", args[0])
}

func (s *Shell) cmdExec(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: exec <serial> <cmd...>")
		return
	}
	serial := args[0]
	cmd := strings.Join(args[1:], " ")

	execCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	out, err := s.mgr.ExecuteOnAvailableDevice(execCtx, serial, cmd, time.Second)
	if err != nil {
		fmt.Printf("exec failed: %v\n", err)
		return
	}
	fmt.Println(out)
}

func (s *Shell) cmdStopBridge(ctx context.Context) {
	if err := s.mgr.StopAdbBridge(ctx); err != nil {
		fmt.Printf("stop-bridge failed: %v\n", err)
		return
	}
	fmt.Println("Bridge stopped")
}

func (s *Shell) cmdRestartBridge(ctx context.Context) {
	if err := s.mgr.RestartAdbBridge(ctx); err != nil {
		fmt.Printf("restart-bridge failed: %v\n", err)
		return
	}
	fmt.Println("Bridge restarted")
}

func (s *Shell) cmdStatus() {
	devices := s.mgr.ListAll()
	allocated := 0
	for _, d := range devices {
		if d.AllocationState() == alloc.Allocated {
			allocated++
		}
	}
	fmt.Println("\nPool Status")
	fmt.Println("-----------")
	fmt.Printf("  Registered devices: %d\n", len(devices))
	fmt.Printf("  Allocated:          %d\n", allocated)
	fmt.Printf("  Bridge restart due: %v\n", s.mgr.ShouldAdbBridgeBeRestarted())
}
