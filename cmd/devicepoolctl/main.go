// Command devicepoolctl runs the device pool manager: it owns the
// device registry, the adb bridge listener glue, and the fastboot
// poller, and serves allocate/free/list/terminate over an interactive
// shell. There are no one-shot command flags; without -interactive it
// runs until interrupted.
//
// Usage:
//
//	devicepoolctl [flags]
//
// Flags:
//
//	-config string           Bootstrap config file path (YAML)
//	-fastboot-path string    Path to the fastboot binary (default "fastboot")
//	-log-level string        Log level: debug, info, warn, error (default "info")
//	-device-log string       Path to a CBOR replay log of every pool event
//	-interactive             Enable interactive command shell
//
// Interactive commands:
//
//	list                               - List every registered device
//	allocate [serial=S] [null|stub|tcp] - Allocate a device
//	force <serial>                     - Force-allocate a specific serial
//	free <serial>                      - Free a device back to Available
//	exec <serial> <cmd>                - Run a diagnostic shell command
//	stop-bridge / restart-bridge       - Control the adb bridge connection
//	status                             - Show pool status
//	quit                               - Exit
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devicepool/devicepool-go/cmd/devicepoolctl/interactive"
	"github.com/devicepool/devicepool-go/internal/devicelog"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/config"
	devlog "github.com/devicepool/devicepool-go/pkg/log"
	"github.com/devicepool/devicepool-go/pkg/pool"
	"github.com/devicepool/devicepool-go/pkg/runner"
)

// cliConfig holds the flag-parsed configuration for this run.
type cliConfig struct {
	ConfigFile   string
	FastbootPath string
	LogLevel     string
	DeviceLog    string
	Interactive  bool
}

var cfg cliConfig

func init() {
	flag.StringVar(&cfg.ConfigFile, "config", "", "Bootstrap config file path (YAML)")
	flag.StringVar(&cfg.FastbootPath, "fastboot-path", "", "Path to the fastboot binary (overrides config)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&cfg.DeviceLog, "device-log", "", "Path to a CBOR replay log of every pool event")
	flag.BoolVar(&cfg.Interactive, "interactive", false, "Enable interactive command shell")
}

func main() {
	flag.Parse()
	setupLogging(cfg.LogLevel)

	log.Println("devicepoolctl")
	log.Println("=============")

	bootstrap := config.Default()
	if cfg.ConfigFile != "" {
		loaded, err := config.Load(cfg.ConfigFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		bootstrap = loaded
		log.Printf("Loaded config from %s", cfg.ConfigFile)
	}
	if cfg.FastbootPath != "" {
		bootstrap.FastbootPath = cfg.FastbootPath
	}

	// Bridge/Listener notifications are a fake/stub surface by design:
	// implementing the adb wire protocol is explicitly out of scope.
	// ExecRunner still shells out to the real adb/fastboot binaries for
	// every device operation; only the connect/disconnect/change event
	// stream is simulated.
	br := bridge.NewFakeBridge()
	rn := runner.NewExecRunner()
	var logger devlog.Logger = devlog.NewSlogAdapter(slog.Default())

	var fileLog *devicelog.FileLogger
	if cfg.DeviceLog != "" {
		fl, err := devicelog.NewFileLogger(cfg.DeviceLog)
		if err != nil {
			log.Fatalf("Failed to open device log %s: %v", cfg.DeviceLog, err)
		}
		fileLog = fl
		logger = devlog.NewMultiLogger(logger, fileLog)
		log.Printf("Recording pool events to %s", cfg.DeviceLog)
	}

	mgr := pool.New(pool.Config{
		Bridge:               br,
		Runner:               rn,
		Logger:               logger,
		FastbootPath:         bootstrap.FastbootPath,
		Limits:               bootstrap.Limits(),
		ExcludeSerials:       bootstrap.ExcludeSerials,
		IncludeSerials:       bootstrap.IncludeSerials,
		FastbootPollInterval: bootstrap.FastbootPollInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize pool manager: %v", err)
	}
	log.Println("Pool manager started")

	if cfg.Interactive {
		ic := interactive.New(mgr)
		log.SetOutput(ic.Stdout())
		go ic.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgr.Terminate(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if fileLog != nil {
		if err := fileLog.Close(); err != nil {
			log.Printf("Error closing device log: %v", err)
		}
	}

	log.Println("Goodbye!")
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	var slogLevel slog.Level
	switch level {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
		slogLevel = slog.LevelDebug
	case "warn":
		log.SetFlags(log.Ltime)
		slogLevel = slog.LevelWarn
	case "error":
		log.SetFlags(log.Ltime)
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))
}
