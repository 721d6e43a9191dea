// Package pool implements DeviceManager (§4.8, C8): the registry that
// owns every ManagedDevice, translates Bridge notifications into
// AllocationFSM events, and serves Allocate/Free/ListAll/Terminate to
// callers.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devicepool/devicepool-go/internal/adbwire"
	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/device"
	"github.com/devicepool/devicepool-go/pkg/log"
	"github.com/devicepool/devicepool-go/pkg/poolerr"
	"github.com/devicepool/devicepool-go/pkg/recovery"
	"github.com/devicepool/devicepool-go/pkg/runner"
	"github.com/devicepool/devicepool-go/pkg/selector"
	"github.com/devicepool/devicepool-go/pkg/state"
)

// Limits bounds how many synthetic (placeholder) devices of each kind the
// manager will create to satisfy a selector (§3).
type Limits struct {
	MaxEmulators     int
	MaxNullDevices   int
	MaxTcpDevices    int
	MaxGceDevices    int
	MaxRemoteDevices int
}

// Config bundles a Manager's collaborators and static configuration.
type Config struct {
	Bridge       bridge.Bridge
	Runner       runner.ProcessRunner
	Logger       log.Logger
	FastbootPath string
	Limits       Limits

	ExcludeSerials []string
	IncludeSerials []string

	// ShutdownTimeout bounds how long Terminate waits for background
	// actions to join (§5 default 5s).
	ShutdownTimeout time.Duration

	// FastbootPollInterval, if > 0, starts a goroutine polling
	// `fastboot devices` on this interval to discover bootloader-mode
	// devices the adb bridge cannot see (§6).
	FastbootPollInterval time.Duration

	// RecoverySettleInterval and RecoveryOnlineTimeout override the
	// RecoveryPipeline's corresponding fields for every device this
	// Manager creates. Zero means the pipeline's own defaults (1s / 30s);
	// tests shrink these to keep the recovery-heavy scenarios fast.
	RecoverySettleInterval time.Duration
	RecoveryOnlineTimeout  time.Duration
}

const defaultShutdownTimeout = 5 * time.Second

// Manager is DeviceManager.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	devices map[string]*device.Device

	excludeSerials map[string]struct{}
	includeSerials map[string]struct{}

	placeholderMu     sync.Mutex
	placeholderCounts map[device.Kind]int
	// retiredSerials records placeholder serials that have been allocated
	// and freed once already. A selector that names an explicit serial
	// alongside a placeholder kind (§3, temporary null-device bound to a
	// specific absent serial) gets exactly one substitute device for that
	// serial; once freed, the same explicit request must not mint another
	// one. Generated (non-explicit) placeholder serials are unique per
	// allocation, so retiring them here is a no-op for that case.
	retiredSerials map[string]struct{}

	adbBridgeEnabled    bool
	shouldRestartBridge bool

	fastbootCancel context.CancelFunc
	fastbootDone   chan struct{}
}

// New creates a Manager. Call Init before using it.
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:               cfg,
		devices:           make(map[string]*device.Device),
		excludeSerials:    toSet(cfg.ExcludeSerials),
		includeSerials:    toSet(cfg.IncludeSerials),
		placeholderCounts: make(map[device.Kind]int),
		retiredSerials:    make(map[string]struct{}),
	}
	return m
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		out[s] = struct{}{}
	}
	return out
}

func (m *Manager) shutdownTimeout() time.Duration {
	if m.cfg.ShutdownTimeout > 0 {
		return m.cfg.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// Init registers the manager as the bridge's listener and starts the
// optional fastboot poller. Must be called once before devices connect.
func (m *Manager) Init(ctx context.Context) error {
	m.cfg.Bridge.AddListener(m)
	m.adbBridgeEnabled = true

	if m.cfg.FastbootPollInterval > 0 {
		pollCtx, cancel := context.WithCancel(ctx)
		m.fastbootCancel = cancel
		m.fastbootDone = make(chan struct{})
		go m.fastbootPollLoop(pollCtx)
	}
	return nil
}

func (m *Manager) isFiltered(serial string) bool {
	if _, excluded := m.excludeSerials[serial]; excluded {
		return true
	}
	if len(m.includeSerials) > 0 {
		if _, included := m.includeSerials[serial]; !included {
			return true
		}
	}
	return false
}

// getOrCreate returns the registry entry for serial, creating a fresh one
// if absent. The kind defaults to Physical, except for adb's own
// "ip:port" tcp-serial convention (as produced by `adb connect`), which
// is classified TcpNetworked so DisconnectTcp and the tcp placeholder
// limit apply to it too.
func (m *Manager) getOrCreate(serial string) *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[serial]; ok {
		return d
	}
	kind := device.Physical
	if strings.Contains(serial, ":") {
		kind = device.TcpNetworked
	}
	d := m.newDevice(serial, kind)
	m.devices[serial] = d
	return d
}

func (m *Manager) newDevice(serial string, kind device.Kind) *device.Device {
	mon := state.NewMonitor(serial, m.cfg.Bridge)
	rec := &recovery.Pipeline{
		Bridge:         m.cfg.Bridge,
		Runner:         m.cfg.Runner,
		FastbootPath:   m.cfg.FastbootPath,
		SettleInterval: m.cfg.RecoverySettleInterval,
		OnlineTimeout:  m.cfg.RecoveryOnlineTimeout,
		Logger:         m.cfg.Logger,
	}
	d := device.New(serial, kind, mon, m.cfg.Bridge, m.cfg.Runner, rec, m.cfg.Logger)
	if !kind.SupportsFastboot() {
		d.RecoveryMode = device.RecoveryAvailable
	}
	return d
}

func (m *Manager) get(serial string) (*device.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[serial]
	return d, ok
}

// Get returns the registry entry for serial, if any.
func (m *Manager) Get(serial string) (*device.Device, bool) {
	return m.get(serial)
}

// FastbootPath returns the configured fastboot binary path, for callers
// (e.g. the testdevice façade) that need to issue FastbootCommand calls
// without reaching into Manager's private Config.
func (m *Manager) FastbootPath() string {
	return m.cfg.FastbootPath
}

// descriptorOf builds the selector.Descriptor for d, reading only the
// attributes sel actually gates on: a selector with no battery/product/
// property clause costs no extra shell round trips.
func descriptorOf(ctx context.Context, d *device.Device, sel selector.Selector) selector.Descriptor {
	desc := selector.Descriptor{
		Serial:  d.Serial,
		Kind:    d.Kind.String(),
		Battery: -1,
	}
	if sel.MinBattery != nil {
		desc.Battery = d.Battery(ctx)
	}
	if sel.ProductType != "" {
		if v, err := d.GetProp(ctx, "ro.product.device"); err == nil {
			desc.ProductType = v
		}
	}
	if len(sel.ExtraProperties) > 0 {
		desc.Properties = make(map[string]string, len(sel.ExtraProperties))
		for k := range sel.ExtraProperties {
			if v, err := d.GetProp(ctx, k); err == nil {
				desc.Properties[k] = v
			}
		}
	}
	return desc
}

// Allocate finds an Available device matching sel and marks it Allocated.
// If none match and sel requests a placeholder kind, a temporary device is
// created (subject to Limits) instead.
func (m *Manager) Allocate(ctx context.Context, sel selector.Selector) (*device.Device, error) {
	if d, err := m.allocateExisting(ctx, sel); d != nil || err != nil {
		return d, err
	}

	if sel.WantsPlaceholder() {
		return m.allocatePlaceholder(sel)
	}

	return nil, poolerr.New(poolerr.KindNotAvailable, "", "no available device matches the selector")
}

func (m *Manager) allocateExisting(ctx context.Context, sel selector.Selector) (*device.Device, error) {
	m.mu.RLock()
	candidates := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		candidates = append(candidates, d)
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Serial < candidates[j].Serial })

	event := alloc.AllocateRequest
	if sel.NamesSerial() {
		event = alloc.ExplicitAllocateRequest
	}

	for _, d := range candidates {
		if d.AllocationState() != alloc.Available {
			continue
		}
		if !sel.Match(descriptorOf(ctx, d, sel)) {
			continue
		}
		if newState, changed := d.Send(event); !changed || newState != alloc.Allocated {
			continue
		}
		return d, nil
	}
	return nil, nil
}

func (m *Manager) allocatePlaceholder(sel selector.Selector) (*device.Device, error) {
	var kind device.Kind
	var limit int
	switch {
	case sel.NullDeviceRequested:
		kind, limit = device.NullPlaceholder, m.cfg.Limits.MaxNullDevices
	case sel.StubEmulatorRequested:
		kind, limit = device.Stub, m.cfg.Limits.MaxEmulators
	case sel.TcpDeviceRequested:
		kind, limit = device.TcpNetworked, m.cfg.Limits.MaxTcpDevices
	default:
		return nil, poolerr.New(poolerr.KindIllegalArgument, "", "selector requests an unknown placeholder kind")
	}

	explicitSerial := ""
	if sel.NamesSerial() && len(sel.SerialIncludes) == 1 {
		for s := range sel.SerialIncludes {
			explicitSerial = s
		}
	}

	m.placeholderMu.Lock()
	if limit > 0 && m.placeholderCounts[kind] >= limit {
		m.placeholderMu.Unlock()
		return nil, poolerr.New(poolerr.KindNotAvailable, "", fmt.Sprintf("placeholder limit reached for kind %s", kind))
	}
	if explicitSerial != "" {
		if _, retired := m.retiredSerials[explicitSerial]; retired {
			m.placeholderMu.Unlock()
			return nil, poolerr.New(poolerr.KindNotAvailable, explicitSerial, "explicit placeholder serial already used and freed")
		}
	}
	m.placeholderCounts[kind]++
	m.placeholderMu.Unlock()

	serial := explicitSerial
	if serial == "" {
		serial = fmt.Sprintf("%s-%d", placeholderPrefix(kind), time.Now().UnixNano())
	}
	d := m.newDevice(serial, kind)
	d.Temporary = true
	d.RecoveryMode = device.RecoveryNone

	m.mu.Lock()
	m.devices[serial] = d
	m.mu.Unlock()

	d.Send(alloc.ForceAvailable)
	event := alloc.AllocateRequest
	if sel.NamesSerial() {
		event = alloc.ExplicitAllocateRequest
	}
	d.Send(event)
	return d, nil
}

func placeholderPrefix(kind device.Kind) string {
	switch kind {
	case device.NullPlaceholder:
		return "null"
	case device.Stub:
		return "stub"
	case device.TcpNetworked:
		return "tcp"
	default:
		return "placeholder"
	}
}

// ForceAllocate allocates serial unconditionally, creating a registry
// entry for it if none exists yet.
func (m *Manager) ForceAllocate(ctx context.Context, serial string) (*device.Device, error) {
	d := m.getOrCreate(serial)
	newState, changed := d.Send(alloc.ForceAllocateRequest)
	if !changed {
		return nil, poolerr.New(poolerr.KindNotAvailable, serial, fmt.Sprintf("cannot force-allocate device in state %s", newState))
	}
	return d, nil
}

// Free releases d back to finalState (one of alloc.Available,
// alloc.Unavailable, alloc.Unknown). Temporary devices, and
// TcpNetworked devices (which have no persistent hardware presence and
// reappear via a fresh OnConnected once reconnected), are removed from
// the registry entirely.
func (m *Manager) Free(ctx context.Context, d *device.Device, finalState alloc.State) error {
	var event alloc.Event
	switch finalState {
	case alloc.Available:
		event = alloc.FreeAvailable
	case alloc.Unavailable:
		event = alloc.FreeUnavailable
	case alloc.Unknown:
		event = alloc.FreeUnknown
	default:
		return poolerr.New(poolerr.KindIllegalArgument, d.Serial, fmt.Sprintf("invalid free target state %s", finalState))
	}

	if _, changed := d.Send(event); !changed {
		return poolerr.New(poolerr.KindHarnessRuntime, d.Serial, "free rejected by allocation state machine")
	}

	if d.Temporary || d.Kind == device.TcpNetworked {
		m.removeDevice(d)
	}
	return nil
}

func (m *Manager) removeDevice(d *device.Device) {
	if bg := d.GetBackground(); bg != nil {
		bg.Cancel()
		bg.Join(m.shutdownTimeout())
	}
	if d.Kind == device.Emulator {
		_ = d.KillEmulator(context.Background())
	}

	m.mu.Lock()
	delete(m.devices, d.Serial)
	m.mu.Unlock()

	m.placeholderMu.Lock()
	if m.placeholderCounts[d.Kind] > 0 {
		m.placeholderCounts[d.Kind]--
	}
	m.retiredSerials[d.Serial] = struct{}{}
	m.placeholderMu.Unlock()
}

// ListAll returns every registered device, Allocated devices first, each
// group stable-sorted by serial (§8 testable property).
func (m *Manager) ListAll() []*device.Device {
	m.mu.RLock()
	all := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		all = append(all, d)
	}
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		iAllocated := all[i].AllocationState() == alloc.Allocated
		jAllocated := all[j].AllocationState() == alloc.Allocated
		if iAllocated != jAllocated {
			return iAllocated
		}
		return all[i].Serial < all[j].Serial
	})
	return all
}

// ExecuteOnAvailableDevice runs cmd on serial through the bridge directly
// (bypassing the resiliency loop — this is a best-effort diagnostic call),
// capping timeout at 1s (§4.8).
func (m *Manager) ExecuteOnAvailableDevice(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
	const maxTimeout = time.Second
	if timeout <= 0 || timeout > maxTimeout {
		timeout = maxTimeout
	}

	d, ok := m.get(serial)
	if !ok {
		return "", poolerr.New(poolerr.KindNotAvailable, serial, "unknown device")
	}
	switch d.AllocationState() {
	case alloc.Available, alloc.Allocated:
	default:
		return "", poolerr.New(poolerr.KindNotAvailable, serial, fmt.Sprintf("device is %s, not available", d.AllocationState()))
	}

	return m.cfg.Bridge.Shell(ctx, serial, cmd, timeout)
}

// TerminateDeviceMonitor removes serial from the registry, canceling any
// background action and discarding the device's StateMonitor.
func (m *Manager) TerminateDeviceMonitor(serial string) {
	d, ok := m.get(serial)
	if !ok {
		return
	}
	if bg := d.GetBackground(); bg != nil {
		bg.Cancel()
		bg.Join(m.shutdownTimeout())
	}
	m.mu.Lock()
	delete(m.devices, serial)
	m.mu.Unlock()
}

// ConnectTcp runs `adb connect <addr>` to register a TCP-networked device
// (§6, C10 DiscoveryHook). The resulting registry entry is created the
// normal way, through the bridge's own CONNECTED notification once adb
// reports the device.
func (m *Manager) ConnectTcp(ctx context.Context, addr string) error {
	argv := adbwire.AdbConnectArgv("", addr)
	result := m.cfg.Runner.Run(ctx, argv, 10*time.Second, nil, nil)
	if !result.Succeeded() {
		return poolerr.New(poolerr.KindIO, addr, fmt.Sprintf("adb connect %s failed: %s", addr, result.Stderr))
	}
	return nil
}

// StopAdbBridge disconnects the underlying adb bridge connection.
func (m *Manager) StopAdbBridge(ctx context.Context) error {
	m.cfg.Bridge.Disconnect(ctx)
	m.adbBridgeEnabled = false
	return nil
}

// RestartAdbBridge restarts the underlying adb bridge connection.
func (m *Manager) RestartAdbBridge(ctx context.Context) error {
	m.cfg.Bridge.Restart(ctx)
	m.adbBridgeEnabled = true
	m.shouldRestartBridge = false
	return nil
}

// ShouldAdbBridgeBeRestarted reports whether a bridge restart is flagged.
// Nothing in Manager sets the flag; RestartAdbBridge clears it.
func (m *Manager) ShouldAdbBridgeBeRestarted() bool {
	return m.shouldRestartBridge
}

// Terminate cancels every background action, tears down the bridge, and
// stops the fastboot poller. Bounded by ShutdownTimeout per device (§5).
func (m *Manager) Terminate(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		all = append(all, d)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, d := range all {
		bg := d.GetBackground()
		if bg == nil {
			continue
		}
		wg.Add(1)
		go func(bg device.Background) {
			defer wg.Done()
			bg.Cancel()
			bg.Join(m.shutdownTimeout())
		}(bg)
	}
	wg.Wait()

	if m.fastbootCancel != nil {
		m.fastbootCancel()
		<-m.fastbootDone
	}

	m.cfg.Bridge.Disconnect(ctx)
	m.adbBridgeEnabled = false
	return nil
}

// fastbootPollLoop periodically polls `fastboot devices` to discover
// bootloader-mode devices the adb bridge cannot see (§6), registering
// each as a ManagedDevice in the Bootloader DeviceState.
func (m *Manager) fastbootPollLoop(ctx context.Context) {
	defer close(m.fastbootDone)

	ticker := time.NewTicker(m.cfg.FastbootPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollFastbootOnce(ctx)
		}
	}
}

func (m *Manager) pollFastbootOnce(ctx context.Context) {
	argv := adbwire.FastbootDevicesArgv(m.cfg.FastbootPath)
	result := m.cfg.Runner.Run(ctx, argv, 5*time.Second, nil, nil)
	if !result.Succeeded() {
		return
	}
	lines, err := adbwire.ParseFastbootDevices(result.Stdout)
	if err != nil {
		return
	}
	for _, line := range lines {
		if m.isFiltered(line.Serial) {
			continue
		}
		d := m.getOrCreate(line.Serial)
		d.Monitor.SetState(state.Bootloader)
	}
}
