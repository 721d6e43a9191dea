package pool

import (
	"context"
	"time"

	"github.com/devicepool/devicepool-go/pkg/alloc"
	"github.com/devicepool/devicepool-go/pkg/bridge"
	"github.com/devicepool/devicepool-go/pkg/device"
	"github.com/devicepool/devicepool-go/pkg/log"
	"github.com/devicepool/devicepool-go/pkg/state"
)

const defaultAvailabilityProbeTimeout = 10 * time.Second

// OnConnected implements bridge.Listener (§4.8). Filtered-out devices are
// routed straight to Ignored without running the availability probe;
// everything else transitions to CheckingAvailability and the probe runs
// in its own goroutine so the registry mutex is never held across it.
func (m *Manager) OnConnected(d bridge.Device) {
	dev := m.getOrCreate(d.Serial)
	dev.Send(alloc.ConnectedOnline)
	m.logConnection(dev.Serial, "connected", "")

	if m.isFiltered(d.Serial) {
		dev.Send(alloc.AvailableCheckIgnored)
		return
	}

	go m.probeAvailability(dev)
}

func (m *Manager) probeAvailability(dev *device.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultAvailabilityProbeTimeout)
	defer cancel()

	switch dev.Monitor.WaitForShell(ctx, defaultAvailabilityProbeTimeout) {
	case state.ProbePassed, state.ProbeDefaultPassed:
		dev.Send(alloc.AvailableCheckPassed)
	case state.ProbeFailed:
		dev.Send(alloc.AvailableCheckFailed)
	}
}

// OnChanged implements bridge.Listener. A CHANGE_STATE notification is
// re-read from the bridge to get the authoritative DeviceState, which is
// suppressed while the device has a fastboot command in flight (§4.5, §9
// fastboot state gate) — the gate is lifted and state re-read by
// Device.FastbootCommand itself once the command completes.
func (m *Manager) OnChanged(d bridge.Device, which bridge.ChangeKind) {
	if which != bridge.ChangeState {
		return
	}
	dev, ok := m.get(d.Serial)
	if !ok {
		return
	}
	if dev.InFastboot() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	newState, err := m.cfg.Bridge.GetState(ctx, d.Serial)
	cancel()
	if err != nil {
		return
	}
	dev.Monitor.SetState(newState)

	switch newState {
	case state.Online, state.Available:
		dev.Send(alloc.StateChangeOnline)
		m.logConnection(dev.Serial, "changed", newState.String())
	default:
		dev.Send(alloc.StateChangeOffline)
		m.logConnection(dev.Serial, "changed", newState.String())
	}
}

// OnDisconnected implements bridge.Listener.
func (m *Manager) OnDisconnected(d bridge.Device) {
	dev, ok := m.get(d.Serial)
	if !ok {
		return
	}
	if !dev.InFastboot() {
		dev.Monitor.SetState(state.NotAvailable)
	}
	dev.Send(alloc.Disconnected)
	m.logConnection(dev.Serial, "disconnected", "")
}

func (m *Manager) logConnection(serial, which, observedState string) {
	if m.cfg.Logger == nil {
		return
	}
	m.cfg.Logger.Log(log.Event{
		Serial:   serial,
		Category: log.CategoryConnection,
		Connection: &log.ConnectionEvent{
			Which: which,
			State: observedState,
		},
	})
}
