// Package discoveryhook watches mDNS for advertised TCP-networked test
// targets and connects DeviceManager to them automatically (§4.8 C10).
// Grounded on pkg/discovery/mdns.go's MDNSBrowser: a zeroconf.Browse loop
// feeding a goroutine that aggregates ServiceEntry notifications.
package discoveryhook

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/devicepool/devicepool-go/pkg/log"
)

// ServiceType is the mDNS service type advertised by TCP-networked test
// targets. Invented for this domain (the teacher's own service types,
// e.g. "_mashc._udp", advertise Matter commissioning state instead).
const ServiceType = "_devicepool._tcp"

// Domain is the mDNS domain searched.
const Domain = "local"

// rediscoverWindow suppresses repeat connect attempts against an address
// that was already seen recently, so a flapping advertisement doesn't
// spam `adb connect`.
const rediscoverWindow = 30 * time.Second

const connectTimeout = 10 * time.Second

// Connector is the subset of DeviceManager the hook needs. Satisfied by
// *pool.Manager.
type Connector interface {
	ConnectTcp(ctx context.Context, addr string) error
}

// Hook browses for ServiceType advertisements and connects Connector to
// each newly discovered address.
type Hook struct {
	Connector Connector
	Logger    log.Logger

	// Interface restricts browsing to a single named network interface.
	// Empty means all interfaces, matching MDNSBrowser's default.
	Interface string

	mu   sync.Mutex
	seen map[string]time.Time
}

// New creates a Hook. Logger may be nil.
func New(connector Connector, logger log.Logger) *Hook {
	return &Hook{
		Connector: connector,
		Logger:    logger,
		seen:      make(map[string]time.Time),
	}
}

// Run browses until ctx is canceled, connecting to every newly observed
// address. It blocks and returns the underlying zeroconf error, if any,
// once ctx is done.
func (h *Hook) Run(ctx context.Context) error {
	entries := make(chan *zeroconf.ServiceEntry)

	go func() {
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				h.handleEntry(ctx, entry)
			case <-ctx.Done():
				return
			}
		}
	}()

	return zeroconf.Browse(ctx, ServiceType, Domain, entries, h.browserOptions()...)
}

func (h *Hook) browserOptions() []zeroconf.ClientOption {
	if h.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(h.Interface)
	if err != nil {
		return nil
	}
	return []zeroconf.ClientOption{zeroconf.SelectIfaces([]net.Interface{*iface})}
}

func (h *Hook) handleEntry(ctx context.Context, entry *zeroconf.ServiceEntry) {
	addr := addrOf(entry)
	if addr == "" {
		return
	}

	if h.alreadySeen(addr) {
		return
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := h.Connector.ConnectTcp(connCtx, addr); err != nil {
		h.logError(addr, err)
	}
}

func (h *Hook) alreadySeen(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.seen[addr]; ok && time.Since(last) < rediscoverWindow {
		return true
	}
	h.seen[addr] = time.Now()
	return false
}

// addrOf picks the first resolvable address off entry, preferring IPv4,
// and pairs it with the advertised port.
func addrOf(entry *zeroconf.ServiceEntry) string {
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), itoa(entry.Port))
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), itoa(entry.Port))
	default:
		return ""
	}
}

func itoa(port int) string {
	return fmt.Sprintf("%d", port)
}

func (h *Hook) logError(addr string, err error) {
	if h.Logger == nil {
		return
	}
	h.Logger.Log(log.Event{
		Category: log.CategoryError,
		Error: &log.ErrorEvent{
			Message: err.Error(),
			Context: fmt.Sprintf("discoveryhook: connect %s", addr),
		},
	})
}
