// Package selector implements the conjunctive predicate used by
// DeviceManager.Allocate to choose among Available devices (§3, §4.8).
package selector

// Kind strings mirror device.Kind.String() exactly; they are kept as
// constants here so this package does not import pkg/device.
const (
	kindEmulator        = "EMULATOR"
	kindNullPlaceholder = "NULL_PLACEHOLDER"
	kindTcpNetworked    = "TCP_NETWORKED"
	kindStub            = "STUB"
)

// Descriptor is the subset of a device's externally visible attributes a
// Selector matches against. DeviceManager builds one from a ManagedDevice
// before evaluating Match.
type Descriptor struct {
	Serial      string
	Kind        string // mirrors device.Kind.String(), kept as string so pkg/device is not imported
	Battery     int    // -1 if unknown
	ProductType string
	Properties  map[string]string
}

// Selector is the conjunctive predicate from §3. The zero value matches
// any device not explicitly excluded.
type Selector struct {
	SerialIncludes        map[string]struct{}
	SerialExcludes        map[string]struct{}
	NullDeviceRequested   bool
	StubEmulatorRequested bool
	TcpDeviceRequested    bool
	MinBattery            *int
	ProductType           string
	ExtraProperties       map[string]string
}

// New returns an empty Selector matching any device except explicit excludes.
func New() Selector {
	return Selector{}
}

// NamesSerial reports whether the selector constrains to specific serials
// (used by DeviceManager.Allocate to decide between AllocateRequest and
// ExplicitAllocateRequest, §4.8).
func (s Selector) NamesSerial() bool {
	return len(s.SerialIncludes) > 0
}

// WantsPlaceholder reports whether the selector asks for a synthetic
// device kind rather than a real physical/networked one.
func (s Selector) WantsPlaceholder() bool {
	return s.NullDeviceRequested || s.StubEmulatorRequested || s.TcpDeviceRequested
}

// Match reports whether d satisfies every clause of s. Matching is
// conjunctive: every set clause must hold; an empty include set means
// "any except excludes".
func (s Selector) Match(d Descriptor) bool {
	if _, excluded := s.SerialExcludes[d.Serial]; excluded {
		return false
	}
	if len(s.SerialIncludes) > 0 {
		if _, included := s.SerialIncludes[d.Serial]; !included {
			return false
		}
	}
	if s.NullDeviceRequested && d.Kind != kindNullPlaceholder {
		return false
	}
	if s.StubEmulatorRequested && d.Kind != kindEmulator && d.Kind != kindStub {
		return false
	}
	if s.TcpDeviceRequested && d.Kind != kindTcpNetworked {
		return false
	}
	if s.MinBattery != nil {
		if d.Battery < 0 || d.Battery < *s.MinBattery {
			return false
		}
	}
	if s.ProductType != "" && s.ProductType != d.ProductType {
		return false
	}
	for k, want := range s.ExtraProperties {
		if got, ok := d.Properties[k]; !ok || got != want {
			return false
		}
	}
	return true
}
