// Package alloc implements the pure allocation-lifecycle state machine:
// a total function from (AllocationState, AllocationEvent) to
// (AllocationState, changed bool). It performs no I/O and never blocks —
// ManagedDevice invokes it under its own per-device mutex (§5).
package alloc

// State is the authoritative allocation-lifecycle state, owned by the FSM.
// Distinct from state.DeviceState, which is the bridge-observed state.
type State uint8

const (
	// Unknown is the initial state before any connection event arrives.
	Unknown State = iota
	// CheckingAvailability is entered after ConnectedOnline, pending the
	// StateMonitor's shell probe outcome.
	CheckingAvailability
	// Available devices may satisfy an Allocate call.
	Available
	// Allocated devices are exclusively held by one job.
	Allocated
	// Unavailable devices are enumerated but not currently allocatable.
	Unavailable
	// Ignored devices are excluded from allocation entirely (filters).
	Ignored
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case CheckingAvailability:
		return "CHECKING_AVAILABILITY"
	case Available:
		return "AVAILABLE"
	case Allocated:
		return "ALLOCATED"
	case Unavailable:
		return "UNAVAILABLE"
	case Ignored:
		return "IGNORED"
	default:
		return "INVALID"
	}
}

// Event is one of the fifteen inputs the FSM accepts.
type Event uint8

const (
	// ConnectedOnline is raised when the bridge reports a new device.
	ConnectedOnline Event = iota
	// ConnectedOffline is raised for a connection observed already offline.
	ConnectedOffline
	// StateChangeOnline is raised when the bridge reports the device went online.
	StateChangeOnline
	// StateChangeOffline is raised when the bridge reports the device went offline.
	StateChangeOffline
	// AvailableCheckPassed is raised when the shell probe confirms availability.
	AvailableCheckPassed
	// AvailableCheckFailed is raised when the shell probe conclusively fails.
	AvailableCheckFailed
	// AvailableCheckIgnored is raised when the probe result is moot (excluded device).
	AvailableCheckIgnored
	// ExplicitAllocateRequest is raised by Allocate when the selector names a serial.
	ExplicitAllocateRequest
	// AllocateRequest is raised by Allocate for an unconstrained or kind-only match.
	AllocateRequest
	// ForceAllocateRequest is raised by ForceAllocate.
	ForceAllocateRequest
	// FreeAvailable returns the device to Available.
	FreeAvailable
	// FreeUnavailable returns the device to Unavailable.
	FreeUnavailable
	// FreeUnknown returns the device to Unknown.
	FreeUnknown
	// ForceAvailable forces the device directly to Available (placeholder creation).
	ForceAvailable
	// Disconnected is raised when the bridge reports the device gone.
	Disconnected
)

// String returns a human-readable event name.
func (e Event) String() string {
	switch e {
	case ConnectedOnline:
		return "CONNECTED_ONLINE"
	case ConnectedOffline:
		return "CONNECTED_OFFLINE"
	case StateChangeOnline:
		return "STATE_CHANGE_ONLINE"
	case StateChangeOffline:
		return "STATE_CHANGE_OFFLINE"
	case AvailableCheckPassed:
		return "AVAILABLE_CHECK_PASSED"
	case AvailableCheckFailed:
		return "AVAILABLE_CHECK_FAILED"
	case AvailableCheckIgnored:
		return "AVAILABLE_CHECK_IGNORED"
	case ExplicitAllocateRequest:
		return "EXPLICIT_ALLOCATE_REQUEST"
	case AllocateRequest:
		return "ALLOCATE_REQUEST"
	case ForceAllocateRequest:
		return "FORCE_ALLOCATE_REQUEST"
	case FreeAvailable:
		return "FREE_AVAILABLE"
	case FreeUnavailable:
		return "FREE_UNAVAILABLE"
	case FreeUnknown:
		return "FREE_UNKNOWN"
	case ForceAvailable:
		return "FORCE_AVAILABLE"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "INVALID"
	}
}

// Apply is the total transition function from the §4.4 table. A cell
// named in the table is an accepted transition (changed=true) even when
// the named target state equals the current state — e.g. Allocated stays
// Allocated on ConnectedOnline, but the event was accepted, not rejected.
// Only blank ("–") and explicit "reject" cells return (current, false).
func Apply(current State, event Event) (next State, changed bool) {
	switch current {
	case Unknown:
		switch event {
		case ConnectedOnline:
			return CheckingAvailability, true
		case ConnectedOffline:
			return Unknown, true
		case ForceAllocateRequest:
			return Allocated, true
		case ForceAvailable:
			return Available, true
		case Disconnected:
			return Unknown, true
		}
	case CheckingAvailability:
		switch event {
		case StateChangeOffline:
			return Unavailable, true
		case AvailableCheckPassed:
			return Available, true
		case AvailableCheckFailed:
			return Unavailable, true
		case AvailableCheckIgnored:
			return Ignored, true
		case ForceAllocateRequest:
			return Allocated, true
		case ForceAvailable:
			return Available, true
		case Disconnected:
			return Unknown, true
		}
	case Available:
		switch event {
		case StateChangeOnline:
			return Available, true
		case StateChangeOffline:
			return Unavailable, true
		case AllocateRequest:
			return Allocated, true
		case ExplicitAllocateRequest:
			return Allocated, true
		case ForceAllocateRequest:
			return Allocated, true
		case FreeAvailable:
			return Available, true
		case FreeUnavailable:
			return Unavailable, true
		case FreeUnknown:
			return Unknown, true
		case ForceAvailable:
			return Available, true
		case Disconnected:
			return Unknown, true
		}
	case Allocated:
		switch event {
		case ConnectedOnline:
			return Allocated, true
		case ConnectedOffline:
			return Allocated, true
		case StateChangeOnline:
			return Allocated, true
		case StateChangeOffline:
			return Unavailable, true
		case ForceAllocateRequest:
			return Allocated, false
		case FreeAvailable:
			return Available, true
		case FreeUnavailable:
			return Unavailable, true
		case FreeUnknown:
			return Unknown, true
		case Disconnected:
			return Allocated, true
		}
	case Unavailable:
		switch event {
		case ConnectedOnline:
			return CheckingAvailability, true
		case StateChangeOnline:
			return Available, true
		case StateChangeOffline:
			return Unavailable, true
		case FreeAvailable:
			return Available, true
		case FreeUnavailable:
			return Unavailable, true
		case FreeUnknown:
			return Unknown, true
		case ForceAvailable:
			return Available, true
		case Disconnected:
			return Unknown, true
		}
	case Ignored:
		switch event {
		case ConnectedOnline:
			return Ignored, true
		case ForceAllocateRequest:
			return Ignored, false
		case ExplicitAllocateRequest:
			return Ignored, false
		case AllocateRequest:
			return Ignored, false
		case ForceAvailable:
			return Available, true
		case Disconnected:
			return Unknown, true
		}
	}
	return current, false
}
