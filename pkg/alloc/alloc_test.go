package alloc

import "testing"

// cell encodes one entry of the §4.4 transition table.
type cell struct {
	from    State
	event   Event
	want    State
	changed bool
}

// table reproduces every cell of the §4.4 transition table verbatim,
// including accepted self-loops and explicit rejects, so TestTransitionTable
// is a round-trip check against the reference rather than a sample.
var table = []cell{
	// Unknown
	{Unknown, ConnectedOnline, CheckingAvailability, true},
	{Unknown, ConnectedOffline, Unknown, true},
	{Unknown, StateChangeOnline, Unknown, false},
	{Unknown, StateChangeOffline, Unknown, false},
	{Unknown, AvailableCheckPassed, Unknown, false},
	{Unknown, AvailableCheckFailed, Unknown, false},
	{Unknown, AvailableCheckIgnored, Unknown, false},
	{Unknown, AllocateRequest, Unknown, false},
	{Unknown, ExplicitAllocateRequest, Unknown, false},
	{Unknown, ForceAllocateRequest, Allocated, true},
	{Unknown, FreeAvailable, Unknown, false},
	{Unknown, FreeUnavailable, Unknown, false},
	{Unknown, FreeUnknown, Unknown, false},
	{Unknown, ForceAvailable, Available, true},
	{Unknown, Disconnected, Unknown, true},

	// CheckingAvailability
	{CheckingAvailability, ConnectedOnline, CheckingAvailability, false},
	{CheckingAvailability, ConnectedOffline, CheckingAvailability, false},
	{CheckingAvailability, StateChangeOnline, CheckingAvailability, false},
	{CheckingAvailability, StateChangeOffline, Unavailable, true},
	{CheckingAvailability, AvailableCheckPassed, Available, true},
	{CheckingAvailability, AvailableCheckFailed, Unavailable, true},
	{CheckingAvailability, AvailableCheckIgnored, Ignored, true},
	{CheckingAvailability, AllocateRequest, CheckingAvailability, false},
	{CheckingAvailability, ExplicitAllocateRequest, CheckingAvailability, false},
	{CheckingAvailability, ForceAllocateRequest, Allocated, true},
	{CheckingAvailability, FreeAvailable, CheckingAvailability, false},
	{CheckingAvailability, FreeUnavailable, CheckingAvailability, false},
	{CheckingAvailability, FreeUnknown, CheckingAvailability, false},
	{CheckingAvailability, ForceAvailable, Available, true},
	{CheckingAvailability, Disconnected, Unknown, true},

	// Available
	{Available, ConnectedOnline, Available, false},
	{Available, ConnectedOffline, Available, false},
	{Available, StateChangeOnline, Available, true},
	{Available, StateChangeOffline, Unavailable, true},
	{Available, AvailableCheckPassed, Available, false},
	{Available, AvailableCheckFailed, Available, false},
	{Available, AvailableCheckIgnored, Available, false},
	{Available, AllocateRequest, Allocated, true},
	{Available, ExplicitAllocateRequest, Allocated, true},
	{Available, ForceAllocateRequest, Allocated, true},
	{Available, FreeAvailable, Available, true},
	{Available, FreeUnavailable, Unavailable, true},
	{Available, FreeUnknown, Unknown, true},
	{Available, ForceAvailable, Available, true},
	{Available, Disconnected, Unknown, true},

	// Allocated
	{Allocated, ConnectedOnline, Allocated, true},
	{Allocated, ConnectedOffline, Allocated, true},
	{Allocated, StateChangeOnline, Allocated, true},
	{Allocated, StateChangeOffline, Unavailable, true},
	{Allocated, AvailableCheckPassed, Allocated, false},
	{Allocated, AvailableCheckFailed, Allocated, false},
	{Allocated, AvailableCheckIgnored, Allocated, false},
	{Allocated, AllocateRequest, Allocated, false},
	{Allocated, ExplicitAllocateRequest, Allocated, false},
	{Allocated, ForceAllocateRequest, Allocated, false},
	{Allocated, FreeAvailable, Available, true},
	{Allocated, FreeUnavailable, Unavailable, true},
	{Allocated, FreeUnknown, Unknown, true},
	{Allocated, ForceAvailable, Allocated, false},
	{Allocated, Disconnected, Allocated, true},

	// Unavailable
	{Unavailable, ConnectedOnline, CheckingAvailability, true},
	{Unavailable, ConnectedOffline, Unavailable, false},
	{Unavailable, StateChangeOnline, Available, true},
	{Unavailable, StateChangeOffline, Unavailable, true},
	{Unavailable, AvailableCheckPassed, Unavailable, false},
	{Unavailable, AvailableCheckFailed, Unavailable, false},
	{Unavailable, AvailableCheckIgnored, Unavailable, false},
	{Unavailable, AllocateRequest, Unavailable, false},
	{Unavailable, ExplicitAllocateRequest, Unavailable, false},
	{Unavailable, ForceAllocateRequest, Unavailable, false},
	{Unavailable, FreeAvailable, Available, true},
	{Unavailable, FreeUnavailable, Unavailable, true},
	{Unavailable, FreeUnknown, Unknown, true},
	{Unavailable, ForceAvailable, Available, true},
	{Unavailable, Disconnected, Unknown, true},

	// Ignored
	{Ignored, ConnectedOnline, Ignored, true},
	{Ignored, ConnectedOffline, Ignored, false},
	{Ignored, StateChangeOnline, Ignored, false},
	{Ignored, StateChangeOffline, Ignored, false},
	{Ignored, AvailableCheckPassed, Ignored, false},
	{Ignored, AvailableCheckFailed, Ignored, false},
	{Ignored, AvailableCheckIgnored, Ignored, false},
	{Ignored, AllocateRequest, Ignored, false},
	{Ignored, ExplicitAllocateRequest, Ignored, false},
	{Ignored, ForceAllocateRequest, Ignored, false},
	{Ignored, FreeAvailable, Ignored, false},
	{Ignored, FreeUnavailable, Ignored, false},
	{Ignored, FreeUnknown, Ignored, false},
	{Ignored, ForceAvailable, Available, true},
	{Ignored, Disconnected, Unknown, true},
}

func TestTransitionTable(t *testing.T) {
	for _, c := range table {
		got, changed := Apply(c.from, c.event)
		if got != c.want || changed != c.changed {
			t.Errorf("Apply(%s, %s) = (%s, %v), want (%s, %v)",
				c.from, c.event, got, changed, c.want, c.changed)
		}
	}
}

func TestRejectLeavesStateUnchanged(t *testing.T) {
	got, changed := Apply(Allocated, ForceAllocateRequest)
	if changed {
		t.Fatal("second ForceAllocateRequest on an Allocated device must be rejected")
	}
	if got != Allocated {
		t.Fatalf("rejected transition must report the unchanged state, got %s", got)
	}
}

func TestEveryStateHandlesEveryEvent(t *testing.T) {
	states := []State{Unknown, CheckingAvailability, Available, Allocated, Unavailable, Ignored}
	events := []Event{
		ConnectedOnline, ConnectedOffline, StateChangeOnline, StateChangeOffline,
		AvailableCheckPassed, AvailableCheckFailed, AvailableCheckIgnored,
		AllocateRequest, ExplicitAllocateRequest, ForceAllocateRequest,
		FreeAvailable, FreeUnavailable, FreeUnknown, ForceAvailable, Disconnected,
	}
	seen := make(map[State]map[Event]bool, len(states))
	for _, s := range states {
		seen[s] = make(map[Event]bool, len(events))
	}
	for _, c := range table {
		seen[c.from][c.event] = true
	}
	for _, s := range states {
		for _, e := range events {
			if !seen[s][e] {
				t.Errorf("table missing cell (%s, %s)", s, e)
			}
		}
	}
}

func TestStringers(t *testing.T) {
	if Unknown.String() != "UNKNOWN" {
		t.Errorf("State.String() = %q", Unknown.String())
	}
	if State(99).String() != "INVALID" {
		t.Errorf("unknown State.String() = %q, want INVALID", State(99).String())
	}
	if Disconnected.String() != "DISCONNECTED" {
		t.Errorf("Event.String() = %q", Disconnected.String())
	}
	if Event(99).String() != "INVALID" {
		t.Errorf("unknown Event.String() = %q, want INVALID", Event(99).String())
	}
}
