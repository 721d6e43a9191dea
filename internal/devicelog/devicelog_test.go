package devicelog

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/devicepool/devicepool-go/pkg/log"
)

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.mlog")

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	fl.Log(log.Event{Serial: "S1", Category: log.CategoryAllocation,
		Allocation: &log.AllocationEvent{Event: "AllocateRequest", OldState: "Available", NewState: "Allocated", Changed: true}})
	fl.Log(log.Event{Serial: "S2", Category: log.CategoryConnection,
		Connection: &log.ConnectionEvent{Which: "connected", State: "Online"}})

	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Logging after close must be a silent no-op.
	fl.Log(log.Event{Serial: "S3"})

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var got []log.Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, e)
	}

	if len(got) != 2 {
		t.Fatalf("read %d events, want 2", len(got))
	}
	if got[0].Serial != "S1" || got[1].Serial != "S2" {
		t.Errorf("unexpected event order: %+v", got)
	}
}

func TestFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.mlog")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	fl.Log(log.Event{Serial: "S1", Category: log.CategoryAllocation})
	fl.Log(log.Event{Serial: "S2", Category: log.CategoryRecovery})
	fl.Close()

	cat := log.CategoryRecovery
	r, err := NewFilteredReader(path, Filter{Category: &cat})
	if err != nil {
		t.Fatalf("NewFilteredReader: %v", err)
	}
	defer r.Close()

	e, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if e.Serial != "S2" {
		t.Errorf("serial = %q, want S2", e.Serial)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after last matching event, got %v", err)
	}
}
